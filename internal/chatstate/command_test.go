package chatstate_test

import (
	"testing"

	"github.com/zond/reticulum-rs-esp32/internal/chatstate"
)

func TestParseMsgCommand(t *testing.T) {
	t.Parallel()

	cmd := chatstate.ParseCommand("msg 0 Hello world")
	if cmd.Kind != chatstate.CommandMessage || cmd.DestID != "0" || cmd.Text != "Hello world" {
		t.Fatalf("unexpected parse: %+v", cmd)
	}
}

func TestParseMsgShortcut(t *testing.T) {
	t.Parallel()

	cmd := chatstate.ParseCommand("m a1b2 Test")
	if cmd.Kind != chatstate.CommandMessage || cmd.DestID != "a1b2" || cmd.Text != "Test" {
		t.Fatalf("unexpected parse: %+v", cmd)
	}
}

func TestParseBroadcast(t *testing.T) {
	t.Parallel()

	cmd := chatstate.ParseCommand("broadcast Hello everyone")
	if cmd.Kind != chatstate.CommandBroadcast || cmd.Text != "Hello everyone" {
		t.Fatalf("unexpected parse: %+v", cmd)
	}
}

func TestParseList(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"list", "ls", "l"} {
		if cmd := chatstate.ParseCommand(line); cmd.Kind != chatstate.CommandList {
			t.Fatalf("%q: expected CommandList, got %+v", line, cmd)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"status", "stat", "s"} {
		if cmd := chatstate.ParseCommand(line); cmd.Kind != chatstate.CommandStatus {
			t.Fatalf("%q: expected CommandStatus, got %+v", line, cmd)
		}
	}
}

func TestParseHelp(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"help", "h", "?"} {
		if cmd := chatstate.ParseCommand(line); cmd.Kind != chatstate.CommandHelp {
			t.Fatalf("%q: expected CommandHelp, got %+v", line, cmd)
		}
	}
}

func TestParseUnknown(t *testing.T) {
	t.Parallel()

	cmd := chatstate.ParseCommand("foo")
	if cmd.Kind != chatstate.CommandUnknown {
		t.Fatalf("expected CommandUnknown, got %+v", cmd)
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"", "   "} {
		if cmd := chatstate.ParseCommand(line); cmd.Kind != chatstate.CommandUnknown {
			t.Fatalf("%q: expected CommandUnknown, got %+v", line, cmd)
		}
	}
}

func TestMsgMissingArgs(t *testing.T) {
	t.Parallel()

	for _, line := range []string{"msg", "msg 0"} {
		cmd := chatstate.ParseCommand(line)
		if cmd.Kind != chatstate.CommandUnknown {
			t.Fatalf("%q: expected CommandUnknown, got %+v", line, cmd)
		}
		if cmd.UnknownReason == "" {
			t.Fatalf("%q: expected a usage diagnostic", line)
		}
	}
}
