package runcore

import (
	"errors"
	"strings"
	"testing"

	"github.com/zond/reticulum-rs-esp32/internal/linkqueue"
)

// zeroHash16Hex is a well-formed 16-byte destination hash hex string with
// no registered identity, so rns.IdentityRecall returns nil.
var zeroHash16Hex = strings.Repeat("00", 16)

func TestSendQueuedTextNilNode(t *testing.T) {
	t.Parallel()

	var n *Node
	if _, err := n.SendQueuedText("00", "hi"); err == nil {
		t.Fatal("expected error for nil node")
	}
}

func TestSendQueuedTextUnknownDestination(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	_, err := n.SendQueuedText(zeroHash16Hex, "hi")
	if !errors.Is(err, linkqueue.ErrUnknownDestination) {
		t.Fatalf("err = %v, want ErrUnknownDestination", err)
	}
}

func TestSendQueuedTextBadHashLength(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	if _, err := n.SendQueuedText("00", "hi"); err == nil {
		t.Fatal("expected error for short hash")
	}
}

func TestBroadcastQueuedTextSkipsUnresolvable(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	sent, err := n.BroadcastQueuedText([]string{zeroHash16Hex}, "hi")
	if err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if sent != 0 {
		t.Fatalf("sent = %d, want 0 (destination unresolvable)", sent)
	}
}

func TestKnownDestinationsJSONEmpty(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	if got := n.KnownDestinationsJSON(); len(got) != 0 {
		t.Fatalf("KnownDestinationsJSON() = %v, want empty", got)
	}
}
