package chatstate

import "strings"

// CommandKind identifies a parsed chat command's type.
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandMessage
	CommandBroadcast
	CommandList
	CommandStatus
	CommandHelp
)

// Command is a parsed operator chat command.
type Command struct {
	Kind CommandKind

	// DestID and Text are set for CommandMessage.
	DestID string
	// Text carries the message body for CommandMessage and CommandBroadcast.
	Text string
	// UnknownReason carries a usage/diagnostic message for CommandUnknown.
	UnknownReason string
}

// ParseCommand parses one line of operator input. Empty input and
// unrecognized verbs both produce CommandUnknown carrying a diagnostic
// message.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	if input == "" {
		return Command{Kind: CommandUnknown}
	}

	verb, rest, _ := strings.Cut(input, " ")
	args := strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "msg", "m", "send":
		destID, text, _ := strings.Cut(args, " ")
		text = strings.TrimSpace(text)
		if destID == "" || text == "" {
			return Command{Kind: CommandUnknown, UnknownReason: "Usage: msg <dest_id> <message>"}
		}
		return Command{Kind: CommandMessage, DestID: destID, Text: text}

	case "broadcast", "bc", "b":
		if args == "" {
			return Command{Kind: CommandUnknown, UnknownReason: "Usage: broadcast <message>"}
		}
		return Command{Kind: CommandBroadcast, Text: args}

	case "list", "ls", "l":
		return Command{Kind: CommandList}

	case "status", "stat", "s":
		return Command{Kind: CommandStatus}

	case "help", "h", "?":
		return Command{Kind: CommandHelp}

	default:
		return Command{Kind: CommandUnknown, UnknownReason: "Unknown command: " + verb + ". Type 'help' for commands."}
	}
}

// HelpText is the operator-facing command reference.
const HelpText = `
Available commands:
  msg <id> <text>    Send message to destination (by index or hash prefix)
  broadcast <text>   Send message to all known destinations
  list               Show known destinations
  status             Show node status
  help               Show this help

Shortcuts: m=msg, b=broadcast, l=list, s=status, h=help

Examples:
  msg 0 Hello!       Send "Hello!" to destination [0]
  msg a1b2 Hi        Send "Hi" to destination starting with "a1b2"
  broadcast Anyone?  Send to all known destinations
`
