// Package chatstate tracks destinations discovered via announce and parses
// the operator's line-oriented chat commands.
package chatstate

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxKnownDestinations bounds memory use against announce flooding.
const MaxKnownDestinations = 100

// DisplayHashChars is how many hex characters of a destination hash are
// shown in operator-facing output.
const DisplayHashChars = 8

// Hash is a Reticulum destination address hash.
type Hash [16]byte

func formatHashShort(h Hash) string {
	s := hex.EncodeToString(h[:])
	if len(s) > DisplayHashChars {
		s = s[:DisplayHashChars]
	}
	return s
}

// KnownDestination is a destination discovered via announce.
type KnownDestination struct {
	Hash        Hash
	Descriptor  any
	LastSeen    time.Time
	DisplayName string
}

// SecondsAgo returns how long ago this destination was last seen.
func (d KnownDestination) SecondsAgo(now time.Time) int64 {
	elapsed := now.Sub(d.LastSeen)
	if elapsed < 0 {
		elapsed = 0
	}
	return int64(elapsed.Seconds())
}

// State tracks known destinations and node identity/uptime for the
// operator chat interface. Not safe for concurrent use; callers own
// synchronization.
type State struct {
	IdentityHash string

	destinations []KnownDestination
	hashToIndex  map[Hash]int
	startTime    time.Time
	now          func() time.Time
}

// NewState constructs chat state identified by identityHash.
func NewState(identityHash string) *State {
	return &State{
		IdentityHash: identityHash,
		hashToIndex:  make(map[Hash]int),
		startTime:    time.Now(),
		now:          time.Now,
	}
}

// AddDestination records an announce from hash/descriptor. Returns true if
// this is a newly discovered destination, false if an existing entry's
// LastSeen was refreshed. When the cache is full, evicts the
// least-recently-seen entry first.
func (s *State) AddDestination(hash Hash, descriptor any) bool {
	now := s.now()
	if idx, ok := s.hashToIndex[hash]; ok {
		s.destinations[idx].LastSeen = now
		return false
	}

	if len(s.destinations) >= MaxKnownDestinations {
		s.evictOldest()
	}

	idx := len(s.destinations)
	s.destinations = append(s.destinations, KnownDestination{
		Hash:        hash,
		Descriptor:  descriptor,
		LastSeen:    now,
		DisplayName: formatHashShort(hash),
	})
	s.hashToIndex[hash] = idx
	return true
}

// evictOldest removes the least-recently-seen destination via swap-remove:
// the victim is swapped with the last entry, the moved entry's index is
// fixed up, then the (now-duplicate) tail is popped.
func (s *State) evictOldest() {
	if len(s.destinations) == 0 {
		return
	}

	oldestIdx := 0
	for i, d := range s.destinations {
		if d.LastSeen.Before(s.destinations[oldestIdx].LastSeen) {
			oldestIdx = i
		}
	}

	oldestHash := s.destinations[oldestIdx].Hash
	lastIdx := len(s.destinations) - 1

	if oldestIdx != lastIdx {
		lastHash := s.destinations[lastIdx].Hash
		s.destinations[oldestIdx], s.destinations[lastIdx] = s.destinations[lastIdx], s.destinations[oldestIdx]
		s.hashToIndex[lastHash] = oldestIdx
	}

	s.destinations = s.destinations[:lastIdx]
	delete(s.hashToIndex, oldestHash)
}

// GetDestination resolves id as either a decimal index into the known
// destination list or a lowercase hash-prefix match. Returns false if no
// destination matches.
func (s *State) GetDestination(id string) (KnownDestination, bool) {
	if idx, err := strconv.Atoi(id); err == nil {
		if idx >= 0 && idx < len(s.destinations) {
			return s.destinations[idx], true
		}
		return KnownDestination{}, false
	}

	idLower := strings.ToLower(id)
	for _, d := range s.destinations {
		if strings.HasPrefix(d.DisplayName, idLower) {
			return d, true
		}
	}
	return KnownDestination{}, false
}

// AllDestinations returns every known destination.
func (s *State) AllDestinations() []KnownDestination {
	return s.destinations
}

// UptimeSecs returns node uptime in seconds.
func (s *State) UptimeSecs() int64 {
	return int64(s.now().Sub(s.startTime).Seconds())
}

// FormatList renders the known-destination table for the operator CLI.
func (s *State) FormatList() string {
	if len(s.destinations) == 0 {
		return "No known destinations. Wait for announces...\n"
	}
	var sb strings.Builder
	sb.WriteString("Known destinations:\n")
	now := s.now()
	for idx, d := range s.destinations {
		fmt.Fprintf(&sb, "  [%d] %s (seen %ds ago)\n", idx, d.DisplayName, d.SecondsAgo(now))
	}
	return sb.String()
}

// FormatStatus renders node status for the operator CLI.
func (s *State) FormatStatus() string {
	return fmt.Sprintf("Node Status:\n  Identity: %s\n  Uptime: %ds\n  Known destinations: %d\n",
		s.IdentityHash, s.UptimeSecs(), len(s.destinations))
}

// FormatIncomingMessage renders an inbound message for operator display,
// falling back to a byte count for non-UTF8 payloads.
func FormatIncomingMessage(sender Hash, message []byte) string {
	sender8 := formatHashShort(sender)
	if utf8.Valid(message) {
		return fmt.Sprintf("[%s]: %s", sender8, string(message))
	}
	return fmt.Sprintf("[%s]: <binary %d bytes>", sender8, len(message))
}

// CommandKind identifies which operator command a line parsed to.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdMessage
	CmdBroadcast
	CmdList
	CmdStatus
	CmdHelp
)

// Command is a parsed operator CLI line.
type Command struct {
	Kind CommandKind
	// DestID is the raw index/hash-prefix token for CmdMessage.
	DestID string
	// Text is the message body for CmdMessage and CmdBroadcast.
	Text string
}

const helpText = `Commands:
  msg <id> <text>       send text to a known destination (alias: m)
  broadcast <text>      send text to every known destination (alias: b, bc)
  list                  show known destinations (alias: ls, l)
  status                show node status (alias: stat, s)
  help                  show this text (alias: h, ?)
`

// HelpText returns the operator CLI's help listing.
func HelpText() string { return helpText }

// ParseCommand parses one operator CLI line. An empty or unrecognized line
// returns CmdUnknown; callers should print a diagnostic in that case.
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{Kind: CmdUnknown}
	}

	fields := strings.SplitN(line, " ", 2)
	verb := strings.ToLower(fields[0])
	rest := ""
	if len(fields) == 2 {
		rest = strings.TrimSpace(fields[1])
	}

	switch verb {
	case "msg", "m":
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
			return Command{Kind: CmdUnknown}
		}
		return Command{Kind: CmdMessage, DestID: parts[0], Text: strings.TrimSpace(parts[1])}
	case "broadcast", "b", "bc":
		if rest == "" {
			return Command{Kind: CmdUnknown}
		}
		return Command{Kind: CmdBroadcast, Text: rest}
	case "list", "ls", "l":
		return Command{Kind: CmdList}
	case "status", "stat", "s":
		return Command{Kind: CmdStatus}
	case "help", "h", "?":
		return Command{Kind: CmdHelp}
	default:
		return Command{Kind: CmdUnknown}
	}
}
