package runcore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/svanichkin/go-lxmf/lxmf"
	"github.com/svanichkin/go-reticulum/rns"

	"github.com/zond/reticulum-rs-esp32/internal/chatstate"
	"github.com/zond/reticulum-rs-esp32/internal/linkqueue"
)

// resolveChatDestination mirrors SendHex's identity lookup: an announce
// must already have been received for destHashHex before a Link can be
// established to it.
func (n *Node) resolveChatDestination(destHashHex string) (linkqueue.Hash, *rns.Destination, error) {
	var hash linkqueue.Hash

	destHash, err := hex.DecodeString(destHashHex)
	if err != nil {
		return hash, nil, fmt.Errorf("decode destination hash: %w", err)
	}
	if len(destHash) != lxmf.DestinationLength {
		return hash, nil, fmt.Errorf("invalid destination hash length: got %d want %d", len(destHash), lxmf.DestinationLength)
	}
	copy(hash[:], destHash)

	remoteIdentity := rns.IdentityRecall(destHash)
	if remoteIdentity == nil {
		return hash, nil, linkqueue.ErrUnknownDestination
	}
	dest, err := rns.NewDestination(remoteIdentity, rns.DestinationOUT, rns.DestinationSINGLE, lxmf.AppName, "delivery")
	if err != nil {
		return hash, nil, fmt.Errorf("create outbound destination: %w", err)
	}
	return hash, dest, nil
}

// SendQueuedText sends text to destHashHex over the link cache/queue core:
// immediately if an Active link already exists, queued awaiting activation
// otherwise. This is the path the operator CLI's "msg"/"m" command and the
// app's queued-delivery surface use, distinct from the LXMF store-and-forward
// path exposed by SendHex.
func (n *Node) SendQueuedText(destHashHex, text string) (linkqueue.SendOutcome, error) {
	if n == nil || n.linkQ == nil {
		return 0, errors.New("node not started")
	}
	hash, dest, err := n.resolveChatDestination(destHashHex)
	if err != nil {
		return 0, err
	}
	return n.linkQ.SendMessage(hash, dest, text)
}

// BroadcastQueuedText sends text to every destination hash in destHashHexes,
// skipping any that cannot be resolved to a known identity, and returns the
// number of messages sent. It is the operator CLI's "broadcast"/"b" command.
func (n *Node) BroadcastQueuedText(destHashHexes []string, text string) (int, error) {
	if n == nil || n.linkQ == nil {
		return 0, errors.New("node not started")
	}
	dests := make(map[linkqueue.Hash]any, len(destHashHexes))
	for _, hexHash := range destHashHexes {
		hash, dest, err := n.resolveChatDestination(hexHash)
		if err != nil {
			continue
		}
		dests[hash] = dest
	}
	return n.linkQ.Broadcast(dests, text)
}

// registerChatRequestHandler wires the inbound side of the queued chat
// path: a peer's Link.Request to chatMessagePath delivers {"text": ...},
// which is handed to onChatMessage if the embedder registered one.
func (n *Node) registerChatRequestHandler(dest *rns.Destination) error {
	if n == nil || dest == nil {
		return nil
	}
	return dest.RegisterRequestHandler(
		chatMessagePath,
		func(path string, data any, requestID []byte, linkID []byte, remoteIdentity *rns.Identity, requestedAt time.Time) any {
			if n == nil || n.onChatMessage == nil {
				return map[any]any{"ok": true}
			}
			payload, ok := data.(map[any]any)
			if !ok {
				return map[any]any{"ok": false, "error": "malformed payload"}
			}
			text, _ := payload["text"].(string)

			var sender chatstate.Hash
			if remoteIdentity != nil {
				if h, err := hex.DecodeString(remoteIdentity.HexHash); err == nil {
					copy(sender[:], h)
				}
			}
			n.onChatMessage(sender, text)
			return map[any]any{"ok": true}
		},
	)
}

// SetChatMessageHandler registers cb to be invoked for every inbound
// queued chat message received over an active Link.
func (n *Node) SetChatMessageHandler(cb func(sender chatstate.Hash, text string)) {
	if n == nil {
		return
	}
	n.onChatMessage = cb
}

// KnownDestinationsJSON lists every destination hash seen via the announce
// handler, the universe BroadcastQueuedText can address.
func (n *Node) KnownDestinationsJSON() []string {
	entries := n.announceSnapshot()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.DestinationHashHex)
	}
	return out
}
