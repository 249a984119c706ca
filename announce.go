package runcore

import (
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/svanichkin/go-reticulum/rns"
	umsgpack "github.com/svanichkin/go-reticulum/rns/vendor"

	"github.com/zond/reticulum-rs-esp32/internal/linkqueue"
	"github.com/zond/reticulum-rs-esp32/internal/routing"
)

// AnnounceEntry is the operator-facing projection of one cached announce:
// the routing package's internal AnnounceHash/AnnounceEntry plus the
// display name recovered from LXMF announce app-data.
type AnnounceEntry struct {
	DestinationHashHex string `json:"destination_hash_hex"`
	DisplayName        string `json:"display_name,omitempty"`
	LastSeen           int64  `json:"last_seen"`
	AppDataLen         int    `json:"app_data_len,omitempty"`
}

type announceLogger struct {
	node         *Node
	aspectFilter string
}

func newAnnounceLogger(node *Node) *announceLogger {
	return &announceLogger{
		node:         node,
		aspectFilter: "",
	}
}

func (h *announceLogger) AspectFilter() string {
	return h.aspectFilter
}

// ReceivedAnnounce is the rns.AnnounceHandler callback. It does no cache
// work itself: it packages the announce and hands it to the node's
// announce channel, so the single event-loop goroutine (linkqueue.Core.Run)
// is the only place that ever mutates the announce cache. go-reticulum
// does not surface a hop count at this layer, so every announce is
// inserted at hops=0 once it reaches the loop; the dedup/better-path
// verdict still distinguishes first-seen from repeat observations.
func (h *announceLogger) ReceivedAnnounce(destinationHash []byte, announcedIdentity *rns.Identity, appData []byte) {
	if h == nil || h.node == nil || h.node.announceCh == nil {
		return
	}
	destHex := hex.EncodeToString(destinationHash)
	displayName := announceDisplayName(appData)

	var hash linkqueue.Hash
	copy(hash[:], destinationHash)
	entry := AnnounceEntry{
		DestinationHashHex: destHex,
		DisplayName:        displayName,
		LastSeen:           time.Now().Unix(),
		AppDataLen:         len(appData),
	}

	select {
	case h.node.announceCh <- linkqueue.Announce{Hash: hash, Descriptor: entry}:
	default:
		rns.Logf(rns.LOG_DEBUG, "Announce rx %s dropped (event loop busy)", destHex)
	}
}

// dispatchAnnounce is the OnAnnounce callback wired into linkqueue.Core.Run:
// it runs on the event-loop goroutine, so it is the only caller of
// recordAnnounce.
func (n *Node) dispatchAnnounce(a linkqueue.Announce) {
	entry, ok := a.Descriptor.(AnnounceEntry)
	if !ok {
		return
	}
	hash := routing.AnnounceHash(a.Hash)
	verdict := n.recordAnnounce(hash, entry)
	if entry.DisplayName != "" {
		rns.Logf(rns.LOG_DEBUG, "Announce rx %s name=%q verdict=%s", entry.DestinationHashHex, entry.DisplayName, verdict)
	} else {
		rns.Logf(rns.LOG_DEBUG, "Announce rx %s verdict=%s", entry.DestinationHashHex, verdict)
	}
}

func (n *Node) initAnnounceHandler() {
	if n == nil || n.announceHandler != nil {
		return
	}
	h := newAnnounceLogger(n)
	rns.RegisterAnnounceHandler(h)
	n.announceHandler = h
}

// recordAnnounce inserts hash into the bounded announce cache and keeps the
// display-name/last-seen projection used by AnnouncesJSON in sync. It
// returns the cache's insert verdict (new, duplicate, or better_path) for
// logging and metrics.
func (n *Node) recordAnnounce(hash routing.AnnounceHash, entry AnnounceEntry) routing.InsertVerdict {
	if n == nil || n.announceCache == nil {
		return routing.New
	}
	n.announceMu.Lock()
	result := n.announceCache.Insert(hash, 0)
	if n.announceDisplay == nil {
		n.announceDisplay = make(map[routing.AnnounceHash]AnnounceEntry)
	}
	n.announceDisplay[hash] = entry
	size := n.announceCache.Len()
	n.announceMu.Unlock()

	if n.metrics != nil {
		n.metrics.RecordAnnounce(result.Verdict.String())
		n.metrics.SetAnnounceCacheSize(size)
	}
	return result.Verdict
}

func (n *Node) announceSnapshot() []AnnounceEntry {
	if n == nil || n.announceCache == nil {
		return nil
	}
	n.announceMu.Lock()
	entries := make([]AnnounceEntry, 0, len(n.announceDisplay))
	for hash, display := range n.announceDisplay {
		if !n.announceCache.Contains(hash) {
			continue
		}
		entries = append(entries, display)
	}
	n.announceMu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen > entries[j].LastSeen
	})
	return entries
}

func (n *Node) AnnouncesJSON() string {
	if n == nil {
		return `{"announces":[],"error":"node not started"}`
	}
	resp := map[string]any{
		"announces": n.announceSnapshot(),
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return `{"announces":[],"error":"marshal failed"}`
	}
	return string(b)
}

func announceDisplayName(appData []byte) string {
	if len(appData) == 0 {
		return ""
	}
	// Mirror LXMF announce app-data parsing: msgpack([display_name_bytes, stamp_cost?, avatar?]).
	var unpacked []any
	if err := umsgpack.Unpackb(appData, &unpacked); err != nil {
		return ""
	}
	if len(unpacked) == 0 {
		return ""
	}
	switch v := unpacked[0].(type) {
	case []byte:
		if len(v) > 0 {
			return string(v)
		}
	case string:
		return v
	}
	return ""
}
