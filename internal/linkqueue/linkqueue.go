// Package linkqueue implements the link cache and pending-message queue
// core: caching active links under a bounded budget, queuing outbound
// messages for links that have not yet reached the Active state, expiring
// stale queued messages, and draining queues on activation or discarding
// them on closure. All mutation honors the lock order chat_state → pending
// → links → protocol_engine → individual link.
package linkqueue

import (
	"errors"
	"sync"
	"time"
)

// MaxConcurrentLinks bounds the link cache.
const MaxConcurrentLinks = 20

// MaxQueuedMessagesPerDest bounds the per-destination pending queue.
const MaxQueuedMessagesPerDest = 5

// QueueMessageTTL is how long a queued message may wait before the sweeper
// discards it as stale.
const QueueMessageTTL = 60 * time.Second

// LinkStatus mirrors the external Link object's lifecycle state.
type LinkStatus int

const (
	LinkPending LinkStatus = iota
	LinkHandshake
	LinkActive
	LinkStale
	LinkClosed
)

// Link is the core's view of an external Link object: a shared handle
// whose status is monotonic toward Closed.
type Link interface {
	Status() LinkStatus
	// DataPacket builds an outbound wire packet from text, or an error if
	// the payload could not be constructed.
	DataPacket(text string) (any, error)
}

// Engine is the single outbound send path, the protocol engine from the
// caller's perspective. Send is fire-and-forget at this layer.
type Engine interface {
	// CreateLink asks the protocol engine to establish a new outbound
	// link to the destination named by descriptor.
	CreateLink(hash Hash, descriptor any) (Link, error)
	// Send hands a built packet to the engine.
	Send(packet any) error
}

// Hash is a 16-byte Reticulum destination address hash.
type Hash [16]byte

// QueuedMessage is an outbound message waiting for its link to activate.
type QueuedMessage struct {
	Text     string
	QueuedAt time.Time
}

// IsExpired reports whether the message has been queued longer than
// QueueMessageTTL, evaluated at now.
func (m QueuedMessage) IsExpired(now time.Time) bool {
	elapsed := now.Sub(m.QueuedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed > QueueMessageTTL
}

// GetOrCreateVerdict is the outcome of GetOrCreateLink.
type GetOrCreateVerdict int

const (
	LinkExisting GetOrCreateVerdict = iota
	LinkCreated
	LinkLimitReached
)

// ErrUnknownDestination is returned when a destination id cannot be
// resolved to a known destination.
var ErrUnknownDestination = errors.New("linkqueue: unknown destination")

// ErrLinkTerminal is returned by SendMessage when the resolved link is
// Stale or Closed: a terminal link cannot accept new queued work.
var ErrLinkTerminal = errors.New("linkqueue: link is stale or closed")

// ErrQueueFull is returned by SendMessage when the destination's pending
// queue is already at MaxQueuedMessagesPerDest.
var ErrQueueFull = errors.New("linkqueue: queue full")

// SendOutcome reports what SendMessage actually did, for operator-facing
// surfacing.
type SendOutcome int

const (
	SendImmediate SendOutcome = iota
	SendQueued
)

// Core owns the link cache and the pending-message queues; it is the only
// component permitted to mutate either. Engine is the shared protocol
// engine used for outbound sends and link creation.
type Core struct {
	mu      sync.Mutex // guards links; acquired after pendingMu per lock order
	links   map[Hash]Link

	pendingMu sync.Mutex // guards pending; acquired before mu per lock order
	pending   map[Hash][]QueuedMessage

	engine Engine
	now    func() time.Time

	metrics MetricsSink
}

// MetricsSink receives counter/gauge deltas from the core. A nil sink is a
// valid no-op.
type MetricsSink interface {
	SetQueuedMessages(n int)
	AddExpiredMessages(n int)
	AddDroppedOnClose(n int)
	SetLinksActive(n int)
}

// NewCore constructs a Core around engine. metrics may be nil.
func NewCore(engine Engine, metrics MetricsSink) *Core {
	return &Core{
		links:   make(map[Hash]Link),
		pending: make(map[Hash][]QueuedMessage),
		engine:  engine,
		now:     time.Now,
		metrics: metrics,
	}
}

// GetOrCreateLink returns the cached link for hash, creating one through
// the engine if absent and capacity allows.
func (c *Core) GetOrCreateLink(hash Hash, descriptor any) (Link, GetOrCreateVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.links[hash]; ok {
		return l, LinkExisting, nil
	}
	if len(c.links) >= MaxConcurrentLinks {
		return nil, LinkLimitReached, nil
	}
	l, err := c.engine.CreateLink(hash, descriptor)
	if err != nil {
		return nil, LinkLimitReached, err
	}
	c.links[hash] = l
	c.reportLinksActiveLocked()
	return l, LinkCreated, nil
}

// SendMessage implements the atomic check-and-queue operation: it resolves
// the link, and under a single pending+link critical section either sends
// immediately (Active), rejects (Stale/Closed), or queues (Pending/Handshake).
func (c *Core) SendMessage(hash Hash, descriptor any, text string) (SendOutcome, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	l, verdict, err := c.GetOrCreateLink(hash, descriptor)
	if err != nil {
		return 0, err
	}
	if verdict == LinkLimitReached {
		return 0, ErrLinkTerminal
	}

	switch l.Status() {
	case LinkActive:
		packet, err := l.DataPacket(text)
		if err != nil {
			return 0, err
		}
		if err := c.engine.Send(packet); err != nil {
			return 0, err
		}
		return SendImmediate, nil

	case LinkStale, LinkClosed:
		return 0, ErrLinkTerminal

	default: // Pending, Handshake
		queue := c.pending[hash]
		if len(queue) >= MaxQueuedMessagesPerDest {
			return 0, ErrQueueFull
		}
		c.pending[hash] = append(queue, QueuedMessage{Text: text, QueuedAt: c.now()})
		c.reportQueuedMessagesLocked()
		return SendQueued, nil
	}
}

// Broadcast sends text to every destination in dests whose link is Active,
// building every packet first and then handing each one to the engine; a
// destination whose link is not Active is skipped, not queued. Returns the
// number of packets the engine accepted.
func (c *Core) Broadcast(dests map[Hash]any, text string) (int, error) {
	type built struct {
		packet any
	}
	var packets []built

	for hash, descriptor := range dests {
		l, verdict, err := c.GetOrCreateLink(hash, descriptor)
		if err != nil || verdict == LinkLimitReached {
			continue
		}
		if l.Status() != LinkActive {
			continue
		}
		packet, err := l.DataPacket(text)
		if err != nil {
			continue
		}
		packets = append(packets, built{packet: packet})
	}

	sent := 0
	for _, b := range packets {
		if err := c.engine.Send(b.packet); err != nil {
			continue
		}
		sent++
	}
	return sent, nil
}

// OnInboundLinkClosed removes hash from the link cache.
func (c *Core) OnInboundLinkClosed(hash Hash) {
	c.mu.Lock()
	delete(c.links, hash)
	c.reportLinksActiveLocked()
	c.mu.Unlock()
}

// OnOutboundActivated drains pending[hash] atomically, partitioning
// messages into live and expired. Expired messages are dropped and
// counted; live messages are sent in FIFO order so long as the link stays
// Active, sending stops at the first non-Active read (the remainder will
// be dropped by the subsequent Closed event). Returns the count actually
// sent.
func (c *Core) OnOutboundActivated(hash Hash) int {
	c.pendingMu.Lock()
	queue := c.pending[hash]
	delete(c.pending, hash)
	c.reportQueuedMessagesLocked()
	c.pendingMu.Unlock()

	if len(queue) == 0 {
		return 0
	}

	now := c.now()
	expired := 0
	var live []QueuedMessage
	for _, m := range queue {
		if m.IsExpired(now) {
			expired++
			continue
		}
		live = append(live, m)
	}
	if expired > 0 && c.metrics != nil {
		c.metrics.AddExpiredMessages(expired)
	}

	c.mu.Lock()
	l, ok := c.links[hash]
	c.mu.Unlock()
	if !ok {
		return 0
	}

	sent := 0
	for _, m := range live {
		if l.Status() != LinkActive {
			break
		}
		packet, err := l.DataPacket(m.Text)
		if err != nil {
			continue
		}
		if err := c.engine.Send(packet); err != nil {
			continue
		}
		sent++
	}
	return sent
}

// OnOutboundClosed drops the destination's pending queue and removes the
// cached link, in pending-then-links order per the lock ordering rule.
func (c *Core) OnOutboundClosed(hash Hash) int {
	c.pendingMu.Lock()
	dropped := len(c.pending[hash])
	delete(c.pending, hash)
	c.reportQueuedMessagesLocked()
	c.pendingMu.Unlock()

	c.mu.Lock()
	delete(c.links, hash)
	c.reportLinksActiveLocked()
	c.mu.Unlock()

	if dropped > 0 && c.metrics != nil {
		c.metrics.AddDroppedOnClose(dropped)
	}
	return dropped
}

// SweepExpired walks every pending queue, discarding messages older than
// QueueMessageTTL and dropping now-empty destinations. Returns the number
// of messages removed.
func (c *Core) SweepExpired() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	now := c.now()
	removed := 0
	for hash, queue := range c.pending {
		kept := queue[:0:0]
		for _, m := range queue {
			if m.IsExpired(now) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(c.pending, hash)
		} else {
			c.pending[hash] = kept
		}
	}
	if removed > 0 && c.metrics != nil {
		c.metrics.AddExpiredMessages(removed)
	}
	c.reportQueuedMessagesLocked()
	return removed
}

// QueuedMessageCount returns the total number of messages across every
// pending queue.
func (c *Core) QueuedMessageCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	total := 0
	for _, queue := range c.pending {
		total += len(queue)
	}
	return total
}

// LinkCount returns the number of cached links.
func (c *Core) LinkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

func (c *Core) reportQueuedMessagesLocked() {
	if c.metrics == nil {
		return
	}
	total := 0
	for _, queue := range c.pending {
		total += len(queue)
	}
	c.metrics.SetQueuedMessages(total)
}

func (c *Core) reportLinksActiveLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetLinksActive(len(c.links))
}
