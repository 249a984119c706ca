package linkqueue

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// LinkEventKind distinguishes the three outcomes an external Link can
// report.
type LinkEventKind int

const (
	LinkEventActivated LinkEventKind = iota
	LinkEventData
	LinkEventClosed
)

// LinkEvent is one event from either the inbound or outbound link event
// stream, tagged with the peer's address hash.
type LinkEvent struct {
	Hash    Hash
	Kind    LinkEventKind
	Payload []byte
}

// Announce is one inbound announce, carrying enough to update the
// known-destination store.
type Announce struct {
	Hash       Hash
	Descriptor any
}

// Callbacks are the loop's side-effect hooks into the rest of the node:
// known-destination tracking and operator-facing data delivery. Any
// callback may be nil.
type Callbacks struct {
	OnAnnounce       func(Announce)
	OnInboundData    func(Hash, []byte)
	OnReannounce     func()
	AnnounceInterval time.Duration
	SweepInterval    time.Duration
}

func (cb Callbacks) announceInterval() time.Duration {
	if cb.AnnounceInterval > 0 {
		return cb.AnnounceInterval
	}
	return 300 * time.Second
}

func (cb Callbacks) sweepInterval() time.Duration {
	if cb.SweepInterval > 0 {
		return cb.SweepInterval
	}
	return 10 * time.Second
}

// Run multiplexes the three event streams and two timers until ctx is
// canceled. It is the core's single selector loop: inbound announces
// update the known-destination store; inbound Data events are surfaced
// and inbound Closed events clear the cached link, while inbound Activated
// events take no action and are not logged; outbound Activated/Closed
// drain or discard pending queues; the sweep timer expires stale
// messages; the re-announce timer fires a self-announce, skipping its
// first tick (a fresh announce was already sent at boot).
func (c *Core) Run(ctx context.Context, announces <-chan Announce, inboundLinks <-chan LinkEvent, outboundLinks <-chan LinkEvent, cb Callbacks) error {
	g, ctx := errgroup.WithContext(ctx)

	reannounce := time.NewTicker(cb.announceInterval())
	sweep := time.NewTicker(cb.sweepInterval())

	g.Go(func() error {
		defer reannounce.Stop()
		defer sweep.Stop()

		firstReannounceTick := true

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case a, ok := <-announces:
				if !ok {
					announces = nil
					continue
				}
				if cb.OnAnnounce != nil {
					cb.OnAnnounce(a)
				}

			case ev, ok := <-inboundLinks:
				if !ok {
					inboundLinks = nil
					continue
				}
				c.handleInboundLinkEvent(ev, cb)

			case ev, ok := <-outboundLinks:
				if !ok {
					outboundLinks = nil
					continue
				}
				c.handleOutboundLinkEvent(ev)

			case <-sweep.C:
				c.SweepExpired()

			case <-reannounce.C:
				if firstReannounceTick {
					firstReannounceTick = false
					continue
				}
				if cb.OnReannounce != nil {
					cb.OnReannounce()
				}
			}
		}
	})

	return g.Wait()
}

func (c *Core) handleInboundLinkEvent(ev LinkEvent, cb Callbacks) {
	switch ev.Kind {
	case LinkEventActivated:
		// Peer-initiated; no cache action required.
	case LinkEventData:
		if cb.OnInboundData != nil {
			cb.OnInboundData(ev.Hash, ev.Payload)
		}
	case LinkEventClosed:
		c.OnInboundLinkClosed(ev.Hash)
	}
}

func (c *Core) handleOutboundLinkEvent(ev LinkEvent) {
	switch ev.Kind {
	case LinkEventActivated:
		c.OnOutboundActivated(ev.Hash)
	case LinkEventClosed:
		c.OnOutboundClosed(ev.Hash)
	}
}
