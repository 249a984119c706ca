package linkqueue_test

import (
	"errors"
	"testing"
	"time"

	"github.com/zond/reticulum-rs-esp32/internal/linkqueue"
)

func testHash(b byte) linkqueue.Hash {
	var h linkqueue.Hash
	h[0] = b
	h[15] = b
	return h
}

// fakeLink is a controllable stand-in for an external rns Link.
type fakeLink struct {
	status       linkqueue.LinkStatus
	packetsBuilt []string
	buildErr     error
}

func (l *fakeLink) Status() linkqueue.LinkStatus { return l.status }

func (l *fakeLink) DataPacket(text string) (any, error) {
	if l.buildErr != nil {
		return nil, l.buildErr
	}
	l.packetsBuilt = append(l.packetsBuilt, text)
	return text, nil
}

// fakeEngine records every link it creates and every packet it sends.
type fakeEngine struct {
	links       map[linkqueue.Hash]*fakeLink
	createErr   error
	sendErr     error
	sent        []any
	createCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{links: make(map[linkqueue.Hash]*fakeLink)}
}

func (e *fakeEngine) CreateLink(hash linkqueue.Hash, descriptor any) (linkqueue.Link, error) {
	e.createCalls++
	if e.createErr != nil {
		return nil, e.createErr
	}
	l, ok := e.links[hash]
	if !ok {
		l = &fakeLink{status: linkqueue.LinkPending}
		e.links[hash] = l
	}
	return l, nil
}

func (e *fakeEngine) Send(packet any) error {
	if e.sendErr != nil {
		return e.sendErr
	}
	e.sent = append(e.sent, packet)
	return nil
}

// fakeMetrics records the last value reported for each gauge/counter.
type fakeMetrics struct {
	queuedMessages int
	expired        int
	droppedOnClose int
	linksActive    int
}

func (m *fakeMetrics) SetQueuedMessages(n int)  { m.queuedMessages = n }
func (m *fakeMetrics) AddExpiredMessages(n int) { m.expired += n }
func (m *fakeMetrics) AddDroppedOnClose(n int)  { m.droppedOnClose += n }
func (m *fakeMetrics) SetLinksActive(n int)     { m.linksActive = n }

func TestQueuedMessageNotExpiredWhenFresh(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := linkqueue.QueuedMessage{Text: "hi", QueuedAt: now}
	if m.IsExpired(now) {
		t.Fatalf("fresh message should not be expired")
	}
}

func TestQueuedMessageExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := linkqueue.QueuedMessage{Text: "hi", QueuedAt: now.Add(-linkqueue.QueueMessageTTL - time.Second)}
	if !m.IsExpired(now) {
		t.Fatalf("message older than TTL should be expired")
	}
}

func TestQueuedMessageNotExpiredJustBeforeTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := linkqueue.QueuedMessage{Text: "hi", QueuedAt: now.Add(-linkqueue.QueueMessageTTL + time.Second)}
	if m.IsExpired(now) {
		t.Fatalf("message just under TTL should not be expired")
	}
}

func TestQueuedMessageExactTTLBoundaryIsNotExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := linkqueue.QueuedMessage{Text: "hi", QueuedAt: now.Add(-linkqueue.QueueMessageTTL)}
	if m.IsExpired(now) {
		t.Fatalf("message at exactly the TTL boundary should not be expired (strict >)")
	}
}

func TestSendMessageActiveLinkSendsImmediately(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(1)
	eng.links[hash] = &fakeLink{status: linkqueue.LinkActive}
	core := linkqueue.NewCore(eng, nil)

	outcome, err := core.SendMessage(hash, "dest", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != linkqueue.SendImmediate {
		t.Fatalf("expected SendImmediate, got %v", outcome)
	}
	if len(eng.sent) != 1 || eng.sent[0] != "hello" {
		t.Fatalf("expected message to be sent immediately, got %+v", eng.sent)
	}
}

func TestSendMessagePendingLinkQueues(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(2)
	eng.links[hash] = &fakeLink{status: linkqueue.LinkPending}
	core := linkqueue.NewCore(eng, nil)

	outcome, err := core.SendMessage(hash, "dest", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != linkqueue.SendQueued {
		t.Fatalf("expected SendQueued, got %v", outcome)
	}
	if core.QueuedMessageCount() != 1 {
		t.Fatalf("expected 1 queued message, got %d", core.QueuedMessageCount())
	}
	if len(eng.sent) != 0 {
		t.Fatalf("expected no immediate send")
	}
}

func TestSendMessageTerminalLinkRejected(t *testing.T) {
	t.Parallel()

	for _, status := range []linkqueue.LinkStatus{linkqueue.LinkStale, linkqueue.LinkClosed} {
		eng := newFakeEngine()
		hash := testHash(3)
		eng.links[hash] = &fakeLink{status: status}
		core := linkqueue.NewCore(eng, nil)

		_, err := core.SendMessage(hash, "dest", "hello")
		if !errors.Is(err, linkqueue.ErrLinkTerminal) {
			t.Fatalf("status %v: expected ErrLinkTerminal, got %v", status, err)
		}
	}
}

func TestSendMessageQueueFullRejected(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(4)
	eng.links[hash] = &fakeLink{status: linkqueue.LinkHandshake}
	core := linkqueue.NewCore(eng, nil)

	for i := 0; i < linkqueue.MaxQueuedMessagesPerDest; i++ {
		if _, err := core.SendMessage(hash, "dest", "m"); err != nil {
			t.Fatalf("unexpected error filling queue: %v", err)
		}
	}
	if _, err := core.SendMessage(hash, "dest", "overflow"); !errors.Is(err, linkqueue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestGetOrCreateLinkReturnsExisting(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(5)
	core := linkqueue.NewCore(eng, nil)

	_, verdict1, err := core.GetOrCreateLink(hash, "dest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict1 != linkqueue.LinkCreated {
		t.Fatalf("expected LinkCreated, got %v", verdict1)
	}

	_, verdict2, err := core.GetOrCreateLink(hash, "dest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict2 != linkqueue.LinkExisting {
		t.Fatalf("expected LinkExisting, got %v", verdict2)
	}
	if eng.createCalls != 1 {
		t.Fatalf("expected exactly one CreateLink call, got %d", eng.createCalls)
	}
}

func TestGetOrCreateLinkRespectsLimit(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	core := linkqueue.NewCore(eng, nil)

	for i := 0; i < linkqueue.MaxConcurrentLinks; i++ {
		if _, verdict, err := core.GetOrCreateLink(testHash(byte(i)), "dest"); err != nil || verdict != linkqueue.LinkCreated {
			t.Fatalf("unexpected result filling link cache: verdict=%v err=%v", verdict, err)
		}
	}

	_, verdict, err := core.GetOrCreateLink(testHash(200), "dest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != linkqueue.LinkLimitReached {
		t.Fatalf("expected LinkLimitReached, got %v", verdict)
	}
}

// TestQueueDrainOnActivation matches the "queue drain on activation"
// scenario: send_message to an inactive link queues one message; the
// outbound Activated event drains it; the link's packet builder is
// invoked exactly once; the queued_messages gauge returns to zero.
func TestQueueDrainOnActivation(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(6)
	link := &fakeLink{status: linkqueue.LinkPending}
	eng.links[hash] = link
	metrics := &fakeMetrics{}
	core := linkqueue.NewCore(eng, metrics)

	outcome, err := core.SendMessage(hash, "dest", "queued hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != linkqueue.SendQueued {
		t.Fatalf("expected SendQueued, got %v", outcome)
	}
	if metrics.queuedMessages != 1 {
		t.Fatalf("expected queued_messages gauge == 1, got %d", metrics.queuedMessages)
	}

	link.status = linkqueue.LinkActive
	sent := core.OnOutboundActivated(hash)

	if sent != 1 {
		t.Fatalf("expected 1 message drained, got %d", sent)
	}
	if len(link.packetsBuilt) != 1 {
		t.Fatalf("expected packet builder invoked exactly once, got %d", len(link.packetsBuilt))
	}
	if core.QueuedMessageCount() != 0 {
		t.Fatalf("expected queue empty after drain, got %d", core.QueuedMessageCount())
	}
	if metrics.queuedMessages != 0 {
		t.Fatalf("expected queued_messages gauge back to zero, got %d", metrics.queuedMessages)
	}
}

// TestQueueDiscardOnClose matches the "queue discard on close" scenario:
// send_message queues two messages; outbound Closed arrives; both are
// dropped; dropped_on_close += 2; queued_messages -= 2.
func TestQueueDiscardOnClose(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(7)
	eng.links[hash] = &fakeLink{status: linkqueue.LinkHandshake}
	metrics := &fakeMetrics{}
	core := linkqueue.NewCore(eng, metrics)

	if _, err := core.SendMessage(hash, "dest", "one"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := core.SendMessage(hash, "dest", "two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics.queuedMessages != 2 {
		t.Fatalf("expected queued_messages gauge == 2, got %d", metrics.queuedMessages)
	}

	dropped := core.OnOutboundClosed(hash)

	if dropped != 2 {
		t.Fatalf("expected 2 messages dropped, got %d", dropped)
	}
	if metrics.droppedOnClose != 2 {
		t.Fatalf("expected dropped_on_close += 2, got %d", metrics.droppedOnClose)
	}
	if metrics.queuedMessages != 0 {
		t.Fatalf("expected queued_messages gauge == 0, got %d", metrics.queuedMessages)
	}
	if core.LinkCount() != 0 {
		t.Fatalf("expected link removed from cache")
	}
}

func TestOnOutboundActivatedSendsOnlyFreshMessages(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(8)
	link := &fakeLink{status: linkqueue.LinkPending}
	eng.links[hash] = link
	metrics := &fakeMetrics{}
	core := linkqueue.NewCore(eng, metrics)

	if _, err := core.SendMessage(hash, "dest", "fresh"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	link.status = linkqueue.LinkActive
	sent := core.OnOutboundActivated(hash)
	if sent != 1 {
		t.Fatalf("expected the fresh message to be sent, got %d", sent)
	}
	if metrics.expired != 0 {
		t.Fatalf("expected no expired messages for a fresh queue, got %d", metrics.expired)
	}
}

func TestOnOutboundActivatedStopsAtFirstNonActiveStatus(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(9)
	link := &fakeLink{status: linkqueue.LinkHandshake}
	eng.links[hash] = link
	core := linkqueue.NewCore(eng, nil)

	if _, err := core.SendMessage(hash, "dest", "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := core.SendMessage(hash, "dest", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	link.status = linkqueue.LinkStale
	sent := core.OnOutboundActivated(hash)
	if sent != 0 {
		t.Fatalf("expected no messages sent once link is no longer Active, got %d", sent)
	}
}

func TestOnInboundLinkClosedRemovesLink(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(10)
	core := linkqueue.NewCore(eng, nil)
	core.GetOrCreateLink(hash, "dest")
	if core.LinkCount() != 1 {
		t.Fatalf("expected 1 cached link")
	}

	core.OnInboundLinkClosed(hash)
	if core.LinkCount() != 0 {
		t.Fatalf("expected link removed after inbound close")
	}
}

func TestSweepExpiredRemovesOnlyStaleMessages(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	hash := testHash(11)
	eng.links[hash] = &fakeLink{status: linkqueue.LinkPending}
	core := linkqueue.NewCore(eng, nil)

	if _, err := core.SendMessage(hash, "dest", "fresh"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed := core.SweepExpired()
	if removed != 0 {
		t.Fatalf("expected no messages removed before TTL elapses, got %d", removed)
	}
	if core.QueuedMessageCount() != 1 {
		t.Fatalf("expected the fresh message to survive the sweep")
	}
}

func TestBroadcastOnlySendsToActiveLinks(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	activeHash := testHash(12)
	pendingHash := testHash(13)
	eng.links[activeHash] = &fakeLink{status: linkqueue.LinkActive}
	eng.links[pendingHash] = &fakeLink{status: linkqueue.LinkPending}
	core := linkqueue.NewCore(eng, nil)

	dests := map[linkqueue.Hash]any{
		activeHash:  "dest-a",
		pendingHash: "dest-b",
	}

	sent, err := core.Broadcast(dests, "hello all")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected exactly 1 broadcast send, got %d", sent)
	}
}
