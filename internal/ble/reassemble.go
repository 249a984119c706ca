package ble

import (
	"errors"
	"time"
)

const (
	defaultMaxPending          = 8
	defaultMaxFragmentsPerPacket = 32
)

// ErrMissingFragment is returned by assemble when a required sequence
// number is absent; it should never escape a correctly-tracked
// PendingPacket, since completeness is checked before assembly is
// attempted.
var ErrMissingFragment = errors.New("ble: missing fragment")

type reassemblyKey struct {
	source        Address
	firstSequence byte
}

type pendingPacket struct {
	fragments    map[byte][]byte
	firstSeq     byte
	lastSeq      *byte
	hasLastSeq   bool
	started      time.Time
}

func newPendingPacket(firstSeq byte, now time.Time) *pendingPacket {
	return &pendingPacket{
		fragments: make(map[byte][]byte),
		firstSeq:  firstSeq,
		started:   now,
	}
}

func (p *pendingPacket) isComplete() bool {
	if !p.hasLastSeq {
		return false
	}
	expected := int(byte(*p.lastSeq-p.firstSeq)) + 1
	return len(p.fragments) == expected
}

func (p *pendingPacket) assemble() ([]byte, error) {
	total := 0
	for _, payload := range p.fragments {
		total += len(payload)
	}
	result := make([]byte, 0, total)
	seq := p.firstSeq
	for {
		payload, ok := p.fragments[seq]
		if !ok {
			return nil, ErrMissingFragment
		}
		result = append(result, payload...)
		if p.hasLastSeq && seq == *p.lastSeq {
			break
		}
		seq++
	}
	return result, nil
}

// Reassembler reassembles fragments into complete packets, bounding memory
// use with configurable caps on concurrent in-flight reassemblies and
// fragments per packet. Not safe for concurrent use without external
// synchronization.
type Reassembler struct {
	pending                  map[reassemblyKey]*pendingPacket
	timeout                  time.Duration
	maxPending               int
	maxFragmentsPerPacket    int
	now                      func() time.Time
}

// NewReassembler constructs a Reassembler with default limits (8 concurrent
// reassemblies, 32 fragments per packet). Incomplete packets are discarded
// after timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	return NewReassemblerWithLimits(timeout, defaultMaxPending, defaultMaxFragmentsPerPacket)
}

// NewReassemblerWithLimits constructs a Reassembler with custom limits.
func NewReassemblerWithLimits(timeout time.Duration, maxPending, maxFragmentsPerPacket int) *Reassembler {
	return &Reassembler{
		pending:               make(map[reassemblyKey]*pendingPacket),
		timeout:               timeout,
		maxPending:            maxPending,
		maxFragmentsPerPacket: maxFragmentsPerPacket,
		now:                   time.Now,
	}
}

// AddFragment feeds one fragment from source into the reassembler. It
// returns the complete packet once every fragment has arrived, or nil if
// more fragments are still needed or the fragment was rejected (invalid
// flags, orphaned continuation, or a capacity overflow).
func (r *Reassembler) AddFragment(source Address, fragment Fragment) []byte {
	if !fragment.HasValidFlags() {
		return nil
	}

	r.cleanupExpired()

	if fragment.IsFirst() {
		if !fragment.HasMore() {
			return fragment.Payload
		}

		key := reassemblyKey{source: source, firstSequence: fragment.Sequence}

		if len(r.pending) >= r.maxPending {
			if oldestKey, ok := r.findOldestPending(); ok {
				delete(r.pending, oldestKey)
			}
		}

		if _, exists := r.pending[key]; exists {
			return nil
		}

		pp := newPendingPacket(fragment.Sequence, r.now())
		pp.fragments[fragment.Sequence] = fragment.Payload
		r.pending[key] = pp
		return nil
	}

	key, ok := r.findKeyForFragment(source, fragment)
	if !ok {
		return nil
	}
	pp := r.pending[key]

	if len(pp.fragments) >= r.maxFragmentsPerPacket {
		delete(r.pending, key)
		return nil
	}

	pp.fragments[fragment.Sequence] = fragment.Payload
	if !fragment.HasMore() {
		seq := fragment.Sequence
		pp.lastSeq = &seq
		pp.hasLastSeq = true
	}

	if pp.isComplete() {
		packet, err := pp.assemble()
		delete(r.pending, key)
		if err != nil {
			// isComplete() guarantees every sequence in range is present;
			// reaching here means that guarantee was violated.
			panic("BUG: isComplete() true but assemble() failed: " + err.Error())
		}
		return packet
	}
	return nil
}

func (r *Reassembler) findKeyForFragment(source Address, fragment Fragment) (reassemblyKey, bool) {
	for key := range r.pending {
		if key.source != source {
			continue
		}
		seqDiff := byte(fragment.Sequence - key.firstSequence)
		if seqDiff > 0 && seqDiff < maxSequenceDistance {
			return key, true
		}
	}
	return reassemblyKey{}, false
}

func (r *Reassembler) findOldestPending() (reassemblyKey, bool) {
	var oldestKey reassemblyKey
	var oldestTime time.Time
	found := false
	for key, pp := range r.pending {
		if !found || pp.started.Before(oldestTime) {
			oldestKey = key
			oldestTime = pp.started
			found = true
		}
	}
	return oldestKey, found
}

func (r *Reassembler) cleanupExpired() {
	now := r.now()
	for key, pp := range r.pending {
		elapsed := now.Sub(pp.started)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed >= r.timeout {
			delete(r.pending, key)
		}
	}
}

// PendingCount returns the number of in-flight reassemblies.
func (r *Reassembler) PendingCount() int { return len(r.pending) }

// Clear discards every in-flight reassembly.
func (r *Reassembler) Clear() { r.pending = make(map[reassemblyKey]*pendingPacket) }
