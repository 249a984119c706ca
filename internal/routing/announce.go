// Package routing implements the announce-dedup cache and multi-path
// routing table that the node's link/queue core consults when inbound
// announces arrive.
package routing

import (
	"errors"
	"time"
)

// ErrInvalidConfig is returned when an AnnounceCacheConfig fails validation.
var ErrInvalidConfig = errors.New("routing: invalid config")

// AnnounceCacheConfig bounds an AnnounceCache.
type AnnounceCacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultAnnounceCacheConfig returns the node's default bounds: 256 entries,
// a one hour TTL.
func DefaultAnnounceCacheConfig() AnnounceCacheConfig {
	return AnnounceCacheConfig{MaxEntries: 256, TTL: time.Hour}
}

func (c AnnounceCacheConfig) validate() error {
	if c.MaxEntries <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("max_entries must be > 0"))
	}
	if c.TTL <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("ttl must be > 0"))
	}
	return nil
}

// AnnounceHash identifies a destination's announce fingerprint.
type AnnounceHash [16]byte

// AnnounceEntry tracks how recently and how often a hash has been announced,
// and the best (lowest) hop count seen for it.
type AnnounceEntry struct {
	FirstSeen    time.Time
	LastAccessed time.Time
	Hops         uint8
	SeenCount    uint32
}

func newAnnounceEntry(hops uint8, now time.Time) AnnounceEntry {
	return AnnounceEntry{FirstSeen: now, LastAccessed: now, Hops: hops, SeenCount: 1}
}

// InsertVerdict is the result of inserting an announce observation.
type InsertVerdict int

const (
	// New means the hash was previously unseen.
	New InsertVerdict = iota
	// Duplicate means the hash was seen before with an equal or better hop count.
	Duplicate
	// BetterPath means the hash was seen before but this announce carries a
	// strictly lower hop count.
	BetterPath
)

func (v InsertVerdict) String() string {
	switch v {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	case BetterPath:
		return "better_path"
	default:
		return "unknown"
	}
}

// InsertResult reports the verdict of an insert, plus the old/new hop counts
// when the verdict is BetterPath.
type InsertResult struct {
	Verdict InsertVerdict
	OldHops uint8
	NewHops uint8
}

// AnnounceCache is a bounded, TTL-aware LRU of announce fingerprints. It is
// not safe for concurrent use without external synchronization; the owning
// routing core is expected to guard it with a single mutex per the lock
// ordering in the node's concurrency model.
type AnnounceCache struct {
	config  AnnounceCacheConfig
	entries map[AnnounceHash]AnnounceEntry
	now     func() time.Time
}

// NewAnnounceCache constructs a cache, validating config.
func NewAnnounceCache(config AnnounceCacheConfig) (*AnnounceCache, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &AnnounceCache{
		config:  config,
		entries: make(map[AnnounceHash]AnnounceEntry),
		now:     time.Now,
	}, nil
}

// Insert records an observation of hash at the given hop count and returns
// the verdict. Eviction order: at capacity, expired entries are dropped
// first; only if none are expired is the least-recently-accessed entry
// evicted.
func (c *AnnounceCache) Insert(hash AnnounceHash, hops uint8) InsertResult {
	now := c.now()

	if len(c.entries) >= c.config.MaxEntries {
		if _, exists := c.entries[hash]; !exists {
			c.evictExpiredOrLRU(now)
		}
	}

	if entry, exists := c.entries[hash]; exists {
		entry.LastAccessed = now
		entry.SeenCount = saturatingIncrement(entry.SeenCount)
		if hops < entry.Hops {
			old := entry.Hops
			entry.Hops = hops
			c.entries[hash] = entry
			return InsertResult{Verdict: BetterPath, OldHops: old, NewHops: hops}
		}
		c.entries[hash] = entry
		return InsertResult{Verdict: Duplicate, OldHops: entry.Hops, NewHops: entry.Hops}
	}

	if len(c.entries) >= c.config.MaxEntries {
		c.evictLRU()
	}
	c.entries[hash] = newAnnounceEntry(hops, now)
	return InsertResult{Verdict: New, NewHops: hops}
}

// Contains reports whether hash is present, without affecting LRU order.
func (c *AnnounceCache) Contains(hash AnnounceHash) bool {
	_, ok := c.entries[hash]
	return ok
}

// Get returns the entry for hash and updates its LastAccessed timestamp.
func (c *AnnounceCache) Get(hash AnnounceHash) (AnnounceEntry, bool) {
	entry, ok := c.entries[hash]
	if !ok {
		return AnnounceEntry{}, false
	}
	entry.LastAccessed = c.now()
	c.entries[hash] = entry
	return entry, true
}

// Peek returns the entry for hash without affecting LRU order.
func (c *AnnounceCache) Peek(hash AnnounceHash) (AnnounceEntry, bool) {
	entry, ok := c.entries[hash]
	return entry, ok
}

// Remove deletes hash, returning whether it was present.
func (c *AnnounceCache) Remove(hash AnnounceHash) bool {
	if _, ok := c.entries[hash]; !ok {
		return false
	}
	delete(c.entries, hash)
	return true
}

// Clear removes every entry.
func (c *AnnounceCache) Clear() {
	c.entries = make(map[AnnounceHash]AnnounceEntry)
}

// Len returns the number of entries currently cached.
func (c *AnnounceCache) Len() int {
	return len(c.entries)
}

// IsEmpty reports whether the cache holds no entries.
func (c *AnnounceCache) IsEmpty() bool {
	return len(c.entries) == 0
}

// Config returns the cache's configuration.
func (c *AnnounceCache) Config() AnnounceCacheConfig {
	return c.config
}

// CleanupExpired removes every entry whose age (measured from FirstSeen)
// has reached the configured TTL and returns the count removed. Idempotent on a
// time-frozen cache.
func (c *AnnounceCache) CleanupExpired() int {
	now := c.now()
	removed := 0
	for hash, entry := range c.entries {
		if now.Sub(entry.FirstSeen) >= c.config.TTL {
			delete(c.entries, hash)
			removed++
		}
	}
	return removed
}

func (c *AnnounceCache) evictExpiredOrLRU(now time.Time) {
	removed := 0
	for hash, entry := range c.entries {
		if now.Sub(entry.FirstSeen) >= c.config.TTL {
			delete(c.entries, hash)
			removed++
		}
	}
	if removed == 0 && len(c.entries) > 0 {
		c.evictLRU()
	}
}

func (c *AnnounceCache) evictLRU() {
	var oldestHash AnnounceHash
	var oldestTime time.Time
	first := true
	for hash, entry := range c.entries {
		if first || entry.LastAccessed.Before(oldestTime) {
			oldestHash = hash
			oldestTime = entry.LastAccessed
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestHash)
	}
}

func saturatingIncrement(v uint32) uint32 {
	if v == ^uint32(0) {
		return v
	}
	return v + 1
}
