package routing_test

import (
	"testing"
	"time"

	"github.com/zond/reticulum-rs-esp32/internal/routing"
)

func hashOf(b byte) routing.AnnounceHash {
	var h routing.AnnounceHash
	h[0] = b
	return h
}

func TestAnnounceCacheDedupScenario(t *testing.T) {
	t.Parallel()

	cache, err := routing.NewAnnounceCache(routing.DefaultAnnounceCacheConfig())
	if err != nil {
		t.Fatalf("NewAnnounceCache: %v", err)
	}
	h := routing.AnnounceHash{}

	res := cache.Insert(h, 5)
	if res.Verdict != routing.New {
		t.Fatalf("expected New, got %v", res.Verdict)
	}

	res = cache.Insert(h, 5)
	if res.Verdict != routing.Duplicate {
		t.Fatalf("expected Duplicate, got %v", res.Verdict)
	}
	entry, ok := cache.Peek(h)
	if !ok || entry.SeenCount != 2 {
		t.Fatalf("expected seen_count=2, got %+v ok=%v", entry, ok)
	}

	res = cache.Insert(h, 3)
	if res.Verdict != routing.BetterPath || res.OldHops != 5 || res.NewHops != 3 {
		t.Fatalf("expected BetterPath{5,3}, got %+v", res)
	}
	entry, _ = cache.Peek(h)
	if entry.Hops != 3 {
		t.Fatalf("expected hops=3 after better path, got %d", entry.Hops)
	}

	res = cache.Insert(h, 7)
	if res.Verdict != routing.Duplicate {
		t.Fatalf("expected Duplicate for worse hops, got %v", res.Verdict)
	}
	entry, _ = cache.Peek(h)
	if entry.Hops != 3 {
		t.Fatalf("expected hops unchanged at 3, got %d", entry.Hops)
	}
}

func TestAnnounceCacheLenNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	cache, err := routing.NewAnnounceCache(routing.AnnounceCacheConfig{MaxEntries: 3, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewAnnounceCache: %v", err)
	}
	for i := 0; i < 10; i++ {
		cache.Insert(hashOf(byte(i)), 1)
		if cache.Len() > 3 {
			t.Fatalf("len exceeded capacity: %d", cache.Len())
		}
	}
}

func TestAnnounceCacheLRUEvictionOrder(t *testing.T) {
	t.Parallel()

	cache, err := routing.NewAnnounceCache(routing.AnnounceCacheConfig{MaxEntries: 3, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewAnnounceCache: %v", err)
	}
	a, b, c, d := hashOf('a'), hashOf('b'), hashOf('c'), hashOf('d')

	cache.Insert(a, 1)
	cache.Insert(b, 1)
	cache.Insert(c, 1)
	cache.Get(a) // refresh a so b becomes least-recently-used
	cache.Insert(d, 1)

	if !cache.Contains(a) || !cache.Contains(c) || !cache.Contains(d) {
		t.Fatalf("expected a, c, d to remain")
	}
	if cache.Contains(b) {
		t.Fatalf("expected b to be evicted")
	}
}

func TestAnnounceCachePeekDoesNotAffectLRU(t *testing.T) {
	t.Parallel()

	cache, err := routing.NewAnnounceCache(routing.AnnounceCacheConfig{MaxEntries: 2, TTL: time.Hour})
	if err != nil {
		t.Fatalf("NewAnnounceCache: %v", err)
	}
	a, b, c := hashOf('a'), hashOf('b'), hashOf('c')
	cache.Insert(a, 1)
	cache.Insert(b, 1)
	cache.Peek(a) // must NOT protect a from eviction
	cache.Insert(c, 1)

	if cache.Contains(a) {
		t.Fatalf("expected a to be evicted despite being peeked")
	}
}

func TestAnnounceCacheCleanupExpiredIdempotent(t *testing.T) {
	t.Parallel()

	cache, err := routing.NewAnnounceCache(routing.AnnounceCacheConfig{MaxEntries: 10, TTL: time.Millisecond})
	if err != nil {
		t.Fatalf("NewAnnounceCache: %v", err)
	}
	cache.Insert(hashOf('a'), 1)
	time.Sleep(5 * time.Millisecond)

	first := cache.CleanupExpired()
	second := cache.CleanupExpired()
	if first != 1 {
		t.Fatalf("expected 1 removed on first pass, got %d", first)
	}
	if second != 0 {
		t.Fatalf("expected idempotent cleanup, got %d removed on second pass", second)
	}
}

func TestAnnounceCacheInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := routing.NewAnnounceCache(routing.AnnounceCacheConfig{MaxEntries: 0, TTL: time.Hour}); err == nil {
		t.Fatalf("expected error for zero max_entries")
	}
	if _, err := routing.NewAnnounceCache(routing.AnnounceCacheConfig{MaxEntries: 1, TTL: 0}); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}
