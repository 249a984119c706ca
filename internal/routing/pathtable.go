package routing

import (
	"errors"
	"sort"
	"time"
)

// Interface identifies which lower-layer transport a PathEntry was learned
// over.
type Interface int

const (
	InterfaceLoRa Interface = iota
	InterfaceBLE
	InterfaceWiFi
)

func (i Interface) String() string {
	switch i {
	case InterfaceLoRa:
		return "lora"
	case InterfaceBLE:
		return "ble"
	case InterfaceWiFi:
		return "wifi"
	default:
		return "unknown"
	}
}

// PathMetrics describes the metrics a discovered path carries; Score derives
// a single comparable value from them.
type PathMetrics struct {
	Hops      uint8
	RSSIDbm   *int16
	Validated bool
}

// Score implements the node's path-selection scoring function: hop count
// dominates, RSSI breaks ties within an interface class, and a validated
// path gets a bonus smaller than one hop's weight.
func (m PathMetrics) Score() int {
	score := (255 - int(m.Hops)) * 1000
	if m.RSSIDbm != nil {
		score += int(*m.RSSIDbm) + 120
	}
	if m.Validated {
		score += 500
	}
	return score
}

// PathEntry is one known route to a destination over one interface.
type PathEntry struct {
	Interface     Interface
	NextHop       *AnnounceHash
	Metrics       PathMetrics
	LearnedAt     time.Time
	LastRefreshed time.Time
}

func (e PathEntry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastRefreshed) > ttl
}

// PathTableConfig bounds a PathTable.
type PathTableConfig struct {
	MaxDestinations  int
	MaxPathsPerDest  int
	TTL              time.Duration
}

// DefaultPathTableConfig returns sane defaults for an embedded node: 64
// destinations, 3 paths each, one hour TTL.
func DefaultPathTableConfig() PathTableConfig {
	return PathTableConfig{MaxDestinations: 64, MaxPathsPerDest: 3, TTL: time.Hour}
}

func (c PathTableConfig) validate() error {
	if c.MaxDestinations <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("max_destinations must be > 0"))
	}
	if c.MaxPathsPerDest <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("max_paths_per_dest must be > 0"))
	}
	if c.TTL <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("ttl must be > 0"))
	}
	return nil
}

// PathTable is a bounded multi-path routing table, one entry per
// (destination, interface) pair. Not safe for concurrent use without
// external synchronization.
type PathTable struct {
	config PathTableConfig
	paths  map[AnnounceHash][]PathEntry
	now    func() time.Time
}

// NewPathTable constructs a table, validating config.
func NewPathTable(config PathTableConfig) (*PathTable, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &PathTable{
		config: config,
		paths:  make(map[AnnounceHash][]PathEntry),
		now:    time.Now,
	}, nil
}

// AddPath inserts or refreshes the path to dest over iface, returning true
// iff routing state actually changed (a new path was added or an existing
// one was upgraded).
func (t *PathTable) AddPath(dest AnnounceHash, iface Interface, nextHop *AnnounceHash, metrics PathMetrics) bool {
	now := t.now()
	entries := t.paths[dest]

	for i, existing := range entries {
		if existing.Interface != iface {
			continue
		}
		if metrics.Score() >= existing.Metrics.Score() {
			entries[i] = PathEntry{
				Interface:     iface,
				NextHop:       nextHop,
				Metrics:       metrics,
				LearnedAt:     existing.LearnedAt,
				LastRefreshed: now,
			}
			t.paths[dest] = entries
			return true
		}
		entries[i].LastRefreshed = now
		t.paths[dest] = entries
		return false
	}

	newEntry := PathEntry{
		Interface:     iface,
		NextHop:       nextHop,
		Metrics:       metrics,
		LearnedAt:     now,
		LastRefreshed: now,
	}

	if len(entries) < t.config.MaxPathsPerDest {
		if len(entries) == 0 && len(t.paths) >= t.config.MaxDestinations {
			return false
		}
		t.paths[dest] = append(entries, newEntry)
		return true
	}

	worstIdx := -1
	worstScore := 0
	for i, e := range entries {
		if worstIdx == -1 || e.Metrics.Score() < worstScore {
			worstIdx = i
			worstScore = e.Metrics.Score()
		}
	}
	if worstIdx >= 0 && newEntry.Metrics.Score() > worstScore {
		entries[worstIdx] = newEntry
		t.paths[dest] = entries
		return true
	}
	return false
}

// BestPath returns the highest-scoring non-expired path to dest, if any.
func (t *PathTable) BestPath(dest AnnounceHash) (PathEntry, bool) {
	now := t.now()
	entries := t.paths[dest]
	best := -1
	bestScore := 0
	for i, e := range entries {
		if e.expired(now, t.config.TTL) {
			continue
		}
		if best == -1 || e.Metrics.Score() > bestScore {
			best = i
			bestScore = e.Metrics.Score()
		}
	}
	if best == -1 {
		return PathEntry{}, false
	}
	return entries[best], true
}

// PathsTo returns every non-expired path to dest, sorted best score first
// (stable for equal scores).
func (t *PathTable) PathsTo(dest AnnounceHash) []PathEntry {
	now := t.now()
	var live []PathEntry
	for _, e := range t.paths[dest] {
		if !e.expired(now, t.config.TTL) {
			live = append(live, e)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Metrics.Score() > live[j].Metrics.Score()
	})
	return live
}

// ValidatePath marks the (dest, iface) path validated and refreshes it. A
// no-op if no such path exists.
func (t *PathTable) ValidatePath(dest AnnounceHash, iface Interface) {
	entries := t.paths[dest]
	for i, e := range entries {
		if e.Interface == iface {
			entries[i].Metrics.Validated = true
			entries[i].LastRefreshed = t.now()
			t.paths[dest] = entries
			return
		}
	}
}

// CleanupExpired drops every path entry whose LastRefreshed age exceeds the
// configured TTL, removing destinations left with zero paths. Returns the
// count of entries removed.
func (t *PathTable) CleanupExpired() int {
	now := t.now()
	removed := 0
	for dest, entries := range t.paths {
		var kept []PathEntry
		for _, e := range entries {
			if e.expired(now, t.config.TTL) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(t.paths, dest)
		} else {
			t.paths[dest] = kept
		}
	}
	return removed
}

// Len returns the number of destinations currently tracked.
func (t *PathTable) Len() int {
	return len(t.paths)
}

// Config returns the table's configuration.
func (t *PathTable) Config() PathTableConfig {
	return t.config
}
