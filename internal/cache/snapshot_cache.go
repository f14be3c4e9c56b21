// Package cache keeps constellation snapshots for a rolling window of GPS
// time.
//
// The cache holds snapshots for [now, now+horizon] at a fixed step. A
// background worker computes the leading edge and evicts entries past the
// trailing buffer. When the navigation store changes, the whole window is
// recomputed while the previous one keeps serving reads.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/propagation"
)

// Config holds cache configuration loaded from environment variables.
type Config struct {
	Step    time.Duration // Snapshot interval (default: 30s)
	Horizon time.Duration // How far ahead to cache (default: 10m)
	Buffer  time.Duration // Keep entries this long past their epoch (default: 60s)
}

// Entry wraps a snapshot with the store version it was computed from.
type Entry struct {
	Snapshot     *propagation.Snapshot
	StoreVersion uint64
	GeneratedAt  time.Time
}

// SnapshotCache is an in-memory cache of snapshots keyed by step-aligned GPS
// time. Safe for concurrent use.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[time.Time]*Entry

	config Config
	snap   *propagation.Snapshotter
	store  *navstore.Shared
	logger *slog.Logger
	now    func() time.Time // GPS time

	// store version the current window was built from
	builtVersion atomic.Uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	rebuilds  atomic.Int64

	rebuilding atomic.Bool
}

// New creates a snapshot cache.
func New(config Config, snap *propagation.Snapshotter, store *navstore.Shared, logger *slog.Logger) *SnapshotCache {
	logger.Info("snapshot cache initialized",
		"step_seconds", config.Step.Seconds(),
		"horizon_seconds", config.Horizon.Seconds(),
		"buffer_seconds", config.Buffer.Seconds(),
	)

	return &SnapshotCache{
		entries: make(map[time.Time]*Entry),
		config:  config,
		snap:    snap,
		store:   store,
		logger:  logger,
		now:     gnsstime.Now,
	}
}

// RoundToStep rounds t down to the step boundary.
func (c *SnapshotCache) RoundToStep(t time.Time) time.Time {
	return t.UTC().Truncate(c.config.Step)
}

// Get returns the snapshot for t rounded down to the step, or nil.
func (c *SnapshotCache) Get(t time.Time) *propagation.Snapshot {
	key := c.RoundToStep(t)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		c.hits.Add(1)
		metrics.IncCacheHits()
		return entry.Snapshot
	}

	c.misses.Add(1)
	metrics.IncCacheMisses()
	return nil
}

// GetLatest returns the most recent snapshot not after the current time,
// looking back at most ten steps.
func (c *SnapshotCache) GetLatest() *propagation.Snapshot {
	now := c.RoundToStep(c.now())

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := 0; i < 10; i++ {
		key := now.Add(-time.Duration(i) * c.config.Step)
		if entry, ok := c.entries[key]; ok {
			c.hits.Add(1)
			metrics.IncCacheHits()
			return entry.Snapshot
		}
	}

	c.misses.Add(1)
	metrics.IncCacheMisses()
	return nil
}

func (c *SnapshotCache) put(s *propagation.Snapshot, version uint64) {
	key := c.RoundToStep(s.Time)
	c.mu.Lock()
	c.entries[key] = &Entry{Snapshot: s, StoreVersion: version, GeneratedAt: time.Now()}
	n := len(c.entries)
	c.mu.Unlock()
	metrics.SetCacheEntries(n)
}

// evictExpired removes entries older than now - buffer.
func (c *SnapshotCache) evictExpired() int {
	cutoff := c.now().Add(-c.config.Buffer)
	var removed int

	c.mu.Lock()
	for ts := range c.entries {
		if ts.Before(cutoff) {
			delete(c.entries, ts)
			removed++
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.evictions.Add(int64(removed))
		metrics.AddCacheEvictions(removed)
		metrics.SetCacheEntries(n)
		c.logger.Debug("cache eviction", "entries_removed", removed)
	}
	return removed
}

// replaceAll swaps in a rebuilt window.
func (c *SnapshotCache) replaceAll(entries map[time.Time]*Entry) {
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	metrics.SetCacheEntries(len(entries))
}

// Stats holds cache statistics for the stats endpoint.
type Stats struct {
	Entries      int        `json:"entries"`
	Oldest       *time.Time `json:"oldest,omitempty"`
	Newest       *time.Time `json:"newest,omitempty"`
	Hits         int64      `json:"hits"`
	Misses       int64      `json:"misses"`
	Evictions    int64      `json:"evictions"`
	Rebuilds     int64      `json:"rebuilds"`
	Rebuilding   bool       `json:"rebuilding"`
	StoreVersion uint64     `json:"store_version"`
}

// Stats returns current cache statistics.
func (c *SnapshotCache) Stats() Stats {
	c.mu.RLock()
	st := Stats{Entries: len(c.entries)}
	var oldest, newest time.Time
	for ts := range c.entries {
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
		if newest.IsZero() || ts.After(newest) {
			newest = ts
		}
	}
	c.mu.RUnlock()

	if st.Entries > 0 {
		st.Oldest, st.Newest = &oldest, &newest
	}
	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Evictions = c.evictions.Load()
	st.Rebuilds = c.rebuilds.Load()
	st.Rebuilding = c.rebuilding.Load()
	st.StoreVersion = c.builtVersion.Load()
	return st
}
