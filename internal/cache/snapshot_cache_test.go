package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/propagation"
)

var t0 = gnsstime.GPS(2296, 7200)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func ephemeris(prn int) *navdata.Ephemeris {
	sat := gnss.SatID{Sys: gnss.SysGPS, PRN: prn}
	return &navdata.Ephemeris{
		Header: navdata.Header{
			Sat: sat, Xmit: sat, Signal: gnss.SigGPSL1CA,
			Start: t0.Add(-2 * time.Hour), End: t0.Add(2 * time.Hour), Ref: t0,
		},
		Orbit:    navdata.Kepler{SqrtA: 5153.6, Ecc: 0.01, I0: 0.96, M0: float64(prn)},
		ToeSOW:   7200,
		Healthy:  true,
		FitBegin: t0.Add(-2 * time.Hour),
		FitEnd:   t0.Add(2 * time.Hour),
	}
}

func testStore() *navstore.Shared {
	s := navstore.NewShared(navstore.New())
	s.Insert(ephemeris(3), ephemeris(9))
	return s
}

func testConfig() Config {
	return Config{
		Step:    30 * time.Second,
		Horizon: 2 * time.Minute,
		Buffer:  time.Minute,
	}
}

// newTestCache returns a cache whose clock reads now.
func newTestCache(store *navstore.Shared, cfg Config, now time.Time) *SnapshotCache {
	snap := propagation.NewSnapshotter(store, propagation.Config{Workers: 2, MaxPoints: 100, Fit: navdata.FitStrict}, testLogger())
	c := New(cfg, snap, store, testLogger())
	c.now = func() time.Time { return now }
	return c
}

func TestSnapshotCache(t *testing.T) {
	store := testStore()
	c := newTestCache(store, testConfig(), t0)

	snap, err := c.snap.SnapshotAt(context.Background(), t0, nil)
	if err != nil {
		t.Fatalf("SnapshotAt failed: %v", err)
	}
	c.put(snap, store.Version())

	got := c.Get(t0.Add(10 * time.Second))
	if got == nil {
		t.Fatal("expected cache hit, got nil")
	}
	if !got.Time.Equal(t0) {
		t.Errorf("time mismatch: got %v, want %v", got.Time, t0)
	}

	stats := c.Stats()
	if stats.Entries != 1 {
		t.Errorf("entries: got %d, want 1", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("hits: got %d, want 1", stats.Hits)
	}
}

func TestRoundToStep(t *testing.T) {
	c := newTestCache(testStore(), testConfig(), t0)

	tests := []struct {
		input    time.Time
		expected time.Time
	}{
		{time.Date(2024, 1, 7, 12, 0, 3, 0, time.UTC), time.Date(2024, 1, 7, 12, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 7, 12, 0, 47, 0, time.UTC), time.Date(2024, 1, 7, 12, 0, 30, 0, time.UTC)},
		{time.Date(2024, 1, 7, 12, 1, 0, 0, time.UTC), time.Date(2024, 1, 7, 12, 1, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := c.RoundToStep(tt.input); !got.Equal(tt.expected) {
			t.Errorf("RoundToStep(%v) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestCacheMiss(t *testing.T) {
	c := newTestCache(testStore(), testConfig(), t0)

	if c.Get(t0) != nil {
		t.Fatal("expected nil for cache miss")
	}
	if c.GetLatest() != nil {
		t.Fatal("expected nil from empty cache")
	}
	if got := c.Stats().Misses; got != 2 {
		t.Errorf("misses: got %d, want 2", got)
	}
}

// TestWarmupFillsWindow verifies warmup computes every epoch of the window.
func TestWarmupFillsWindow(t *testing.T) {
	c := newTestCache(testStore(), testConfig(), t0.Add(5*time.Second))
	c.warmup(context.Background())

	stats := c.Stats()
	if stats.Entries != 5 {
		t.Fatalf("warmup generated %d entries, want 5", stats.Entries)
	}
	if !stats.Oldest.Equal(t0) || !stats.Newest.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("window = [%v, %v], want [%v, %v]", stats.Oldest, stats.Newest, t0, t0.Add(2*time.Minute))
	}

	latest := c.GetLatest()
	if latest == nil || !latest.Time.Equal(t0) {
		t.Fatalf("GetLatest = %v, want snapshot at %v", latest, t0)
	}
	if len(latest.Satellites) != 2 {
		t.Errorf("latest snapshot has %d satellites, want 2", len(latest.Satellites))
	}
}

// TestTickAdvancesWindow verifies one step of the clock adds the leading edge
// and evicts past the buffer.
func TestTickAdvancesWindow(t *testing.T) {
	now := t0
	c := newTestCache(testStore(), testConfig(), now)
	c.warmup(context.Background())

	now = t0.Add(90 * time.Second)
	c.now = func() time.Time { return now }
	c.tick(context.Background())

	if c.Get(t0.Add(90*time.Second+2*time.Minute)) == nil {
		t.Error("leading edge not generated")
	}
	if c.Get(t0) != nil {
		t.Error("entry older than the buffer not evicted")
	}
	if c.Get(t0.Add(30*time.Second)) == nil {
		t.Error("entry inside the buffer evicted")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

// TestStoreChangeRebuild verifies an insert triggers a full rebuild that
// picks up the new satellite.
func TestStoreChangeRebuild(t *testing.T) {
	store := testStore()
	c := newTestCache(store, testConfig(), t0)
	c.warmup(context.Background())

	if c.storeChanged() {
		t.Fatal("store reported changed right after warmup")
	}

	store.Insert(ephemeris(21))
	if !c.storeChanged() {
		t.Fatal("expected storeChanged after insert")
	}

	c.tick(context.Background())

	stats := c.Stats()
	if stats.Rebuilding {
		t.Error("rebuild flag still set")
	}
	if stats.Rebuilds != 1 || stats.StoreVersion != store.Version() {
		t.Errorf("rebuilds = %d at version %d, want 1 at %d", stats.Rebuilds, stats.StoreVersion, store.Version())
	}
	if snap := c.Get(t0); snap == nil || len(snap.Satellites) != 3 {
		t.Errorf("rebuilt snapshot = %v, want 3 satellites", snap)
	}
	if c.storeChanged() {
		t.Error("store still reported changed after rebuild")
	}
}

// TestWindowOutsideFit verifies epochs past every fit interval are still
// cached, with the failed satellites counted.
func TestWindowOutsideFit(t *testing.T) {
	c := newTestCache(testStore(), testConfig(), t0.Add(3*time.Hour))
	c.warmup(context.Background())

	if got := c.Stats().Entries; got != 5 {
		t.Fatalf("entries = %d, want 5", got)
	}
	if snap := c.GetLatest(); snap == nil || len(snap.Satellites) != 0 || snap.Errors != 2 {
		t.Errorf("snapshot outside fit = %+v, want no satellites and 2 errors", snap)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(testStore(), testConfig(), t0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.warmup(ctx)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.GetLatest()
				c.Get(t0.Add(time.Duration(j) * time.Second))
				c.Stats()
			}
			done <- struct{}{}
		}()
	}
	go c.tick(ctx)

	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("timeout waiting for concurrent reads")
		}
	}
}
