// Package propagation evaluates broadcast states for the whole constellation
// held in the navigation store, one epoch or a series of epochs at a time.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/transform"
)

var (
	// ErrNoData is returned when the store holds no ephemeris at all.
	ErrNoData = errors.New("no ephemeris loaded")
	// ErrBudget is returned when a series would exceed Config.MaxPoints.
	ErrBudget = errors.New("series exceeds point budget")
	// ErrStep is returned for a non-positive series step.
	ErrStep = errors.New("series step must be positive")
)

// satList is the set of satellites with ephemeris for one store version.
// Immutable after construction.
type satList struct {
	sats    []gnss.SatID
	version uint64
}

// Snapshotter computes constellation snapshots from the shared store.
type Snapshotter struct {
	store  *navstore.Shared
	pool   *WorkerPool
	config Config
	logger *slog.Logger
	sats   atomic.Pointer[satList]
	satsMu sync.Mutex // serializes list rebuilds
}

// NewSnapshotter creates a snapshotter reading from store.
func NewSnapshotter(store *navstore.Shared, config Config, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		store:  store,
		pool:   NewWorkerPool(config.Workers, logger),
		config: config,
		logger: logger,
	}
}

// MaxPoints returns the series budget.
func (s *Snapshotter) MaxPoints() int {
	return s.config.MaxPoints
}

// satellites returns the satellites with ephemeris, rebuilding the list when
// the store version moved (double-checked locking).
func (s *Snapshotter) satellites() []gnss.SatID {
	v := s.store.Version()
	if l := s.sats.Load(); l != nil && l.version == v {
		return l.sats
	}

	s.satsMu.Lock()
	defer s.satsMu.Unlock()

	if l := s.sats.Load(); l != nil && l.version == v {
		return l.sats
	}

	sats := s.store.Satellites(navdata.KindEphemeris)
	s.sats.Store(&satList{sats: sats, version: v})
	s.logger.Debug("snapshot satellite list rebuilt",
		"satellites", len(sats),
		"store_version", v,
	)
	return sats
}

// SnapshotAt computes the state of every satellite with ephemeris at t.
// obs may be nil. Satellites are ordered by system then PRN.
func (s *Snapshotter) SnapshotAt(ctx context.Context, t time.Time, obs *transform.Observer) (*Snapshot, error) {
	sats := s.satellites()
	if len(sats) == 0 {
		return nil, ErrNoData
	}

	start := time.Now()
	states, failed := s.pool.PropagateBatch(ctx, s.store, sats, t, s.config.Fit, obs)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	duration := time.Since(start)

	sort.Slice(states, func(i, j int) bool { return states[i].Sat.Less(states[j].Sat) })
	metrics.RecordSnapshot(len(states), duration)
	metrics.AddSnapshotFailures(failed)

	s.logger.Debug("snapshot computed",
		"time", t.UTC().Format(time.RFC3339),
		"satellites", len(states),
		"errors", failed,
		"duration_ms", duration.Milliseconds(),
	)

	return &Snapshot{
		Time:       t,
		Satellites: states,
		Errors:     failed,
	}, nil
}

// Points returns the number of epochs Series would compute.
func Points(horizon, step time.Duration) int {
	if step <= 0 || horizon < 0 {
		return 0
	}
	return int(horizon/step) + 1
}

// Series computes snapshots from start over horizon at step intervals, both
// ends included.
func (s *Snapshotter) Series(ctx context.Context, start time.Time, horizon, step time.Duration, obs *transform.Observer) ([]*Snapshot, error) {
	if step <= 0 {
		return nil, ErrStep
	}
	n := Points(horizon, step)
	if n > s.config.MaxPoints {
		return nil, fmt.Errorf("%w: %d points, max %d", ErrBudget, n, s.config.MaxPoints)
	}

	series := make([]*Snapshot, 0, n)
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return series, ctx.Err()
		default:
		}

		target := start.Add(time.Duration(i) * step)
		snap, err := s.SnapshotAt(ctx, target, obs)
		if err != nil {
			return series, fmt.Errorf("snapshot %d at %s: %w", i, target.UTC().Format(time.RFC3339), err)
		}
		series = append(series, snap)
	}
	return series, nil
}
