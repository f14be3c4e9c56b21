package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/transform"
)

// ErrImplausible is returned for a state whose position no navigation
// satellite can occupy, usually a corrupted ephemeris.
var ErrImplausible = errors.New("implausible satellite position")

// StateSource computes broadcast states. navstore.Shared implements it.
type StateSource interface {
	ComputeState(sat gnss.SatID, t time.Time, fit navdata.FitPolicy) (navdata.Xvt, error)
}

type stateJob struct {
	sat gnss.SatID
}

type stateResult struct {
	state SatelliteState
	err   error
	sat   gnss.SatID
}

// WorkerPool evaluates satellite states on a fixed number of goroutines.
type WorkerPool struct {
	workers int
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		logger:  logger,
	}
}

// PropagateBatch computes the state of each satellite at t. obs, when not nil,
// adds look angles. Failed satellites are logged at Debug and counted; the
// returned states are in completion order.
func (wp *WorkerPool) PropagateBatch(ctx context.Context, src StateSource, sats []gnss.SatID, t time.Time, fit navdata.FitPolicy, obs *transform.Observer) ([]SatelliteState, int) {
	if len(sats) == 0 {
		return nil, 0
	}

	jobs := make(chan stateJob, wp.workers*2)
	results := make(chan stateResult, wp.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < wp.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				result := computeSingle(src, job.sat, t, fit, obs)
				select {
				case results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, sat := range sats {
			select {
			case jobs <- stateJob{sat: sat}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	states := make([]SatelliteState, 0, len(sats))
	var failed int
	for result := range results {
		if result.err != nil {
			failed++
			wp.logger.Debug("state computation failed",
				"sat", result.sat.String(),
				"error", result.err,
			)
			continue
		}
		states = append(states, result.state)
	}
	return states, failed
}

func computeSingle(src StateSource, sat gnss.SatID, t time.Time, fit navdata.FitPolicy, obs *transform.Observer) stateResult {
	xvt, err := src.ComputeState(sat, t, fit)
	if err != nil {
		return stateResult{sat: sat, err: err}
	}
	if !transform.ValidateECEF(xvt.Pos) {
		return stateResult{sat: sat, err: fmt.Errorf("%w: %s %v", ErrImplausible, sat, xvt.Pos)}
	}

	st := SatelliteState{
		Sat:        sat,
		Pos:        xvt.Pos,
		Vel:        xvt.Vel,
		ClockBias:  xvt.ClockBias,
		ClockDrift: xvt.ClockDrift,
		Healthy:    xvt.Healthy,
		SubPoint:   transform.SubPoint(xvt.Pos),
	}
	if obs != nil {
		la := obs.Look(xvt.Pos)
		st.Look = &la
	}
	return stateResult{sat: sat, state: st}
}
