// Package pipeline feeds bit frames through the decoding factories into the
// navigation store and fans the resulting records out to live subscribers and
// an optional time-series sink.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/ingest"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navfactory"
	"github.com/jprillam8/gnsstk/internal/navstore"
)

// Publisher receives every record inserted into the store.
type Publisher interface {
	Publish(recs []navdata.Record) int
}

// Sink persists records outside the process.
type Sink interface {
	Write(ctx context.Context, recs []navdata.Record) error
}

// Stats counts what the pipeline has processed since start.
type Stats struct {
	Frames  int64 `json:"frames"`
	Records int64 `json:"records"`
	Faults  int64 `json:"faults"`
	Dropped int64 `json:"dropped"`
}

// Pipeline serializes frames into a factory. Factories are single threaded,
// so every call that touches accumulator state holds mu.
type Pipeline struct {
	mu      sync.Mutex
	factory navfactory.Factory
	store   *navstore.Shared
	pub     Publisher
	sink    Sink
	logger  *slog.Logger

	frames  atomic.Int64
	records atomic.Int64
	faults  atomic.Int64
	dropped atomic.Int64
}

// New creates a pipeline. pub and sink may be nil.
func New(factory navfactory.Factory, store *navstore.Shared, pub Publisher, sink Sink, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		factory: factory,
		store:   store,
		pub:     pub,
		sink:    sink,
		logger:  logger,
	}
}

// Process decodes one frame. Records completed by the frame are stored and
// returned even when the frame also raised a decode fault.
func (p *Pipeline) Process(ctx context.Context, f *navbits.Frame) ([]navdata.Record, error) {
	p.mu.Lock()
	recs, err := p.factory.AddData(f)
	p.mu.Unlock()

	p.frames.Add(1)
	if err != nil {
		p.faults.Add(1)
		level := slog.LevelWarn
		if errors.Is(err, navfactory.ErrDecode) {
			level = slog.LevelDebug
		}
		p.logger.Log(ctx, level, "frame rejected",
			"xmit", f.Xmit().String(),
			"signal", f.Signal().String(),
			"error", err,
		)
	}
	if len(recs) == 0 {
		return recs, err
	}

	p.store.Insert(recs...)
	p.records.Add(int64(len(recs)))

	if p.pub != nil {
		if n := p.pub.Publish(recs); n > 0 {
			p.dropped.Add(int64(n))
		}
	}
	if p.sink != nil {
		if werr := p.sink.Write(ctx, recs); werr != nil {
			p.logger.Warn("sink write failed", "records", len(recs), "error", werr)
		}
	}
	return recs, err
}

// Run processes every frame read from r until EOF or ctx is done. Decode
// faults never stop the run.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) (Stats, error) {
	before := p.Stats()
	start := time.Now()

	err := ingest.Scan(ctx, r, p.logger, func(f *navbits.Frame) error {
		p.Process(ctx, f)
		return nil
	})

	after := p.Stats()
	run := Stats{
		Frames:  after.Frames - before.Frames,
		Records: after.Records - before.Records,
		Faults:  after.Faults - before.Faults,
		Dropped: after.Dropped - before.Dropped,
	}
	p.logger.Info("frame input finished",
		"frames", run.Frames,
		"records", run.Records,
		"faults", run.Faults,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return run, err
}

// Stats returns the cumulative counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:  p.frames.Load(),
		Records: p.records.Load(),
		Faults:  p.faults.Load(),
		Dropped: p.dropped.Load(),
	}
}

// DumpState writes the accumulator summary of every factory.
func (p *Pipeline) DumpState(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.factory.DumpState(w)
}

// State reports the accumulation state for a transmitting satellite.
func (p *Pipeline) State(xmit gnss.SatID) navfactory.AccumState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.factory.State(xmit)
}

// Reset drops all accumulated pages. The store is left alone.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factory.ResetState()
	p.logger.Info("decoder state reset")
}
