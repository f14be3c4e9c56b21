package navfactory

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

// Multi routes frames to the factory registered for their signal.
type Multi struct {
	factories []Factory
	bySignal  map[gnss.NavSignal]Factory
	logger    *slog.Logger
}

// NewMulti returns an empty dispatcher.
func NewMulti(logger *slog.Logger) *Multi {
	return &Multi{
		bySignal: make(map[gnss.NavSignal]Factory),
		logger:   logger,
	}
}

// NewDefault returns a dispatcher with every supported standard registered.
// It panics if two built-in factories claim the same signal.
func NewDefault(opts Options, logger *slog.Logger) *Multi {
	m := NewMulti(logger)
	for _, f := range []Factory{
		NewGPSLNav(opts, logger),
		NewBDSD1(opts, logger),
		NewBDSD2(opts, logger),
		NewGalFNav(opts, logger),
	} {
		if err := m.Register(f); err != nil {
			panic(err)
		}
	}
	return m
}

// Register adds f. A signal can only be served by one factory.
func (m *Multi) Register(f Factory) error {
	for _, sig := range f.Signals() {
		if _, ok := m.bySignal[sig]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSignal, sig)
		}
	}
	for _, sig := range f.Signals() {
		m.bySignal[sig] = f
	}
	m.factories = append(m.factories, f)
	return nil
}

// Signals lists every signal with a registered factory.
func (m *Multi) Signals() []gnss.NavSignal {
	out := make([]gnss.NavSignal, 0, len(m.bySignal))
	for _, f := range m.factories {
		out = append(out, f.Signals()...)
	}
	return out
}

// AddData hands f to its factory. Frames for unregistered signals yield no
// records and no error.
func (m *Multi) AddData(f *navbits.Frame) ([]navdata.Record, error) {
	nav := f.Signal().Nav.String()
	fac, ok := m.bySignal[f.Signal()]
	if !ok {
		metrics.RecordFrame(nav, "unmatched")
		m.logger.Debug("no factory for signal", "signal", f.Signal().String(), "xmit", f.Xmit().String())
		return nil, nil
	}
	recs, err := fac.AddData(f)
	if err != nil {
		metrics.IncDecodeFault(nav)
		return recs, err
	}
	metrics.RecordFrame(nav, "ok")
	for _, rec := range recs {
		metrics.AddRecords(nav, rec.Kind().String(), 1)
	}
	return recs, nil
}

// ResetState resets every registered factory.
func (m *Multi) ResetState() {
	for _, f := range m.factories {
		f.ResetState()
	}
}

// DumpState dumps every registered factory in registration order.
func (m *Multi) DumpState(w io.Writer) error {
	for _, f := range m.factories {
		if err := f.DumpState(w); err != nil {
			return err
		}
	}
	return nil
}

// State reports the most advanced state any factory holds for xmit.
func (m *Multi) State(xmit gnss.SatID) AccumState {
	s := StateEmpty
	for _, f := range m.factories {
		if fs := f.State(xmit); fs > s {
			s = fs
		}
	}
	return s
}

var _ Factory = (*Multi)(nil)
