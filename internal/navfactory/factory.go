// Package navfactory turns bit frames into typed navigation records.
//
// One Factory exists per navigation standard. Each keeps accumulator state per
// transmitting satellite: the latest frame for every page index plus the small
// amount of cross-page state a standard needs (almanac reference weeks,
// latest health, BeiDou expanded-almanac epochs). A record is emitted once all
// of its pages are present, consistent and not filtered.
//
// Factories are not safe for concurrent use. Multi routes frames to the
// factory registered for the frame's signal.
package navfactory

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

var (
	// ErrDecode is wrapped by every per-frame decoding fault.
	ErrDecode = errors.New("decode fault")

	ErrUnknownPage  = fmt.Errorf("%w: unrecognized page index", ErrDecode)
	ErrInconsistent = fmt.Errorf("%w: inconsistent page group", ErrDecode)
	ErrFrameLength  = fmt.Errorf("%w: unexpected frame length", ErrDecode)

	ErrUnknownKind     = errors.New("unknown record kind")
	ErrDuplicateSignal = errors.New("signal already registered")
)

// AccumState is the observable accumulation state of one transmitter.
type AccumState int

const (
	StateEmpty AccumState = iota
	StateAccumulating
	StateReady
)

func (s AccumState) String() string {
	switch s {
	case StateAccumulating:
		return "Accumulating"
	case StateReady:
		return "Ready"
	}
	return "Empty"
}

// Factory decodes the frames of one navigation standard.
type Factory interface {
	// Signals lists the signals the factory accepts.
	Signals() []gnss.NavSignal
	// AddData folds f into the accumulator and returns completed records.
	// Frames for other signals return (nil, nil).
	AddData(f *navbits.Frame) ([]navdata.Record, error)
	// ResetState drops all accumulated pages and pending records.
	ResetState()
	// DumpState writes a human readable summary of the accumulators.
	DumpState(w io.Writer) error
	// State reports the accumulation state for a transmitting satellite.
	State(xmit gnss.SatID) AccumState
}

// KindSet selects which record kinds a factory emits.
type KindSet struct {
	Ephemeris  bool
	Almanac    bool
	Health     bool
	TimeOffset bool
	Iono       bool
}

// AllKinds enables every record kind.
func AllKinds() KindSet {
	return KindSet{Ephemeris: true, Almanac: true, Health: true, TimeOffset: true, Iono: true}
}

// Has reports whether kind is enabled.
func (k KindSet) Has(kind navdata.Kind) bool {
	switch kind {
	case navdata.KindEphemeris:
		return k.Ephemeris
	case navdata.KindAlmanac:
		return k.Almanac
	case navdata.KindHealth:
		return k.Health
	case navdata.KindTimeOffset:
		return k.TimeOffset
	case navdata.KindIono:
		return k.Iono
	}
	return false
}

func (k KindSet) String() string {
	var names []string
	for _, kind := range navdata.AllKinds {
		if k.Has(kind) {
			names = append(names, kind.String())
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseKinds parses a comma separated kind list. "all" enables everything.
// Unknown names are a configuration fault.
func ParseKinds(s string) (KindSet, error) {
	var k KindSet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.EqualFold(part, "all") {
			return AllKinds(), nil
		}
		kind, err := navdata.ParseKind(part)
		if err != nil {
			return KindSet{}, fmt.Errorf("%w: %q", ErrUnknownKind, part)
		}
		switch kind {
		case navdata.KindEphemeris:
			k.Ephemeris = true
		case navdata.KindAlmanac:
			k.Almanac = true
		case navdata.KindHealth:
			k.Health = true
		case navdata.KindTimeOffset:
			k.TimeOffset = true
		case navdata.KindIono:
			k.Iono = true
		}
	}
	return k, nil
}

// Options configure every factory.
type Options struct {
	Kinds KindSet
	// ZeroTimeOffsetFilter drops time offsets whose A0 and A1 are both zero.
	ZeroTimeOffsetFilter bool
}

// DefaultOptions emits everything and filters degenerate time offsets.
func DefaultOptions() Options {
	return Options{Kinds: AllKinds(), ZeroTimeOffsetFilter: true}
}

// base holds what every factory shares: options, logger and its signals.
type base struct {
	nav     gnss.NavType
	signals []gnss.NavSignal
	opts    Options
	logger  *slog.Logger
}

func (b *base) Signals() []gnss.NavSignal {
	return append([]gnss.NavSignal(nil), b.signals...)
}

func (b *base) accepts(sig gnss.NavSignal) bool {
	for _, s := range b.signals {
		if s == sig {
			return true
		}
	}
	return false
}

// checkFrame rejects frames that are not sealed at the standard's length.
func (b *base) checkFrame(f *navbits.Frame) error {
	if !f.Trimmed() || f.Len() != b.nav.FrameBits() {
		return fmt.Errorf("%w: %s has %d bits, want %d", ErrFrameLength, f.Xmit(), f.Len(), b.nav.FrameBits())
	}
	return nil
}

// emit appends rec unless its kind is disabled or it is a degenerate time
// offset under the zero filter.
func (b *base) emit(out []navdata.Record, rec navdata.Record) []navdata.Record {
	if !b.opts.Kinds.Has(rec.Kind()) {
		return out
	}
	if to, ok := rec.(*navdata.TimeOffset); ok && b.opts.ZeroTimeOffsetFilter && to.IsZero() {
		metrics.IncFiltered(b.nav.String(), rec.Kind().String(), "zero_offset")
		b.logger.Debug("time offset filtered",
			"nav", b.nav.String(),
			"xmit", to.Xmit.String(),
			"from", to.From.String(),
			"to", to.To.String(),
		)
		return out
	}
	return append(out, rec)
}

// dropDefault records a default almanac page that was not emitted.
func (b *base) dropDefault(xmit gnss.SatID, page int) {
	metrics.IncFiltered(b.nav.String(), navdata.KindAlmanac.String(), "default_page")
	b.logger.Debug("default almanac page filtered",
		"nav", b.nav.String(),
		"xmit", xmit.String(),
		"page", page,
	)
}

// header builds a record header for data broadcast in f.
func header(f *navbits.Frame, subject gnss.SatID, start, end, ref time.Time) navdata.Header {
	return navdata.Header{
		Sat:    subject,
		Xmit:   f.Xmit(),
		Signal: f.Signal(),
		Start:  start,
		End:    end,
		Ref:    ref,
	}
}

// earliest returns the smallest transmit time among frames.
func earliest(frames ...*navbits.Frame) time.Time {
	t := frames[0].XmitTime()
	for _, f := range frames[1:] {
		if f.XmitTime().Before(t) {
			t = f.XmitTime()
		}
	}
	return t
}

// pageSet is the per-transmitter page map of a factory.
type pageSet struct {
	pages map[int]*navbits.Frame
	ready bool
}

func newPageSet() *pageSet {
	return &pageSet{pages: make(map[int]*navbits.Frame)}
}

func (p *pageSet) state() AccumState {
	switch {
	case p == nil:
		return StateEmpty
	case p.ready:
		return StateReady
	case len(p.pages) > 0:
		return StateAccumulating
	}
	return StateEmpty
}

// has reports whether every listed page index is present.
func (p *pageSet) has(idx ...int) bool {
	for _, i := range idx {
		if p.pages[i] == nil {
			return false
		}
	}
	return true
}

func (p *pageSet) clear(idx ...int) {
	for _, i := range idx {
		delete(p.pages, i)
	}
}

// issueKey identifies which broadcast issue a page of an accumulation group
// belongs to (an IOD, or the start of the frame cycle). ok is false when the
// key cannot be read.
type issueKey func(idx int, f *navbits.Frame) (key int64, ok bool)

// dropStale runs after group failed its consistency check. Pages whose key
// differs from the page just stored at keep are dropped; pages of the same
// issue stay so the group can still complete. If nothing was dropped the
// fault lies within one issue and only keep survives.
func (p *pageSet) dropStale(keep int, key issueKey, group ...int) {
	want, ok := key(keep, p.pages[keep])
	dropped := false
	for _, i := range group {
		f := p.pages[i]
		if i == keep || f == nil {
			continue
		}
		if k, kok := key(i, f); !ok || !kok || k != want {
			delete(p.pages, i)
			dropped = true
		}
	}
	if dropped {
		return
	}
	for _, i := range group {
		if i != keep {
			delete(p.pages, i)
		}
	}
}

// fieldKey builds an issueKey reading the unsigned field at pos[idx].
func fieldKey(pos map[int][2]int) issueKey {
	return func(idx int, f *navbits.Frame) (int64, bool) {
		at, found := pos[idx]
		if !found {
			return 0, false
		}
		v, err := f.Unsigned(at[0], at[1])
		return int64(v), err == nil
	}
}

// cycleKey builds an issueKey from the BeiDou SOW of a page, rewound by
// spacing seconds per page index to the SOW of the first page of the cycle.
func cycleKey(spacing int64) issueKey {
	return func(idx int, f *navbits.Frame) (int64, bool) {
		v, err := f.Unsigned(18, 20)
		return int64(v) - spacing*int64(idx-1), err == nil
	}
}
