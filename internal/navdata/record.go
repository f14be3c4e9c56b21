// Package navdata defines the typed navigation records produced by the
// decoders: ephemerides, almanacs, health, time offsets and ionospheric
// model parameters. Records are immutable once built.
package navdata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
)

// ErrOutsideFit is returned when a state is requested outside the fit
// interval under FitStrict.
var ErrOutsideFit = errors.New("time outside fit interval")

// EndOfTime marks open-ended validity.
var EndOfTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Kind is the variant tag of a record.
type Kind int

const (
	KindUnknown Kind = iota
	KindEphemeris
	KindAlmanac
	KindHealth
	KindTimeOffset
	KindIono
)

// AllKinds lists every record kind in display order.
var AllKinds = []Kind{KindEphemeris, KindAlmanac, KindHealth, KindTimeOffset, KindIono}

var kindNames = [...]string{"unknown", "ephemeris", "almanac", "health", "timeoffset", "iono"}

var kindAliases = map[string]Kind{
	"eph":    KindEphemeris,
	"alm":    KindAlmanac,
	"hea":    KindHealth,
	"offset": KindTimeOffset,
	"to":     KindTimeOffset,
	"clock":  KindTimeOffset,
	"ion":    KindIono,
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[0]
	}
	return kindNames[k]
}

// ParseKind accepts the full names and the short aliases (eph, alm, hea,
// to, ion), case-insensitive.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i := 1; i < len(kindNames); i++ {
		if s == kindNames[i] {
			return Kind(i), nil
		}
	}
	if k, ok := kindAliases[s]; ok {
		return k, nil
	}
	return KindUnknown, fmt.Errorf("unknown record kind %q", s)
}

// Header carries the fields shared by every record.
type Header struct {
	Sat    gnss.SatID     // subject satellite
	Xmit   gnss.SatID     // transmitting satellite
	Signal gnss.NavSignal // signal the data was decoded from
	Start  time.Time      // validity start, inclusive
	End    time.Time      // validity end, exclusive
	Ref    time.Time      // reference epoch, zero if the kind has none
}

// Meta returns the header. It is promoted to every record type.
func (h Header) Meta() Header { return h }

// Contains reports whether t falls inside [Start, End).
func (h Header) Contains(t time.Time) bool {
	return !t.Before(h.Start) && t.Before(h.End)
}

// Record is implemented by all typed navigation records.
type Record interface {
	Kind() Kind
	Meta() Header
}

// FitPolicy controls how state computation treats times outside the fit
// interval.
type FitPolicy int

const (
	FitStrict FitPolicy = iota
	FitLenient
)

// Xvt is a satellite state in ECEF.
type Xvt struct {
	Pos        [3]float64 // m
	Vel        [3]float64 // m/s
	ClockBias  float64    // s, relativistic correction included
	ClockDrift float64    // s/s
	RelCorr    float64    // s
	Healthy    bool
}

// Health is a satellite health/status word as broadcast.
type Health struct {
	Header
	Bits    uint32
	NumBits int
	Healthy bool
}

func (*Health) Kind() Kind { return KindHealth }

// IonoModel identifies the broadcast ionospheric model.
type IonoModel int

const (
	IonoKlobuchar IonoModel = iota + 1
	IonoNeQuick
)

func (m IonoModel) String() string {
	switch m {
	case IonoKlobuchar:
		return "Klobuchar"
	case IonoNeQuick:
		return "NeQuick"
	}
	return "unknown"
}

// StormFlags are the Galileo ionospheric disturbance flags per region.
type StormFlags struct {
	Region1, Region2, Region3, Region4, Region5 bool
}

// Iono holds broadcast ionospheric model coefficients.
type Iono struct {
	Header
	Model IonoModel
	Alpha [4]float64 // Klobuchar
	Beta  [4]float64 // Klobuchar
	Ai    [3]float64 // NeQuick effective ionisation level coefficients
	Storm StormFlags
}

func (*Iono) Kind() Kind { return KindIono }

// TimeOffset maps one time system to another with a polynomial referenced to
// Ref.
type TimeOffset struct {
	Header
	From, To   gnss.TimeSystem
	A0, A1, A2 float64
	RefWeek    int
	RefSOW     float64

	HasLeap   bool
	DeltaTLS  int // current leap seconds
	WNLSF     int // week of future leap second
	DN        int // day of week of future leap second
	DeltaTLSF int // future leap seconds
}

func (*TimeOffset) Kind() Kind { return KindTimeOffset }

// Offset returns To minus From in seconds at t.
func (o *TimeOffset) Offset(t time.Time) float64 {
	dt := t.Sub(o.Ref).Seconds()
	return o.A0 + o.A1*dt + o.A2*dt*dt
}

// IsZero reports whether the polynomial is degenerate (A0 and A1 both zero).
func (o *TimeOffset) IsZero() bool {
	return o.A0 == 0 && o.A1 == 0
}
