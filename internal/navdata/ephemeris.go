package navdata

import (
	"fmt"
	"time"
)

// Clock is a broadcast satellite clock polynomial.
type Clock struct {
	Toc time.Time
	Af0 float64 // s
	Af1 float64 // s/s
	Af2 float64 // s/s^2
}

// Bias evaluates the polynomial at t, without the relativistic term.
func (c Clock) Bias(t time.Time) float64 {
	dt := t.Sub(c.Toc).Seconds()
	return c.Af0 + c.Af1*dt + c.Af2*dt*dt
}

// Drift evaluates the polynomial derivative at t.
func (c Clock) Drift(t time.Time) float64 {
	dt := t.Sub(c.Toc).Seconds()
	return c.Af1 + 2*c.Af2*dt
}

// Ephemeris is a complete broadcast orbit and clock set. Ref is toe.
type Ephemeris struct {
	Header
	Orbit  Kepler
	Clock  Clock
	Week   int     // week of toe in the broadcasting system
	ToeSOW float64 // toe second of week in the broadcasting system

	IODE    int // IODE, AODE or IODnav
	IODC    int // IODC or AODC
	URA     int // accuracy index (URA, URAI or SISA)
	Health  int
	Healthy bool
	TGD     [2]float64 // s; GPS uses TGD[0], BeiDou TGD1/TGD2, Galileo BGD E1/E5a
	FitFlag int

	FitBegin time.Time
	FitEnd   time.Time
}

func (*Ephemeris) Kind() Kind { return KindEphemeris }

// IsGEO reports whether the BeiDou GEO orbit model applies.
func (e *Ephemeris) IsGEO() bool {
	return e.Sat.IsBeiDouGEO()
}

// InFit reports whether t lies in [FitBegin, FitEnd].
func (e *Ephemeris) InFit(t time.Time) bool {
	return !t.Before(e.FitBegin) && !t.After(e.FitEnd)
}

// ComputeState propagates the ephemeris to t.
func (e *Ephemeris) ComputeState(t time.Time, fit FitPolicy) (Xvt, error) {
	if fit == FitStrict && !e.InFit(t) {
		return Xvt{}, fmt.Errorf("%w: %s at %s, fit [%s, %s]", ErrOutsideFit, e.Sat,
			t.Format(time.RFC3339), e.FitBegin.Format(time.RFC3339), e.FitEnd.Format(time.RFC3339))
	}
	c := constantsFor(e.Sat.Sys)
	tk := t.Sub(e.Ref).Seconds()
	pos, vel, sinE := e.Orbit.state(c, e.IsGEO(), tk, e.ToeSOW)

	rel := c.relativityF() * e.Orbit.Ecc * e.Orbit.SqrtA * sinE
	return Xvt{
		Pos:        pos,
		Vel:        vel,
		ClockBias:  e.Clock.Bias(t) + rel,
		ClockDrift: e.Clock.Drift(t),
		RelCorr:    rel,
		Healthy:    e.Healthy,
	}, nil
}

// LegacyFitInterval is the GPS LNAV curve fit interval for a fit flag and
// IODC (IS-GPS-200 table 20-XII).
func LegacyFitInterval(fitFlag, iodc int) time.Duration {
	if fitFlag == 0 {
		return 4 * time.Hour
	}
	switch {
	case iodc >= 240 && iodc <= 247:
		return 8 * time.Hour
	case (iodc >= 248 && iodc <= 255) || iodc == 496:
		return 14 * time.Hour
	case (iodc >= 497 && iodc <= 503) || (iodc >= 1021 && iodc <= 1023):
		return 26 * time.Hour
	case iodc >= 504 && iodc <= 510:
		return 50 * time.Hour
	case iodc == 511 || (iodc >= 752 && iodc <= 756):
		return 74 * time.Hour
	case iodc == 757:
		return 98 * time.Hour
	}
	return 6 * time.Hour
}
