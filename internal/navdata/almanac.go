package navdata

import (
	"fmt"
	"time"
)

// AlmanacFit is the half-width of the strict almanac fit window around toa.
const AlmanacFit = 84 * time.Hour

// AlmanacValidity is how long after toa an almanac stays selectable.
const AlmanacValidity = 6 * 24 * time.Hour

// Almanac is a reduced-precision orbit and clock. Ref is toa.
type Almanac struct {
	Header
	Orbit  Kepler // DeltaN and harmonic corrections are zero
	Af0    float64
	Af1    float64
	Week   int     // full week of toa in the broadcasting system
	ToaSOW float64 // toa second of week

	Health int
	// HealthKnown is false when no health was available when the almanac
	// was completed.
	HealthKnown bool
	Healthy     bool
}

func (*Almanac) Kind() Kind { return KindAlmanac }

// ComputeState propagates the almanac to t with the almanac-grade model.
func (a *Almanac) ComputeState(t time.Time, fit FitPolicy) (Xvt, error) {
	tk := t.Sub(a.Ref)
	if fit == FitStrict && (tk > AlmanacFit || tk < -AlmanacFit) {
		return Xvt{}, fmt.Errorf("%w: %s almanac toa %s, requested %s", ErrOutsideFit, a.Sat,
			a.Ref.Format(time.RFC3339), t.Format(time.RFC3339))
	}
	c := constantsFor(a.Sat.Sys)
	dt := tk.Seconds()
	pos, vel, _ := a.Orbit.state(c, false, dt, a.ToaSOW)
	return Xvt{
		Pos:        pos,
		Vel:        vel,
		ClockBias:  a.Af0 + a.Af1*dt,
		ClockDrift: a.Af1,
		Healthy:    a.Healthy,
	}, nil
}
