package navstore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/exp/maps"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

var (
	ErrOrder            = errors.New("interpolation order must be at least 2")
	ErrInsufficientData = errors.New("not enough tabulated points")
	ErrOutOfRange       = errors.New("time outside tabulated span")
	ErrBadPoint         = errors.New("bad tabulated point")
)

const (
	DefaultOrder  = 10
	DefaultMargin = 15 * time.Minute
	DefaultMaxGap = time.Hour

	// BadClock is the SP3 sentinel for a missing clock, 999999.999999 us.
	BadClock = 999999.999999e-6
)

// Point is one tabulated satellite position and clock, ECEF.
type Point struct {
	Time  time.Time
	Pos   [3]float64 // m
	Clock float64    // s
}

// Tabular interpolates precise orbit points. Positions come from a Neville
// polynomial through the order points nearest t; the clock is linear between
// the two points bracketing t.
type Tabular struct {
	order  int
	margin time.Duration
	maxGap time.Duration
	points map[gnss.SatID][]Point
}

// NewTabular returns an empty store using DefaultOrder, DefaultMargin and
// DefaultMaxGap.
func NewTabular() *Tabular {
	return &Tabular{
		order:  DefaultOrder,
		margin: DefaultMargin,
		maxGap: DefaultMaxGap,
		points: make(map[gnss.SatID][]Point),
	}
}

// SetOrder sets the number of points each interpolation uses.
func (tb *Tabular) SetOrder(n int) error {
	if n < 2 {
		return fmt.Errorf("%w: got %d", ErrOrder, n)
	}
	tb.order = n
	return nil
}

func (tb *Tabular) Order() int { return tb.order }

// SetMargin sets how far past either end of a satellite's span Xvt may
// extrapolate.
func (tb *Tabular) SetMargin(d time.Duration) {
	tb.margin = d
}

// SetMaxGap sets the largest spacing allowed between neighbouring points
// used by one interpolation. Zero disables the check.
func (tb *Tabular) SetMaxGap(d time.Duration) {
	tb.maxGap = d
}

// Add inserts p for sat. A point at an existing epoch replaces it. Points
// with a zero or non-finite position, or a clock at or beyond BadClock, are
// rejected with ErrBadPoint.
func (tb *Tabular) Add(sat gnss.SatID, p Point) error {
	if err := checkPoint(p); err != nil {
		return fmt.Errorf("%w: %s at %s: %s", ErrBadPoint, sat, p.Time.Format(time.RFC3339), err)
	}
	pts := tb.points[sat]
	i := sort.Search(len(pts), func(i int) bool { return !pts[i].Time.Before(p.Time) })
	if i < len(pts) && pts[i].Time.Equal(p.Time) {
		pts[i] = p
		return nil
	}
	pts = append(pts, Point{})
	copy(pts[i+1:], pts[i:])
	pts[i] = p
	tb.points[sat] = pts
	return nil
}

func checkPoint(p Point) error {
	if p.Pos == [3]float64{} {
		return errors.New("zero position")
	}
	for _, v := range p.Pos {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("non-finite position")
		}
	}
	if math.IsNaN(p.Clock) || math.Abs(p.Clock) >= BadClock {
		return fmt.Errorf("clock %g s", p.Clock)
	}
	return nil
}

// Xvt interpolates the state of sat at t.
func (tb *Tabular) Xvt(sat gnss.SatID, t time.Time) (navdata.Xvt, error) {
	pts := tb.points[sat]
	n := tb.order
	if len(pts) < n {
		return navdata.Xvt{}, fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientData, sat, len(pts), n)
	}
	if t.Before(pts[0].Time.Add(-tb.margin)) || t.After(pts[len(pts)-1].Time.Add(tb.margin)) {
		return navdata.Xvt{}, fmt.Errorf("%w: %s at %s, span [%s, %s]", ErrOutOfRange, sat, t.Format(time.RFC3339),
			pts[0].Time.Format(time.RFC3339), pts[len(pts)-1].Time.Format(time.RFC3339))
	}

	// index is the last point before t
	index := sort.Search(len(pts), func(i int) bool { return !pts[i].Time.Before(t) }) - 1
	if index < 0 {
		index = 0
	}
	first := index - (n-1)/2
	switch {
	case first < 0:
		first = 0
	case first+n > len(pts):
		first = len(pts) - n
	}
	window := pts[first : first+n]
	last := first + n
	if index+2 > last && index+2 <= len(pts) {
		last = index + 2
	}
	if err := tb.checkGaps(sat, pts[first:last]); err != nil {
		return navdata.Xvt{}, err
	}

	x := make([]float64, n)
	for i, p := range window {
		x[i] = p.Time.Sub(t).Seconds()
	}
	var out navdata.Xvt
	y := make([]float64, n)
	for axis := 0; axis < 3; axis++ {
		for i, p := range window {
			y[i] = p.Pos[axis]
		}
		out.Pos[axis], out.Vel[axis] = neville(x, y)
	}
	out.ClockBias, out.ClockDrift = linearClock(pts, index, t)
	out.Healthy = true
	return out, nil
}

// checkGaps fails when neighbouring points are further apart than maxGap.
func (tb *Tabular) checkGaps(sat gnss.SatID, pts []Point) error {
	if tb.maxGap <= 0 {
		return nil
	}
	for i := 1; i < len(pts); i++ {
		if gap := pts[i].Time.Sub(pts[i-1].Time); gap > tb.maxGap {
			return fmt.Errorf("%w: %s gap of %s after %s exceeds %s", ErrInsufficientData, sat, gap,
				pts[i-1].Time.Format(time.RFC3339), tb.maxGap)
		}
	}
	return nil
}

// neville evaluates the polynomial through (x[i], y[i]) and its derivative
// at 0. y is overwritten.
func neville(x, y []float64) (value, slope float64) {
	n := len(x)
	d := make([]float64, n)
	for m := 1; m < n; m++ {
		for i := 0; i < n-m; i++ {
			den := x[i] - x[i+m]
			d[i] = (y[i] - y[i+1] - x[i+m]*d[i] + x[i]*d[i+1]) / den
			y[i] = (x[i]*y[i+1] - x[i+m]*y[i]) / den
		}
	}
	return y[0], d[0]
}

func linearClock(pts []Point, index int, t time.Time) (bias, drift float64) {
	if index+1 >= len(pts) {
		return pts[index].Clock, 0
	}
	a, b := pts[index], pts[index+1]
	span := b.Time.Sub(a.Time).Seconds()
	drift = (b.Clock - a.Clock) / span
	return a.Clock + drift*t.Sub(a.Time).Seconds(), drift
}

// Edit drops points outside [start, end) and returns how many were removed.
func (tb *Tabular) Edit(start, end time.Time) int {
	return tb.prune(func(p Point) bool { return !p.Time.Before(start) && p.Time.Before(end) })
}

// EditFrom drops points before start.
func (tb *Tabular) EditFrom(start time.Time) int {
	return tb.prune(func(p Point) bool { return !p.Time.Before(start) })
}

func (tb *Tabular) prune(keep func(Point) bool) int {
	removed := 0
	for sat, pts := range tb.points {
		kept := pts[:0]
		for _, p := range pts {
			if keep(p) {
				kept = append(kept, p)
			}
		}
		removed += len(pts) - len(kept)
		if len(kept) == 0 {
			delete(tb.points, sat)
			continue
		}
		tb.points[sat] = kept
	}
	return removed
}

// Len returns the number of points held for sat.
func (tb *Tabular) Len(sat gnss.SatID) int {
	return len(tb.points[sat])
}

// Satellites lists the satellites holding points.
func (tb *Tabular) Satellites() []gnss.SatID {
	sats := maps.Keys(tb.points)
	sort.Slice(sats, func(i, j int) bool { return sats[i].Less(sats[j]) })
	return sats
}
