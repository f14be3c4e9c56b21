package passes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/transform"
)

var (
	g07 = gnss.SatID{Sys: gnss.SysGPS, PRN: 7}
	t0  = gnsstime.GPS(2296, 3600)
)

func testStore() *navstore.Shared {
	s := navstore.NewShared(navstore.New())
	s.Insert(&navdata.Ephemeris{
		Header: navdata.Header{
			Sat: g07, Xmit: g07, Signal: gnss.SigGPSL1CA,
			Start: t0.Add(-4 * time.Hour), End: t0.Add(8 * time.Hour), Ref: t0,
		},
		Orbit:    navdata.Kepler{SqrtA: 5153.7, Ecc: 0.005, I0: 0.96, M0: 1.0},
		ToeSOW:   3600,
		Healthy:  true,
		FitBegin: t0.Add(-4 * time.Hour),
		FitEnd:   t0.Add(8 * time.Hour),
	})
	return s
}

// observerBelow places an observer on the ground under sat at t, or on the
// opposite side of the Earth.
func observerBelow(t *testing.T, store *navstore.Shared, at time.Time, antipode bool) transform.Observer {
	t.Helper()
	xvt, err := store.ComputeState(g07, at, navdata.FitStrict)
	if err != nil {
		t.Fatal(err)
	}
	p := transform.SubPoint(xvt.Pos)
	if antipode {
		p.LatDeg = -p.LatDeg
		p.LonDeg += 180
		if p.LonDeg > 180 {
			p.LonDeg -= 360
		}
	}
	return transform.NewObserver(p.LatDeg, p.LonDeg, 0)
}

// TestPredictOverhead verifies a satellite at the zenith at the window start
// yields a pass beginning there with a near vertical maximum.
func TestPredictOverhead(t *testing.T) {
	store := testStore()
	req := Request{
		Observer:  observerBelow(t, store, t0, false),
		Sats:      []gnss.SatID{g07},
		Start:     t0,
		Horizon:   6 * time.Hour,
		MaskDeg:   10,
		MaxPasses: 5,
	}

	results := Predict(context.Background(), store, req)
	if len(results) != 1 {
		t.Fatalf("expected 1 satellite result, got %d", len(results))
	}
	sat := results[0]
	if sat.Sat != g07 {
		t.Errorf("sat = %s, want G07", sat.Sat)
	}
	if sat.Error != "" {
		t.Fatalf("unexpected error: %s", sat.Error)
	}
	if len(sat.Passes) == 0 {
		t.Fatal("expected a pass for an overhead satellite")
	}

	p := sat.Passes[0]
	if !p.Start.Equal(t0) {
		t.Errorf("pass start = %v, want %v", p.Start, t0)
	}
	if p.MaxElevationDeg < 85 || p.MaxElevationDeg > 90 {
		t.Errorf("max elevation = %.2f, want near 90", p.MaxElevationDeg)
	}
	if p.MaxElevationTime.Before(p.Start) || !p.MaxElevationTime.Before(p.End) {
		t.Errorf("time ordering violated: start=%v max=%v end=%v", p.Start, p.MaxElevationTime, p.End)
	}
	if p.DurationSeconds < 3600 {
		t.Errorf("duration %.0fs, want over an hour for a medium orbit", p.DurationSeconds)
	}
	for _, az := range []float64{p.StartAzimuthDeg, p.AzimuthAtMaxDeg, p.EndAzimuthDeg} {
		if az < 0 || az >= 360 {
			t.Errorf("azimuth %.2f out of range", az)
		}
	}
	if len(p.GroundTrack) == 0 {
		t.Fatal("expected ground track points, got none")
	}
	for i, pt := range p.GroundTrack {
		if pt.ElevationDeg < req.MaskDeg {
			t.Errorf("track point %d below mask: %.2f", i, pt.ElevationDeg)
		}
		if pt.AltM < 19000e3 || pt.AltM > 21000e3 {
			t.Errorf("track point %d altitude %.0f m", i, pt.AltM)
		}
	}
}

// TestPredictBelowHorizon verifies an observer on the far side of the Earth
// sees no pass in a short window.
func TestPredictBelowHorizon(t *testing.T) {
	store := testStore()
	req := Request{
		Observer:  observerBelow(t, store, t0, true),
		Sats:      []gnss.SatID{g07},
		Start:     t0,
		Horizon:   30 * time.Minute,
		MaskDeg:   0,
		MaxPasses: 5,
	}

	results := Predict(context.Background(), store, req)
	if results[0].Error != "" {
		t.Fatalf("unexpected error: %s", results[0].Error)
	}
	if len(results[0].Passes) != 0 {
		t.Errorf("got %d passes, want none", len(results[0].Passes))
	}
}

// TestPredictMissingSatellite verifies a satellite without ephemeris reports
// an error instead of an empty pass list.
func TestPredictMissingSatellite(t *testing.T) {
	store := testStore()
	g30 := gnss.SatID{Sys: gnss.SysGPS, PRN: 30}
	req := Request{
		Observer: transform.NewObserver(0, 0, 0),
		Sats:     []gnss.SatID{g07, g30},
		Start:    t0,
		Horizon:  10 * time.Minute,
	}

	results := Predict(context.Background(), store, req)
	if results[0].Error != "" {
		t.Errorf("G07: unexpected error %s", results[0].Error)
	}
	if results[1].Sat != g30 || !strings.Contains(results[1].Error, ErrNoState.Error()) {
		t.Errorf("G30 result = %+v, want %v", results[1], ErrNoState)
	}

	_, err := predictSatellite(context.Background(), store, req, g30)
	if !errors.Is(err, ErrNoState) {
		t.Errorf("err = %v, want ErrNoState", err)
	}
}

func TestPredictCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sats := make([]gnss.SatID, 64)
	for i := range sats {
		sats[i] = gnss.SatID{Sys: gnss.SysGAL, PRN: i + 1}
	}
	results := Predict(ctx, testStore(), Request{
		Observer: transform.NewObserver(0, 0, 0),
		Sats:     sats,
		Start:    t0,
		Horizon:  time.Hour,
	})
	if len(results) != len(sats) {
		t.Fatalf("got %d results, want %d", len(results), len(sats))
	}
	for _, r := range results {
		if r.Error != "" && r.Error != "cancelled" {
			t.Errorf("%s: error %q", r.Sat, r.Error)
		}
		if len(r.Passes) != 0 {
			t.Errorf("%s: passes from a cancelled context", r.Sat)
		}
	}
}
