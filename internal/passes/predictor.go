// Package passes predicts when satellites rise above an observer's elevation
// mask, evaluating broadcast ephemeris from the navigation store.
package passes

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/propagation"
	"github.com/jprillam8/gnsstk/internal/transform"
)

// MaxHorizon bounds a single prediction request.
const MaxHorizon = 48 * time.Hour

// ErrNoState is returned for a satellite whose state could not be computed at
// any sampled epoch.
var ErrNoState = errors.New("no state available in window")

// TrackPoint is a sub-satellite position sampled during a pass.
type TrackPoint struct {
	Time         time.Time `json:"time"`
	LatDeg       float64   `json:"lat_deg"`
	LonDeg       float64   `json:"lon_deg"`
	AltM         float64   `json:"alt_m"`
	ElevationDeg float64   `json:"elevation_deg"`
}

// Pass describes one interval during which a satellite is above the mask.
type Pass struct {
	Start            time.Time    `json:"start"`
	MaxElevationTime time.Time    `json:"max_elevation_time"`
	End              time.Time    `json:"end"`
	DurationSeconds  float64      `json:"duration_seconds"`
	MaxElevationDeg  float64      `json:"max_elevation_deg"`
	AzimuthAtMaxDeg  float64      `json:"azimuth_at_max_deg"`
	StartAzimuthDeg  float64      `json:"start_azimuth_deg"`
	EndAzimuthDeg    float64      `json:"end_azimuth_deg"`
	GroundTrack      []TrackPoint `json:"ground_track"`
}

// SatellitePasses holds the predicted passes for one satellite.
type SatellitePasses struct {
	Sat    gnss.SatID `json:"sat"`
	Passes []Pass     `json:"passes"`
	Error  string     `json:"error,omitempty"`
}

// Request holds the parameters for a pass prediction.
type Request struct {
	Observer  transform.Observer
	Sats      []gnss.SatID
	Start     time.Time
	Horizon   time.Duration
	MaskDeg   float64
	MaxPasses int
	Fit       navdata.FitPolicy
}

// Medium orbits move slowly across the sky, so the scan steps are coarse
// compared to low orbits.
const (
	coarseStep      = 60 * time.Second
	fineStep        = 5 * time.Second
	groundTrackStep = 5 * time.Minute
	minPassDur      = time.Minute
)

// Predict computes passes for every requested satellite. Satellites are
// processed concurrently, bounded by the CPU count.
func Predict(ctx context.Context, src propagation.StateSource, req Request) []SatellitePasses {
	results := make([]SatellitePasses, len(req.Sats))
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup

	for i, sat := range req.Sats {
		wg.Add(1)
		go func(idx int, sat gnss.SatID) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = SatellitePasses{Sat: sat, Error: "cancelled"}
				return
			}

			passes, err := predictSatellite(ctx, src, req, sat)
			if err != nil {
				results[idx] = SatellitePasses{Sat: sat, Error: err.Error()}
				return
			}
			results[idx] = SatellitePasses{Sat: sat, Passes: passes}
		}(i, sat)
	}

	wg.Wait()
	return results
}

func predictSatellite(ctx context.Context, src propagation.StateSource, req Request, sat gnss.SatID) ([]Pass, error) {
	end := req.Start.Add(req.Horizon)
	passes := []Pass{}
	var lastErr error
	evaluated := false

	t := req.Start
	for t.Before(end) && (req.MaxPasses <= 0 || len(passes) < req.MaxPasses) {
		if ctx.Err() != nil {
			return passes, nil
		}

		la, _, err := lookAt(src, sat, req.Observer, t, req.Fit)
		if err != nil {
			lastErr = err
			t = t.Add(coarseStep)
			continue
		}
		evaluated = true

		if la.Visible(req.MaskDeg) {
			pass, windowEnd := refinePass(ctx, src, sat, req, t, end)
			if pass != nil && pass.End.Sub(pass.Start) >= minPassDur {
				passes = append(passes, *pass)
			}
			t = windowEnd.Add(coarseStep)
		} else {
			t = t.Add(coarseStep)
		}
	}

	if !evaluated && lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoState, lastErr)
	}
	return passes, nil
}

// refinePass scans at the fine step from just before a coarse hit to find
// rise and set. It returns the pass and the time the scan stopped.
func refinePass(ctx context.Context, src propagation.StateSource, sat gnss.SatID, req Request, coarseHit, windowEnd time.Time) (*Pass, time.Time) {
	searchStart := coarseHit.Add(-coarseStep)
	if searchStart.Before(req.Start) {
		searchStart = req.Start
	}

	var (
		p         Pass
		wasAbove  bool
		foundRise bool
		nextTrack time.Time
	)

	t := searchStart
	for t.Before(windowEnd) {
		if ctx.Err() != nil {
			break
		}

		la, pos, err := lookAt(src, sat, req.Observer, t, req.Fit)
		if err != nil {
			t = t.Add(fineStep)
			continue
		}
		above := la.Visible(req.MaskDeg)

		if above && !wasAbove && !foundRise {
			foundRise = true
			p.Start = t
			p.StartAzimuthDeg = la.AzimuthDeg
			p.MaxElevationDeg = la.ElevationDeg
			p.MaxElevationTime = t
			p.AzimuthAtMaxDeg = la.AzimuthDeg
			nextTrack = t
		}

		if above && foundRise {
			if la.ElevationDeg > p.MaxElevationDeg {
				p.MaxElevationDeg = la.ElevationDeg
				p.MaxElevationTime = t
				p.AzimuthAtMaxDeg = la.AzimuthDeg
			}
			if !t.Before(nextTrack) {
				geo := transform.SubPoint(pos)
				p.GroundTrack = append(p.GroundTrack, TrackPoint{
					Time:         t,
					LatDeg:       geo.LatDeg,
					LonDeg:       geo.LonDeg,
					AltM:         geo.AltM,
					ElevationDeg: la.ElevationDeg,
				})
				nextTrack = t.Add(groundTrackStep)
			}
		}

		if !above && wasAbove && foundRise {
			p.End = t
			p.EndAzimuthDeg = la.AzimuthDeg
			break
		}

		wasAbove = above
		t = t.Add(fineStep)
	}

	// Still above at the end of the window: close the pass there.
	if foundRise && p.End.IsZero() && wasAbove {
		p.End = t
		if la, _, err := lookAt(src, sat, req.Observer, t, req.Fit); err == nil {
			p.EndAzimuthDeg = la.AzimuthDeg
			if la.ElevationDeg > p.MaxElevationDeg {
				p.MaxElevationDeg = la.ElevationDeg
				p.MaxElevationTime = t
				p.AzimuthAtMaxDeg = la.AzimuthDeg
			}
		}
	}

	if !foundRise || p.End.IsZero() {
		return nil, t
	}
	p.DurationSeconds = p.End.Sub(p.Start).Seconds()
	return &p, p.End
}

// lookAt returns the look angles from obs and the ECEF position of sat at t.
func lookAt(src propagation.StateSource, sat gnss.SatID, obs transform.Observer, t time.Time, fit navdata.FitPolicy) (transform.LookAngles, [3]float64, error) {
	xvt, err := src.ComputeState(sat, t, fit)
	if err != nil {
		return transform.LookAngles{}, [3]float64{}, err
	}
	if !transform.ValidateECEF(xvt.Pos) {
		return transform.LookAngles{}, [3]float64{}, propagation.ErrImplausible
	}
	return obs.Look(xvt.Pos), xvt.Pos, nil
}
