package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jprillam8/gnsstk/internal/cache"
	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/passes"
	"github.com/jprillam8/gnsstk/internal/pipeline"
	"github.com/jprillam8/gnsstk/internal/propagation"
	"github.com/jprillam8/gnsstk/internal/stream"
	"github.com/jprillam8/gnsstk/internal/transform"
)

const (
	defaultHorizon = time.Hour
	defaultStep    = time.Minute
	defaultPasses  = 12 * time.Hour
	// computeTimeout bounds one snapshot or series request.
	computeTimeout = 8 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps lookup and computation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, navstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, navdata.ErrOutsideFit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, propagation.ErrNoData):
		return http.StatusServiceUnavailable
	case errors.Is(err, propagation.ErrBudget), errors.Is(err, propagation.ErrStep):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// parseTime reads an RFC 3339 time parameter, interpreted as a GPS time
// label. Absent parameters yield def.
func parseTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s parameter: %q", name, v)
	}
	return t.UTC(), nil
}

// parseSeconds reads a positive duration parameter given in seconds.
func parseSeconds(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	s, err := strconv.ParseFloat(v, 64)
	if err != nil || s < 0 {
		return 0, fmt.Errorf("invalid %s parameter: %q", name, v)
	}
	return gnsstime.Seconds(s), nil
}

func parseKind(r *http.Request) (navdata.Kind, error) {
	v := r.URL.Query().Get("kind")
	if v == "" {
		return navdata.KindEphemeris, nil
	}
	return navdata.ParseKind(v)
}

// parseObserver returns nil when neither lat nor lon is given.
func parseObserver(r *http.Request) (*transform.Observer, error) {
	q := r.URL.Query()
	latStr, lonStr := q.Get("lat"), q.Get("lon")
	if latStr == "" && lonStr == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("invalid lat parameter: %q", latStr)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("invalid lon parameter: %q", lonStr)
	}
	var alt float64
	if v := q.Get("alt"); v != "" {
		if alt, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("invalid alt parameter: %q", v)
		}
	}
	obs := transform.NewObserver(lat, lon, alt)
	return &obs, nil
}

type statsResponse struct {
	Store        navstore.Stats  `json:"store"`
	StoreVersion uint64          `json:"store_version"`
	Pipeline     *pipeline.Stats `json:"pipeline,omitempty"`
	Cache        *cache.Stats    `json:"cache,omitempty"`
	Streams      *streamStats    `json:"streams,omitempty"`
}

type streamStats struct {
	Active    int `json:"active"`
	Addresses int `json:"addresses"`
}

// GET /api/v1/stats
func statsHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			Store:        deps.Store.Stats(),
			StoreVersion: deps.Store.Version(),
		}
		if deps.Pipeline != nil {
			st := deps.Pipeline.Stats()
			resp.Pipeline = &st
		}
		if deps.Cache != nil {
			st := deps.Cache.Stats()
			resp.Cache = &st
		}
		if deps.Stream != nil {
			resp.Streams = &streamStats{
				Active:    deps.Stream.Active(),
				Addresses: deps.Stream.Addresses(),
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// GET /api/v1/satellites?kind=ephemeris
func satellitesHandler(store *navstore.Shared) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sats := store.Satellites(kind)
		if sats == nil {
			sats = []gnss.SatID{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":       kind.String(),
			"count":      len(sats),
			"satellites": sats,
		})
	}
}

// GET /api/v1/nav/{sat}?kind=ephemeris&time=...&nav=GPS_LNAV
func navHandler(store *navstore.Shared) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sat, err := gnss.ParseSatID(r.PathValue("sat"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind, err := parseKind(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t, err := parseTime(r, "time", gnsstime.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var rec navdata.Record
		if v := r.URL.Query().Get("nav"); v != "" {
			nav, perr := gnss.ParseNavType(v)
			if perr != nil {
				writeError(w, http.StatusBadRequest, perr.Error())
				return
			}
			rec, err = store.FindNav(kind, sat, nav, t)
		} else {
			rec, err = store.Find(kind, sat, t)
		}
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stream.NewRecordMessage(rec))
	}
}

type xvtResponse struct {
	Sat        gnss.SatID              `json:"sat"`
	Time       time.Time               `json:"time"`
	Pos        [3]float64              `json:"pos_ecef_m"`
	Vel        [3]float64              `json:"vel_ecef_mps"`
	ClockBias  float64                 `json:"clock_bias_s"`
	ClockDrift float64                 `json:"clock_drift"`
	RelCorr    float64                 `json:"rel_corr_s"`
	SubPoint   transform.GeodeticPoint `json:"sub_point"`
}

// GET /api/v1/xvt/{sat}?time=...&fit=lenient
func xvtHandler(store *navstore.Shared, fit navdata.FitPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sat, err := gnss.ParseSatID(r.PathValue("sat"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t, err := parseTime(r, "time", gnsstime.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		policy := fit
		switch r.URL.Query().Get("fit") {
		case "":
		case "strict":
			policy = navdata.FitStrict
		case "lenient":
			policy = navdata.FitLenient
		default:
			writeError(w, http.StatusBadRequest, "fit must be strict or lenient")
			return
		}

		xvt, err := store.ComputeState(sat, t, policy)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, xvtResponse{
			Sat:        sat,
			Time:       t,
			Pos:        xvt.Pos,
			Vel:        xvt.Vel,
			ClockBias:  xvt.ClockBias,
			ClockDrift: xvt.ClockDrift,
			RelCorr:    xvt.RelCorr,
			SubPoint:   transform.SubPoint(xvt.Pos),
		})
	}
}

// GET /api/v1/timeoffset?from=GPS&to=UTC&time=...
func timeOffsetHandler(store *navstore.Shared) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, err := gnss.ParseTimeSystem(q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		to, err := gnss.ParseTimeSystem(q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		t, err := parseTime(r, "time", gnsstime.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		off, err := store.FindTimeOffset(from, to, t)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"from":     from,
			"to":       to,
			"time":     t,
			"offset_s": off.Offset(t),
			"record":   stream.NewRecordMessage(off),
		})
	}
}

// GET /api/v1/snapshot?time=...&lat=&lon=&alt=
// Without a time or observer the cached current snapshot is served when the
// cache holds one.
func snapshotHandler(logger *slog.Logger, snap *propagation.Snapshotter, c *cache.SnapshotCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obs, err := parseObserver(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		explicit := r.URL.Query().Get("time") != ""
		t, err := parseTime(r, "time", gnsstime.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if c != nil && !explicit && obs == nil {
			if s := c.GetLatest(); s != nil {
				w.Header().Set("X-Cache", "hit")
				writeJSON(w, http.StatusOK, s)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), computeTimeout)
		defer cancel()
		s, err := snap.SnapshotAt(ctx, t, obs)
		if err != nil {
			logger.Debug("snapshot failed", "time", t.Format(time.RFC3339), "error", err)
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// GET /api/v1/series?start=...&horizon=3600&step=60&lat=&lon=&alt=
func seriesHandler(logger *slog.Logger, snap *propagation.Snapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, err := parseTime(r, "start", gnsstime.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		horizon, err := parseSeconds(r, "horizon", defaultHorizon)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		step, err := parseSeconds(r, "step", defaultStep)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		obs, err := parseObserver(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// Reject over-budget requests before any work is done.
		if n := propagation.Points(horizon, step); n > snap.MaxPoints() {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      fmt.Sprintf("%d points requested", n),
				"max_points": snap.MaxPoints(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), computeTimeout)
		defer cancel()
		series, err := snap.Series(ctx, start, horizon, step, obs)
		if err != nil {
			logger.Debug("series failed", "start", start.Format(time.RFC3339), "error", err)
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"start":     start,
			"step_s":    step.Seconds(),
			"snapshots": series,
		})
	}
}

// GET /api/v1/passes?lat=&lon=&alt=&start=...&horizon=43200&mask=10&sat=G07,E11&max=5
func passesHandler(store *navstore.Shared, fit navdata.FitPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		obs, err := parseObserver(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if obs == nil {
			writeError(w, http.StatusBadRequest, "lat and lon parameters required")
			return
		}
		start, err := parseTime(r, "start", gnsstime.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		horizon, err := parseSeconds(r, "horizon", defaultPasses)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if horizon > passes.MaxHorizon {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":             "horizon too long",
				"max_horizon_hours": passes.MaxHorizon.Hours(),
			})
			return
		}

		req := passes.Request{
			Observer:  *obs,
			Start:     start,
			Horizon:   horizon,
			MaskDeg:   10,
			MaxPasses: 10,
			Fit:       fit,
		}
		if v := q.Get("mask"); v != "" {
			mask, perr := strconv.ParseFloat(v, 64)
			if perr != nil || mask < -5 || mask > 90 {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mask parameter: %q", v))
				return
			}
			req.MaskDeg = mask
		}
		if v := q.Get("max"); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil || n < 1 {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid max parameter: %q", v))
				return
			}
			req.MaxPasses = n
		}
		if v := q.Get("sat"); v != "" {
			for _, part := range strings.Split(v, ",") {
				sat, perr := gnss.ParseSatID(part)
				if perr != nil {
					writeError(w, http.StatusBadRequest, perr.Error())
					return
				}
				req.Sats = append(req.Sats, sat)
			}
		} else {
			req.Sats = store.Satellites(navdata.KindEphemeris)
		}
		if len(req.Sats) == 0 {
			writeError(w, http.StatusServiceUnavailable, propagation.ErrNoData.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), computeTimeout)
		defer cancel()
		writeJSON(w, http.StatusOK, map[string]any{
			"observer":   obs.Point,
			"start":      start,
			"mask_deg":   req.MaskDeg,
			"satellites": passes.Predict(ctx, store, req),
		})
	}
}

// POST /api/v1/edit?start=...&end=...
// Without end, records that ended at or before start are dropped.
func editHandler(logger *slog.Logger, store *navstore.Shared) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "" {
			writeError(w, http.StatusBadRequest, "start parameter required")
			return
		}
		start, err := parseTime(r, "start", time.Time{})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		end, err := parseTime(r, "end", time.Time{})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		var removed int
		if end.IsZero() {
			removed = store.EditFrom(start)
		} else {
			if !end.After(start) {
				writeError(w, http.StatusBadRequest, "end must be after start")
				return
			}
			removed = store.Edit(start, end)
		}
		logger.Info("store edited",
			"start", start.Format(time.RFC3339),
			"removed", removed,
		)
		writeJSON(w, http.StatusOK, map[string]int{
			"removed": removed,
			"records": store.Len(),
		})
	}
}

// GET /api/v1/state?xmit=G05
// Without xmit the full accumulator dump is returned as text.
func stateHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if v := r.URL.Query().Get("xmit"); v != "" {
			xmit, err := gnss.ParseSatID(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{
				"xmit":  xmit.String(),
				"state": p.State(xmit).String(),
			})
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		p.DumpState(w)
	}
}

// POST /api/v1/state drops all accumulated pages.
func resetHandler(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Reset()
		writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
	}
}
