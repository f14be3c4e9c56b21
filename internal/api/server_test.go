package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jprillam8/gnsstk/internal/auth"
	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navfactory"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/pipeline"
	"github.com/jprillam8/gnsstk/internal/propagation"
	"github.com/jprillam8/gnsstk/internal/stream"
)

var (
	g07 = gnss.SatID{Sys: gnss.SysGPS, PRN: 7}
	t0  = gnsstime.GPS(2296, 3600)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// testStore holds one GPS ephemeris valid for four hours but fit for two, its
// health and a GPS-UTC offset.
func testStore() *navstore.Shared {
	s := navstore.NewShared(navstore.New())
	s.Insert(
		&navdata.Ephemeris{
			Header: navdata.Header{
				Sat: g07, Xmit: g07, Signal: gnss.SigGPSL1CA,
				Start: t0.Add(-2 * time.Hour), End: t0.Add(4 * time.Hour), Ref: t0,
			},
			Orbit:    navdata.Kepler{SqrtA: 5153.7, Ecc: 0.005, I0: 0.96, M0: 1.0},
			Clock:    navdata.Clock{Toc: t0, Af0: 1e-5},
			ToeSOW:   3600,
			Healthy:  true,
			FitBegin: t0.Add(-2 * time.Hour),
			FitEnd:   t0.Add(2 * time.Hour),
		},
		&navdata.Health{
			Header:  navdata.Header{Sat: g07, Xmit: g07, Signal: gnss.SigGPSL1CA, Start: t0.Add(-2 * time.Hour), End: navdata.EndOfTime},
			Healthy: true,
		},
		&navdata.TimeOffset{
			Header: navdata.Header{Sat: g07, Xmit: g07, Signal: gnss.SigGPSL1CA, Start: t0.Add(-time.Hour), End: t0.Add(6 * time.Hour), Ref: t0},
			From:   gnss.TimeGPS,
			To:     gnss.TimeUTC,
			A0:     1e-9,
			A1:     1e-12,
		},
	)
	return s
}

func testDeps(store *navstore.Shared) Deps {
	return Deps{
		Store:     store,
		Snapshots: propagation.NewSnapshotter(store, propagation.Config{Workers: 2, MaxPoints: 10}, testLogger()),
		Pipeline:  pipeline.New(navfactory.NewDefault(navfactory.DefaultOptions(), testLogger()), store, nil, nil, testLogger()),
		Stream:    stream.NewHandler(stream.NewHub(4), store, stream.Config{MaxConcurrentPerIP: 2}, testLogger()),
	}
}

func testServer(authCfg auth.Config) (http.Handler, *navstore.Shared) {
	store := testStore()
	return newHandler(testLogger(), authCfg, testDeps(store)), store
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRoutes(t *testing.T) {
	h, _ := testServer(auth.Config{})

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
	}{
		{"healthz", "GET", "/healthz", http.StatusOK},
		{"readyz", "GET", "/readyz", http.StatusOK},
		{"metrics", "GET", "/metrics", http.StatusOK},
		{"stats", "GET", "/api/v1/stats", http.StatusOK},
		{"satellites", "GET", "/api/v1/satellites?kind=health", http.StatusOK},
		{"satellites bad kind", "GET", "/api/v1/satellites?kind=orbit", http.StatusBadRequest},
		{"nav", "GET", "/api/v1/nav/G07?time=" + stamp(t0), http.StatusOK},
		{"nav by standard", "GET", "/api/v1/nav/G07?nav=GPS_LNAV&time=" + stamp(t0), http.StatusOK},
		{"nav other standard", "GET", "/api/v1/nav/G07?nav=BDS_D1&time=" + stamp(t0), http.StatusNotFound},
		{"nav unknown satellite", "GET", "/api/v1/nav/G08?time=" + stamp(t0), http.StatusNotFound},
		{"nav bad satellite", "GET", "/api/v1/nav/X1", http.StatusBadRequest},
		{"nav bad time", "GET", "/api/v1/nav/G07?time=yesterday", http.StatusBadRequest},
		{"xvt", "GET", "/api/v1/xvt/G07?time=" + stamp(t0.Add(10*time.Minute)), http.StatusOK},
		{"xvt outside fit", "GET", "/api/v1/xvt/G07?time=" + stamp(t0.Add(3*time.Hour)), http.StatusUnprocessableEntity},
		{"xvt outside fit lenient", "GET", "/api/v1/xvt/G07?fit=lenient&time=" + stamp(t0.Add(3*time.Hour)), http.StatusOK},
		{"xvt after validity", "GET", "/api/v1/xvt/G07?time=" + stamp(t0.Add(5*time.Hour)), http.StatusNotFound},
		{"xvt bad fit", "GET", "/api/v1/xvt/G07?fit=loose", http.StatusBadRequest},
		{"timeoffset", "GET", "/api/v1/timeoffset?from=GPS&to=UTC&time=" + stamp(t0), http.StatusOK},
		{"timeoffset missing", "GET", "/api/v1/timeoffset?from=GAL&to=UTC&time=" + stamp(t0), http.StatusNotFound},
		{"timeoffset bad system", "GET", "/api/v1/timeoffset?from=XYZ&to=UTC", http.StatusBadRequest},
		{"snapshot", "GET", "/api/v1/snapshot?time=" + stamp(t0), http.StatusOK},
		{"snapshot observer", "GET", "/api/v1/snapshot?lat=52&lon=13.4&time=" + stamp(t0), http.StatusOK},
		{"snapshot bad observer", "GET", "/api/v1/snapshot?lat=100&lon=0", http.StatusBadRequest},
		{"series zero step", "GET", "/api/v1/series?horizon=60&step=0&start=" + stamp(t0), http.StatusBadRequest},
		{"passes", "GET", "/api/v1/passes?lat=52&lon=13.4&horizon=3600&start=" + stamp(t0), http.StatusOK},
		{"passes without observer", "GET", "/api/v1/passes", http.StatusBadRequest},
		{"passes too long", "GET", "/api/v1/passes?lat=52&lon=13.4&horizon=864000", http.StatusBadRequest},
		{"passes bad mask", "GET", "/api/v1/passes?lat=52&lon=13.4&mask=95", http.StatusBadRequest},
		{"passes bad satellite", "GET", "/api/v1/passes?lat=52&lon=13.4&sat=G07,Q1", http.StatusBadRequest},
		{"edit without start", "POST", "/api/v1/edit", http.StatusBadRequest},
		{"edit reversed", "POST", "/api/v1/edit?start=" + stamp(t0) + "&end=" + stamp(t0.Add(-time.Hour)), http.StatusBadRequest},
		{"edit wrong method", "GET", "/api/v1/edit", http.StatusMethodNotAllowed},
		{"state", "GET", "/api/v1/state", http.StatusOK},
		{"state xmit", "GET", "/api/v1/state?xmit=G07", http.StatusOK},
		{"state bad xmit", "GET", "/api/v1/state?xmit=7", http.StatusBadRequest},
		{"state reset", "POST", "/api/v1/state", http.StatusOK},
		{"stream bad filter", "GET", "/api/v1/stream?sys=X", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, tt.method, tt.target)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

// TestSeriesBudget verifies that requests exceeding the point budget are
// rejected with 400 before any snapshot is computed.
func TestSeriesBudget(t *testing.T) {
	h, _ := testServer(auth.Config{})

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{
			name:       "max budget exceeded: default params",
			query:      "",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "max budget exceeded: horizon=600 step=60",
			query:      "&horizon=600&step=60",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "within budget: horizon=540 step=60",
			query:      "&horizon=540&step=60",
			wantStatus: http.StatusOK,
		},
		{
			name:       "within budget: horizon=9 step=1",
			query:      "&horizon=9&step=1",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, "GET", "/api/v1/series?start="+stamp(t0)+tt.query)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			var resp map[string]any
			json.NewDecoder(w.Body).Decode(&resp)
			if tt.wantStatus == http.StatusBadRequest {
				if resp["error"] == nil {
					t.Error("expected error field in response")
				}
				if resp["max_points"] == nil {
					t.Error("expected max_points field in response")
				}
				return
			}
			if snaps, ok := resp["snapshots"].([]any); !ok || len(snaps) != 10 {
				t.Errorf("expected 10 snapshots, got %v", resp["snapshots"])
			}
		})
	}
}

func TestTimeOffsetValue(t *testing.T) {
	h, _ := testServer(auth.Config{})

	w := do(h, "GET", "/api/v1/timeoffset?from=GPS&to=UTC&time="+stamp(t0.Add(1000*time.Second)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Offset float64 `json:"offset_s"`
		From   string  `json:"from"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if want := 1e-9 + 1e-12*1000; math.Abs(resp.Offset-want) > 1e-15 {
		t.Errorf("offset = %g, want %g", resp.Offset, want)
	}
	if resp.From != "GPS" {
		t.Errorf("from = %q, want GPS", resp.From)
	}
}

func TestXvtResponse(t *testing.T) {
	h, _ := testServer(auth.Config{})

	w := do(h, "GET", "/api/v1/xvt/G07?time="+stamp(t0))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Sat string     `json:"sat"`
		Pos [3]float64 `json:"pos_ecef_m"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Sat != "G07" {
		t.Errorf("sat = %q, want G07", resp.Sat)
	}
	r := math.Sqrt(resp.Pos[0]*resp.Pos[0] + resp.Pos[1]*resp.Pos[1] + resp.Pos[2]*resp.Pos[2])
	if r < 25000e3 || r > 28000e3 {
		t.Errorf("orbit radius = %.0f m", r)
	}
}

func TestReadyzEmptyStore(t *testing.T) {
	store := navstore.NewShared(navstore.New())
	h := newHandler(testLogger(), auth.Config{}, testDeps(store))

	if w := do(h, "GET", "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz on empty store = %d, want 503", w.Code)
	}
	if w := do(h, "GET", "/api/v1/snapshot?time="+stamp(t0)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("snapshot on empty store = %d, want 503", w.Code)
	}
}

// TestEdit verifies pruning removes only records outside the window.
func TestEdit(t *testing.T) {
	h, store := testServer(auth.Config{})

	// The ephemeris ends at t0+4h, the offset at t0+6h, health never.
	w := do(h, "POST", "/api/v1/edit?start="+stamp(t0.Add(5*time.Hour)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["removed"] != 1 || resp["records"] != 2 {
		t.Errorf("edit = %v, want 1 removed and 2 left", resp)
	}
	if store.Len() != 2 {
		t.Errorf("store holds %d records, want 2", store.Len())
	}

	w = do(h, "POST", "/api/v1/edit?start="+stamp(t0)+"&end="+stamp(t0.Add(time.Hour)))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if store.Len() != 2 {
		t.Errorf("window edit removed overlapping records: %d left", store.Len())
	}
}

// TestAuthProtectsWrites verifies edits need the token while reads stay
// public.
func TestAuthProtectsWrites(t *testing.T) {
	h, store := testServer(auth.Config{Enabled: true, Token: "s3cret"})

	if w := do(h, "POST", "/api/v1/edit?start="+stamp(t0.Add(5*time.Hour))); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated edit = %d, want 401", w.Code)
	}
	if store.Len() != 3 {
		t.Fatal("unauthenticated edit changed the store")
	}
	if w := do(h, "GET", "/api/v1/satellites"); w.Code != http.StatusOK {
		t.Errorf("public read = %d, want 200", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/edit?start="+stamp(t0.Add(5*time.Hour)), nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated edit = %d, want 200", w.Code)
	}
}

// TestStreamThroughMiddleware verifies the SSE handler can flush through the
// metrics and logging wrappers.
func TestStreamThroughMiddleware(t *testing.T) {
	h, _ := testServer(auth.Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/stream?kind=ephemeris", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before metadata: %v", err)
		}
		if strings.TrimSpace(line) == "event: metadata" {
			break
		}
	}
}
