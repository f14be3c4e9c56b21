package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navstore"
)

var (
	g05 = gnss.SatID{Sys: gnss.SysGPS, PRN: 5}
	e11 = gnss.SatID{Sys: gnss.SysGAL, PRN: 11}
	t0  = gnsstime.GPS(2296, 0)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func health(sat gnss.SatID) *navdata.Health {
	return &navdata.Health{
		Header:  navdata.Header{Sat: sat, Xmit: sat, Signal: gnss.SigGPSL1CA, Start: t0, End: navdata.EndOfTime},
		Healthy: true,
	}
}

func ephemeris(sat gnss.SatID) *navdata.Ephemeris {
	return &navdata.Ephemeris{
		Header: navdata.Header{Sat: sat, Xmit: sat, Signal: gnss.SigGalE5aI, Start: t0, End: t0.Add(4 * time.Hour), Ref: t0.Add(time.Hour)},
		IODE:   77,
	}
}

func testHandler(cfg Config) (*Handler, *Hub) {
	store := navstore.NewShared(navstore.New())
	store.Insert(health(g05))
	hub := NewHub(8)
	return NewHandler(hub, store, cfg, testLogger()), hub
}

func testConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		KeepaliveInterval:  30 * time.Second,
	}
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		rec    navdata.Record
		want   bool
	}{
		{"zero matches all", Filter{}, health(g05), true},
		{"kind match", Filter{Kind: navdata.KindHealth}, health(g05), true},
		{"kind mismatch", Filter{Kind: navdata.KindEphemeris}, health(g05), false},
		{"system match", Filter{Sys: gnss.SysGAL}, ephemeris(e11), true},
		{"system mismatch", Filter{Sys: gnss.SysGAL}, health(g05), false},
		{"both", Filter{Kind: navdata.KindEphemeris, Sys: gnss.SysGAL}, ephemeris(e11), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.match(tt.rec); got != tt.want {
				t.Errorf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestHubPublish verifies filtered delivery and that a full subscriber
// drops instead of blocking.
func TestHubPublish(t *testing.T) {
	hub := NewHub(2)
	all := hub.Subscribe(Filter{})
	gal := hub.Subscribe(Filter{Sys: gnss.SysGAL})

	dropped := hub.Publish([]navdata.Record{health(g05), ephemeris(e11), health(g05)})
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(all.C) != 2 {
		t.Errorf("unfiltered subscriber holds %d records, want 2", len(all.C))
	}
	if len(gal.C) != 1 {
		t.Fatalf("Galileo subscriber holds %d records, want 1", len(gal.C))
	}
	if n := all.TakeDropped(); n != 1 {
		t.Errorf("unfiltered subscriber dropped %d, want 1", n)
	}
	if n := all.TakeDropped(); n != 0 {
		t.Errorf("TakeDropped did not reset: %d", n)
	}
	if n := gal.TakeDropped(); n != 0 {
		t.Errorf("Galileo subscriber dropped %d, want 0", n)
	}
	if rec := <-gal.C; rec.Meta().Sat != e11 {
		t.Errorf("Galileo subscriber got %s", rec.Meta().Sat)
	}

	hub.Unsubscribe(gal)
	hub.Unsubscribe(gal)
	if _, ok := <-gal.C; ok {
		t.Error("channel still open after unsubscribe")
	}
	if hub.Len() != 1 {
		t.Errorf("subscribers = %d, want 1", hub.Len())
	}
}

func TestRecordMessageJSON(t *testing.T) {
	data, err := json.Marshal(NewRecordMessage(ephemeris(e11)))
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed["kind"] != "ephemeris" || parsed["sat"] != "E11" {
		t.Errorf("kind/sat = %v/%v, want ephemeris/E11", parsed["kind"], parsed["sat"])
	}
	if _, ok := parsed["end"]; !ok {
		t.Error("finite end missing")
	}
	if _, ok := parsed["ref"]; !ok {
		t.Error("ref missing")
	}

	data, err = json.Marshal(NewRecordMessage(health(g05)))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"end"`) || strings.Contains(string(data), `"ref"`) {
		t.Errorf("open-ended record carries end or ref: %s", data)
	}
}

// TestSSEMessageFormat verifies the wire format and that a record published
// after connecting reaches the client after the metadata event.
func TestSSEMessageFormat(t *testing.T) {
	handler, hub := testHandler(testConfig())

	req := httptest.NewRequest("GET", "/api/v1/stream?kind=ephemeris", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	go func() {
		for hub.Len() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		hub.Publish([]navdata.Record{health(g05), ephemeris(e11)})
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	w := httptest.NewRecorder()
	handler.HandleRecords(w, req)

	resp := w.Result()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", resp.Header.Get("Cache-Control"))
	}

	var events, ids []string
	var records []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "", line == ":", strings.HasPrefix(line, "retry: "):
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var msg map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
				t.Errorf("invalid JSON in SSE data line: %v", err)
				continue
			}
			if events[len(events)-1] == "metadata" {
				if msg["records"].(float64) != 1 || msg["kind"] != "ephemeris" {
					t.Errorf("metadata = %v", msg)
				}
			} else {
				records = append(records, msg)
			}
		default:
			t.Errorf("unexpected SSE line: %q", line)
		}
	}

	if len(events) != 2 || events[0] != "metadata" || events[1] != "record" {
		t.Fatalf("events = %v, want [metadata record]", events)
	}
	if strings.Join(ids, ",") != "1,2" {
		t.Errorf("event ids = %v, want [1 2]", ids)
	}
	if records[0]["sat"] != "E11" {
		t.Errorf("record sat = %v, want E11", records[0]["sat"])
	}
	if hub.Len() != 0 {
		t.Error("subscription not released on disconnect")
	}
	if handler.Active() != 0 {
		t.Error("limiter slot not released on disconnect")
	}
}

func TestRateLimiting(t *testing.T) {
	limiter := newStreamLimiter(3, 5)

	for i := 0; i < 3; i++ {
		if err := limiter.acquire("10.0.0.1"); err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
	}
	if err := limiter.acquire("10.0.0.1"); !errors.Is(err, errPerIPLimit) {
		t.Errorf("acquire beyond per-IP limit = %v, want errPerIPLimit", err)
	}

	if limiter.acquire("10.0.0.2") != nil || limiter.acquire("10.0.0.3") != nil {
		t.Fatal("other IPs should not be limited")
	}
	if err := limiter.acquire("10.0.0.4"); !errors.Is(err, errTotalLimit) {
		t.Errorf("acquire beyond total limit = %v, want errTotalLimit", err)
	}

	limiter.release("10.0.0.1")
	if err := limiter.acquire("10.0.0.1"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
	if c := limiter.count("10.0.0.1"); c != 3 {
		t.Errorf("count = %d, want 3", c)
	}
	streams, addrs := limiter.usage()
	if streams != 5 || addrs != 3 {
		t.Errorf("usage = %d streams from %d addresses, want 5 from 3", streams, addrs)
	}

	// A release without a matching acquire must not go negative.
	limiter.release("10.0.0.9")
	if streams, _ := limiter.usage(); streams != 5 {
		t.Errorf("streams after stray release = %d, want 5", streams)
	}
}

func TestRateLimitingConcurrent(t *testing.T) {
	limiter := newStreamLimiter(100, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.acquire("10.0.0.1") == nil {
				defer limiter.release("10.0.0.1")
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if c := limiter.count("10.0.0.1"); c != 0 {
		t.Errorf("count after all released = %d, want 0", c)
	}
}

// TestRateLimitHTTPResponse verifies 429 response when limit exceeded.
func TestRateLimitHTTPResponse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerIP = 1
	handler, hub := testHandler(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest("GET", "/api/v1/stream", nil).WithContext(ctx)
		req.RemoteAddr = "10.0.0.1:12345"
		handler.HandleRecords(httptest.NewRecorder(), req)
	}()

	for hub.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	req := httptest.NewRequest("GET", "/api/v1/stream", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	w := httptest.NewRecorder()
	handler.HandleRecords(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	cancel()
	<-done
}

func TestInvalidQueryParams(t *testing.T) {
	handler, _ := testHandler(testConfig())

	tests := []struct {
		name  string
		query string
	}{
		{"bad kind", "?kind=orbit"},
		{"bad system", "?sys=X"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/stream"+tt.query, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			handler.HandleRecords(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}
