// Package stream serves newly decoded navigation records as Server-Sent
// Events. Clients connect via GET /api/v1/stream and receive every record
// the pipeline inserts into the store, optionally filtered by kind and system.
//
// SSE message format:
//
//	event: record
//	data: {"kind":"ephemeris","sat":"G05","signal":"GPS_LNAV L1 CA",...}
//
// The first event on every connection is metadata describing the store:
//
//	event: metadata
//	data: {"store_version":42,"records":1234,...}
//
// Every event carries an increasing id. When the subscriber fell behind and
// records were dropped, a gap event reports how many before the next record:
//
//	event: gap
//	data: {"dropped":17}
//
// Keep-alive comments (:\n\n) are sent after KeepaliveInterval of silence.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/jprillam8/gnsstk/internal/gnss"
	"github.com/jprillam8/gnsstk/internal/httputil"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navstore"
)

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10)
	MaxConcurrent      int           // Max concurrent streams overall (default: 1000)
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s)
	TrustProxy         bool          // Take the client IP from X-Forwarded-For
}

// Handler manages SSE streaming connections.
type Handler struct {
	hub     *Hub
	store   *navstore.Shared
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(hub *Hub, store *navstore.Shared, config Config, logger *slog.Logger) *Handler {
	if config.MaxConcurrentPerIP <= 0 {
		config.MaxConcurrentPerIP = 10
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1000
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		hub:     hub,
		store:   store,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxConcurrent),
		logger:  logger,
	}
}

// ParseFilter reads the kind and sys query parameters.
func ParseFilter(r *http.Request) (Filter, error) {
	var f Filter
	if v := r.URL.Query().Get("kind"); v != "" {
		k, err := navdata.ParseKind(v)
		if err != nil {
			return f, err
		}
		f.Kind = k
	}
	if v := r.URL.Query().Get("sys"); v != "" {
		sys, err := gnss.ParseSystem(v)
		if err != nil {
			return f, err
		}
		f.Sys = sys
	}
	return f, nil
}

// HandleRecords serves the SSE record stream.
// GET /api/v1/stream?kind=ephemeris&sys=E
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if err := h.limiter.acquire(ip); err != nil {
		metrics.IncStreamMessages("rejected")
		h.logger.Warn("stream rejected",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
			"reason", err.Error(),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	sub := h.hub.Subscribe(filter)
	metrics.IncStreamClients()
	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"kind", filter.Kind.String(),
	)

	ew := &eventWriter{w: w, logger: h.logger}
	defer func() {
		h.hub.Unsubscribe(sub)
		h.limiter.release(ip)
		metrics.DecStreamClients()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
			"events", ew.events,
			"bytes", ew.bytes,
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server WriteTimeout; each send sets its own deadline.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	ew.flusher, ew.rc = flusher, rc

	// Jittered retry (3-7s) spreads reconnects after a restart.
	fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.Intn(4000))
	flusher.Flush()

	if err := ew.event("metadata", h.metadata(filter)); err != nil {
		metrics.IncStreamMessages("error")
		h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
		return
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case rec, ok := <-sub.C:
			if !ok {
				return
			}
			if n := sub.TakeDropped(); n > 0 {
				if err := ew.event("gap", gapMessage{Dropped: n}); err != nil {
					metrics.IncStreamMessages("error")
					h.logger.Warn("stream send error (gap)", "remote_ip", ip, "error", err)
					return
				}
			}
			if err := ew.event("record", NewRecordMessage(rec)); err != nil {
				metrics.IncStreamMessages("error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)

		case <-keepalive.C:
			if err := ew.keepalive(); err != nil {
				metrics.IncStreamMessages("error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// Active returns the number of open streams.
func (h *Handler) Active() int {
	n, _ := h.limiter.usage()
	return n
}

// Addresses returns the number of distinct client addresses streaming.
func (h *Handler) Addresses() int {
	_, n := h.limiter.usage()
	return n
}

func (h *Handler) metadata(f Filter) metadataMessage {
	st := h.store.Stats()
	m := metadataMessage{
		StoreVersion: h.store.Version(),
		Records:      st.Records,
		ByKind:       st.ByKind,
		First:        st.First,
		Last:         st.Last,
	}
	if f.Kind != navdata.KindUnknown {
		m.Kind = f.Kind.String()
	}
	if f.Sys != gnss.SysUnknown {
		m.Sys = f.Sys.String()
	}
	return m
}

type metadataMessage struct {
	StoreVersion uint64         `json:"store_version"`
	Records      int            `json:"records"`
	ByKind       map[string]int `json:"by_kind"`
	First        *time.Time     `json:"first,omitempty"`
	Last         *time.Time     `json:"last,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	Sys          string         `json:"sys,omitempty"`
}

type gapMessage struct {
	Dropped int64 `json:"dropped"`
}

// RecordMessage is the JSON form of a record with its header flattened.
type RecordMessage struct {
	Kind   string         `json:"kind"`
	Sat    gnss.SatID     `json:"sat"`
	Xmit   gnss.SatID     `json:"xmit"`
	Signal gnss.NavSignal `json:"signal"`
	Start  time.Time      `json:"start"`
	End    *time.Time     `json:"end,omitempty"`
	Ref    *time.Time     `json:"ref,omitempty"`
	Record navdata.Record `json:"record"`
}

func NewRecordMessage(rec navdata.Record) RecordMessage {
	hdr := rec.Meta()
	m := RecordMessage{
		Kind:   rec.Kind().String(),
		Sat:    hdr.Sat,
		Xmit:   hdr.Xmit,
		Signal: hdr.Signal,
		Start:  hdr.Start,
		Record: rec,
	}
	if !hdr.End.Equal(navdata.EndOfTime) {
		m.End = &hdr.End
	}
	if !hdr.Ref.IsZero() {
		m.Ref = &hdr.Ref
	}
	return m
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
