package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navd_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "navd_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navd_frames_total",
			Help: "Navigation frames seen by the decoders, by outcome.",
		},
		[]string{"nav", "outcome"},
	)

	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navd_records_total",
			Help: "Navigation records emitted by the decoders.",
		},
		[]string{"nav", "kind"},
	)

	filteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navd_records_filtered_total",
			Help: "Decoded records dropped by a filter.",
		},
		[]string{"nav", "kind", "reason"},
	)

	decodeFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navd_decode_faults_total",
			Help: "Frames rejected with a decoding fault.",
		},
		[]string{"nav"},
	)

	storeRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "navd_store_records",
			Help: "Records currently held in the navigation store.",
		},
		[]string{"kind"},
	)

	snapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "navd_snapshot_duration_seconds",
			Help:    "Time to compute a constellation snapshot.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	snapshotSatellites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "navd_snapshot_satellites",
			Help: "Satellites with a computed state in the last snapshot.",
		},
	)

	snapshotFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "navd_snapshot_failures_total",
			Help: "Satellite states that could not be computed for a snapshot.",
		},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "navd_cache_entries",
			Help: "Number of snapshots in the cache.",
		},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "navd_cache_hits_total",
			Help: "Snapshot cache hits.",
		},
	)

	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "navd_cache_misses_total",
			Help: "Snapshot cache misses.",
		},
	)

	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "navd_cache_evictions_total",
			Help: "Snapshots evicted from the trailing edge of the cache window.",
		},
	)

	cacheRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "navd_cache_rebuilds_total",
			Help: "Full cache rebuilds after the store contents changed.",
		},
	)

	streamClientsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "navd_stream_clients_active",
			Help: "Currently connected record stream clients.",
		},
	)

	streamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navd_stream_messages_total",
			Help: "Record stream messages by outcome.",
		},
		[]string{"outcome"},
	)

	sinkWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "navd_sink_writes_total",
			Help: "Record batches written to the time series sink, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(framesTotal)
	prometheus.MustRegister(recordsTotal)
	prometheus.MustRegister(filteredTotal)
	prometheus.MustRegister(decodeFaultsTotal)
	prometheus.MustRegister(storeRecords)
	prometheus.MustRegister(snapshotDuration)
	prometheus.MustRegister(snapshotSatellites)
	prometheus.MustRegister(snapshotFailuresTotal)
	prometheus.MustRegister(cacheEntries)
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
	prometheus.MustRegister(cacheEvictionsTotal)
	prometheus.MustRegister(cacheRebuildsTotal)
	prometheus.MustRegister(streamClientsActive)
	prometheus.MustRegister(streamMessagesTotal)
	prometheus.MustRegister(sinkWritesTotal)
}

// RecordFrame counts one frame handed to the decoders. Outcome is one of
// "ok", "unmatched" or "fault".
func RecordFrame(nav, outcome string) {
	framesTotal.WithLabelValues(nav, outcome).Inc()
}

// AddRecords counts emitted records.
func AddRecords(nav, kind string, n int) {
	recordsTotal.WithLabelValues(nav, kind).Add(float64(n))
}

// IncFiltered counts a record dropped by a filter.
func IncFiltered(nav, kind, reason string) {
	filteredTotal.WithLabelValues(nav, kind, reason).Inc()
}

// IncDecodeFault counts a frame rejected by a decoder.
func IncDecodeFault(nav string) {
	decodeFaultsTotal.WithLabelValues(nav).Inc()
	framesTotal.WithLabelValues(nav, "fault").Inc()
}

// SetStoreRecords publishes the store population for one kind.
func SetStoreRecords(kind string, n int) {
	storeRecords.WithLabelValues(kind).Set(float64(n))
}

// RecordSnapshot records the duration and size of a constellation snapshot.
func RecordSnapshot(sats int, d time.Duration) {
	snapshotDuration.Observe(d.Seconds())
	snapshotSatellites.Set(float64(sats))
}

// AddSnapshotFailures counts satellites dropped from a snapshot.
func AddSnapshotFailures(n int) {
	snapshotFailuresTotal.Add(float64(n))
}

func SetCacheEntries(n int)   { cacheEntries.Set(float64(n)) }
func IncCacheHits()           { cacheHitsTotal.Inc() }
func IncCacheMisses()         { cacheMissesTotal.Inc() }
func AddCacheEvictions(n int) { cacheEvictionsTotal.Add(float64(n)) }
func IncCacheRebuilds()       { cacheRebuildsTotal.Inc() }
func IncStreamClients()       { streamClientsActive.Inc() }
func DecStreamClients()       { streamClientsActive.Dec() }

// IncStreamMessages counts one stream message. Outcome is "sent", "dropped"
// or "error".
func IncStreamMessages(outcome string) {
	streamMessagesTotal.WithLabelValues(outcome).Inc()
}

// IncSinkWrites counts one sink batch. Outcome is "ok" or "error".
func IncSinkWrites(outcome string) {
	sinkWritesTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE handlers keep working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

var knownRoutes = map[string]bool{
	"/":                  true,
	"/healthz":           true,
	"/readyz":            true,
	"/metrics":           true,
	"/api/v1/stats":      true,
	"/api/v1/satellites": true,
	"/api/v1/nav":        true,
	"/api/v1/timeoffset": true,
	"/api/v1/snapshot":   true,
	"/api/v1/series":     true,
	"/api/v1/passes":     true,
	"/api/v1/edit":       true,
	"/api/v1/state":      true,
	"/api/v1/stream":     true,
}

// parameterized routes collapse the trailing satellite id into one label
var satRoutes = []string{"/api/v1/nav/", "/api/v1/xvt/"}

// normalizeRoute maps a request path to a bounded label set so arbitrary
// paths cannot blow up metric cardinality.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	for _, prefix := range satRoutes {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return prefix + "{sat}"
		}
	}
	return "other"
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
