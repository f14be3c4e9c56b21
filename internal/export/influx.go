// Package export writes decoded navigation records to InfluxDB, one
// measurement per record kind.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	influxdb "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navdata"
)

// Config holds sink configuration loaded from environment variables.
type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration // per batch (default: 10s)
}

// Enabled reports whether a server was configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Sink writes record batches with the blocking write API so failures reach
// the caller.
type Sink struct {
	client  influxdb.Client
	write   api.WriteAPIBlocking
	timeout time.Duration
	logger  *slog.Logger
}

// NewSink creates a sink for cfg.
func NewSink(cfg Config, logger *slog.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	opts := influxdb.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second)).
		SetPrecision(time.Millisecond)
	client := influxdb.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	logger.Info("influxdb sink configured",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return &Sink{
		client:  client,
		write:   client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Write sends recs as one batch.
func (s *Sink) Write(ctx context.Context, recs []navdata.Record) error {
	if len(recs) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(recs))
	for _, rec := range recs {
		points = append(points, Point(rec))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.write.WritePoint(ctx, points...); err != nil {
		metrics.IncSinkWrites("error")
		return fmt.Errorf("influxdb write of %d points: %w", len(points), err)
	}
	metrics.IncSinkWrites("ok")
	s.logger.Debug("records exported", "points", len(points))
	return nil
}

// Close releases the client's connections.
func (s *Sink) Close() {
	s.client.Close()
}

// Point converts a record to a point in measurement "nav_<kind>", tagged
// with the subject, transmitter and signal and timestamped at the record's
// reference time, or its start when it has none.
func Point(rec navdata.Record) *write.Point {
	hdr := rec.Meta()
	ts := hdr.Ref
	if ts.IsZero() {
		ts = hdr.Start
	}
	p := influxdb.NewPointWithMeasurement("nav_"+rec.Kind().String()).
		AddTag("sat", hdr.Sat.String()).
		AddTag("sys", hdr.Sat.Sys.String()).
		AddTag("xmit", hdr.Xmit.String()).
		AddTag("signal", hdr.Signal.String()).
		SetTime(ts)
	if !hdr.End.Equal(navdata.EndOfTime) {
		p.AddField("valid_s", hdr.End.Sub(hdr.Start).Seconds())
	}

	switch r := rec.(type) {
	case *navdata.Ephemeris:
		p.AddField("iode", r.IODE).
			AddField("iodc", r.IODC).
			AddField("ura", r.URA).
			AddField("health", r.Health).
			AddField("healthy", r.Healthy).
			AddField("week", r.Week).
			AddField("toe_sow", r.ToeSOW).
			AddField("sqrt_a", r.Orbit.SqrtA).
			AddField("ecc", r.Orbit.Ecc).
			AddField("i0", r.Orbit.I0).
			AddField("af0", r.Clock.Af0).
			AddField("af1", r.Clock.Af1).
			AddField("af2", r.Clock.Af2).
			AddField("tgd0", r.TGD[0]).
			AddField("tgd1", r.TGD[1])
	case *navdata.Almanac:
		p.AddField("week", r.Week).
			AddField("toa_sow", r.ToaSOW).
			AddField("sqrt_a", r.Orbit.SqrtA).
			AddField("ecc", r.Orbit.Ecc).
			AddField("af0", r.Af0).
			AddField("af1", r.Af1).
			AddField("health", r.Health).
			AddField("health_known", r.HealthKnown).
			AddField("healthy", r.Healthy)
	case *navdata.Health:
		p.AddField("bits", int64(r.Bits)).
			AddField("healthy", r.Healthy)
	case *navdata.TimeOffset:
		p.AddTag("from", r.From.String()).
			AddTag("to", r.To.String()).
			AddField("a0", r.A0).
			AddField("a1", r.A1).
			AddField("a2", r.A2)
		if r.HasLeap {
			p.AddField("delta_tls", r.DeltaTLS).
				AddField("delta_tlsf", r.DeltaTLSF)
		}
	case *navdata.Iono:
		p.AddTag("model", r.Model.String())
		switch r.Model {
		case navdata.IonoKlobuchar:
			for i := range r.Alpha {
				p.AddField(fmt.Sprintf("alpha%d", i), r.Alpha[i])
				p.AddField(fmt.Sprintf("beta%d", i), r.Beta[i])
			}
		case navdata.IonoNeQuick:
			for i := range r.Ai {
				p.AddField(fmt.Sprintf("ai%d", i), r.Ai[i])
			}
		}
	}
	return p
}
