package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tarm/serial"

	"github.com/jprillam8/gnsstk/internal/api"
	"github.com/jprillam8/gnsstk/internal/archive"
	"github.com/jprillam8/gnsstk/internal/cache"
	"github.com/jprillam8/gnsstk/internal/export"
	"github.com/jprillam8/gnsstk/internal/gnsstime"
	"github.com/jprillam8/gnsstk/internal/ingest"
	"github.com/jprillam8/gnsstk/internal/metrics"
	"github.com/jprillam8/gnsstk/internal/navbits"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navfactory"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/pipeline"
	"github.com/jprillam8/gnsstk/internal/propagation"
	"github.com/jprillam8/gnsstk/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: loadLogLevel(),
	}))

	addr := os.Getenv("NAVD_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	opts, err := loadDecoderConfig(logger)
	if err != nil {
		logger.Error("invalid decoder configuration", "error", err)
		os.Exit(1)
	}

	toFilter, err := loadStoreConfig(logger)
	if err != nil {
		logger.Error("invalid store configuration", "error", err)
		os.Exit(1)
	}

	base := navstore.New()
	base.SetTimeOffsetFilter(toFilter)
	store := navstore.NewShared(base)
	factory := navfactory.NewDefault(opts, logger)

	streamCfg, hubBuffer := loadStreamConfig(logger)
	hub := stream.NewHub(hubBuffer)

	var sink pipeline.Sink
	influxCfg := loadInfluxConfig(logger)
	if influxCfg.Enabled() {
		s := export.NewSink(influxCfg, logger)
		defer s.Close()
		sink = s
	}

	pipe := pipeline.New(factory, store, hub, sink, logger)

	inputCfg := loadInputConfig(logger)
	var recorder *archive.Recorder
	if inputCfg.ArchiveDir != "" {
		recorder = archive.NewRecorder(archive.New(inputCfg.ArchiveDir, inputCfg.ArchiveMaxFiles))
	}

	// Preload: explicit file first, otherwise the newest archive file.
	switch {
	case inputCfg.File != "":
		if err := loadFile(pipe, inputCfg.File, logger); err != nil {
			logger.Error("failed to load frame file", "path", inputCfg.File, "error", err)
			os.Exit(1)
		}
	case inputCfg.ArchiveDir != "":
		data, ts, err := archive.New(inputCfg.ArchiveDir, inputCfg.ArchiveMaxFiles).LoadLatest()
		if err != nil {
			logger.Info("no frame archive found, starting empty", "error", err)
			break
		}
		stats, err := pipe.Run(context.Background(), bytes.NewReader(data))
		if err != nil {
			logger.Warn("failed to replay frame archive", "error", err)
		}
		logger.Info("replayed frame archive",
			"archived_at", ts.Format(time.RFC3339),
			"frames", stats.Frames,
			"records", stats.Records,
		)
	}
	publishStoreMetrics(store)

	snapCfg := loadSnapshotConfig(logger)
	snapshots := propagation.NewSnapshotter(store, snapCfg, logger)

	var snapCache *cache.SnapshotCache
	if cacheCfg, enabled := loadCacheConfig(logger); enabled {
		snapCache = cache.New(cacheCfg, snapshots, store, logger)
	}

	srv := api.NewServer(addr, logger, authCfg, api.Deps{
		Store:      store,
		Snapshots:  snapshots,
		Pipeline:   pipe,
		Cache:      snapCache,
		Stream:     stream.NewHandler(hub, store, streamCfg, logger),
		Fit:        snapCfg.Fit,
		TrustProxy: streamCfg.TrustProxy,
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if snapCache != nil {
		go snapCache.Start(ctx)
	}
	if inputCfg.SerialPort != "" {
		go followSerial(ctx, pipe, recorder, inputCfg, logger)
	}
	if inputCfg.URL != "" {
		fetcher := archive.NewFetcher(inputCfg.URL, logger, inputCfg.ExtraURLs...)
		go pollSource(ctx, pipe, fetcher, inputCfg.RefreshInterval, logger)
	}
	if recorder != nil {
		go flushArchive(ctx, recorder, inputCfg.ArchiveInterval, logger)
	}

	// Retention: drop records that expired more than the window ago, and
	// keep the store gauges current.
	retention := loadRetention(logger)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if retention > 0 {
					if n := store.EditFrom(gnsstime.Now().Add(-retention)); n > 0 {
						logger.Info("retention pruned records", "removed", n, "records", store.Len())
					}
				}
				publishStoreMetrics(store)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("starting server",
			"addr", addr,
			"auth_enabled", authCfg.Enabled,
			"kinds", opts.Kinds.String(),
			"records", store.Len(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if recorder != nil {
		if n, err := recorder.Flush(time.Now()); err != nil {
			logger.Error("final archive flush failed", "error", err)
		} else if n > 0 {
			logger.Info("archived frames", "frames", n)
		}
	}

	logger.Info("server stopped")
}

func loadFile(pipe *pipeline.Pipeline, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stats, err := pipe.Run(context.Background(), f)
	if err != nil {
		return err
	}
	logger.Info("loaded frame file",
		"path", path,
		"frames", stats.Frames,
		"records", stats.Records,
		"faults", stats.Faults,
	)
	return nil
}

func publishStoreMetrics(store *navstore.Shared) {
	st := store.Stats()
	for _, k := range navdata.AllKinds {
		metrics.SetStoreRecords(k.String(), st.ByKind[k.String()])
	}
}

// followSerial decodes frames from a serial receiver until ctx is done,
// reopening the port after read errors.
func followSerial(ctx context.Context, pipe *pipeline.Pipeline, rec *archive.Recorder, cfg inputConfig, logger *slog.Logger) {
	const retryDelay = 5 * time.Second

	for {
		port, err := serial.OpenPort(&serial.Config{
			Name:        cfg.SerialPort,
			Baud:        cfg.SerialBaud,
			ReadTimeout: time.Second,
		})
		if err != nil {
			logger.Warn("serial port open failed", "port", cfg.SerialPort, "error", err)
		} else {
			logger.Info("serial port opened", "port", cfg.SerialPort, "baud", cfg.SerialBaud)
			err = readFrames(ctx, port, pipe, rec, logger)
			port.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Warn("serial input ended", "port", cfg.SerialPort, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// readFrames feeds r through the pipeline, recording every parsed frame.
// Closing r on cancellation unblocks a pending read.
func readFrames(ctx context.Context, r io.ReadCloser, pipe *pipeline.Pipeline, rec *archive.Recorder, logger *slog.Logger) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-done:
		}
	}()

	return ingest.Scan(ctx, r, logger, func(f *navbits.Frame) error {
		if rec != nil {
			rec.Record(f)
		}
		pipe.Process(ctx, f)
		return nil
	})
}

// pollSource fetches a remote frame file now and then every interval.
func pollSource(ctx context.Context, pipe *pipeline.Pipeline, fetcher *archive.Fetcher, interval time.Duration, logger *slog.Logger) {
	fetch := func() {
		data, err := fetcher.Fetch(ctx)
		if err != nil {
			logger.Warn("frame source fetch failed", "url", fetcher.SourceURL(), "error", err)
			return
		}
		stats, err := pipe.Run(ctx, bytes.NewReader(data))
		if err != nil {
			logger.Warn("frame source decode stopped", "error", err)
		}
		logger.Info("frame source fetched",
			"url", fetcher.SourceURL(),
			"bytes", len(data),
			"frames", stats.Frames,
			"records", stats.Records,
		)
	}

	fetch()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fetch()
		case <-ctx.Done():
			return
		}
	}
}

func flushArchive(ctx context.Context, rec *archive.Recorder, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := rec.Flush(time.Now())
			if err != nil {
				logger.Error("archive flush failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("archived frames", "frames", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
