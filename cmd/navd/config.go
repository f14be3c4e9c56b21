package main

import (
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jprillam8/gnsstk/internal/auth"
	"github.com/jprillam8/gnsstk/internal/cache"
	"github.com/jprillam8/gnsstk/internal/export"
	"github.com/jprillam8/gnsstk/internal/navdata"
	"github.com/jprillam8/gnsstk/internal/navfactory"
	"github.com/jprillam8/gnsstk/internal/navstore"
	"github.com/jprillam8/gnsstk/internal/propagation"
	"github.com/jprillam8/gnsstk/internal/stream"
)

func loadLogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("NAVD_LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// envInt reads a positive integer, falling back to def with a warning.
func envInt(logger *slog.Logger, name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		logger.Warn("invalid "+name+" value, using default", "value", v, "default", def)
		return def
	}
	return n
}

// envSeconds reads a positive number of seconds.
func envSeconds(logger *slog.Logger, name string, def time.Duration) time.Duration {
	return time.Duration(envInt(logger, name, int(def/time.Second))) * time.Second
}

func envBool(logger *slog.Logger, name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid "+name+" value, using default", "value", v, "default", def)
		return def
	}
	return b
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	if v := os.Getenv("NAVD_AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.New("NAVD_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv("NAVD_AUTH_TOKEN")
		cfg.ProtectReads = envBool(logger, "NAVD_AUTH_PROTECT_READS", false)
		if err := cfg.Validate(); err != nil {
			return cfg, errors.New("NAVD_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled", "protect_reads", cfg.ProtectReads)
	}

	return cfg, nil
}

// loadDecoderConfig reads the record kinds to emit. An unknown kind name is a
// configuration fault, not a warning.
func loadDecoderConfig(logger *slog.Logger) (navfactory.Options, error) {
	opts := navfactory.DefaultOptions()

	if v := os.Getenv("NAVD_NAV_KINDS"); v != "" {
		kinds, err := navfactory.ParseKinds(v)
		if err != nil {
			return opts, err
		}
		opts.Kinds = kinds
	}
	opts.ZeroTimeOffsetFilter = envBool(logger, "NAVD_ZERO_TIME_OFFSET_FILTER", opts.ZeroTimeOffsetFilter)

	logger.Info("decoder config",
		"kinds", opts.Kinds.String(),
		"zero_time_offset_filter", opts.ZeroTimeOffsetFilter,
	)
	return opts, nil
}

func loadStoreConfig(logger *slog.Logger) (navstore.TimeOffsetFilter, error) {
	filter := navstore.TimeOffsetNoFilt
	if v := os.Getenv("NAVD_TIME_OFFSET_FILTER"); v != "" {
		f, err := navstore.ParseTimeOffsetFilter(v)
		if err != nil {
			return filter, err
		}
		filter = f
	}
	logger.Info("store config", "time_offset_filter", filter.String())
	return filter, nil
}

func loadSnapshotConfig(logger *slog.Logger) propagation.Config {
	cfg := propagation.Config{
		Workers:   envInt(logger, "NAVD_WORKERS", runtime.NumCPU()),
		MaxPoints: envInt(logger, "NAVD_SNAPSHOT_MAX_POINTS", 721),
		Fit:       navdata.FitStrict,
	}
	if !envBool(logger, "NAVD_FIT_STRICT", true) {
		cfg.Fit = navdata.FitLenient
	}

	logger.Info("snapshot config",
		"workers", cfg.Workers,
		"max_points", cfg.MaxPoints,
		"fit_strict", cfg.Fit == navdata.FitStrict,
	)
	return cfg
}

func loadCacheConfig(logger *slog.Logger) (cache.Config, bool) {
	cfg := cache.Config{
		Step:    envSeconds(logger, "NAVD_CACHE_STEP", 30*time.Second),
		Horizon: envSeconds(logger, "NAVD_CACHE_HORIZON", 10*time.Minute),
		Buffer:  envSeconds(logger, "NAVD_CACHE_BUFFER", time.Minute),
	}
	enabled := envBool(logger, "NAVD_CACHE_ENABLED", true)

	logger.Info("cache config",
		"enabled", enabled,
		"step_seconds", cfg.Step.Seconds(),
		"horizon_seconds", cfg.Horizon.Seconds(),
		"buffer_seconds", cfg.Buffer.Seconds(),
	)
	return cfg, enabled
}

// loadStreamConfig returns the SSE configuration and the per-subscriber
// buffer size.
func loadStreamConfig(logger *slog.Logger) (stream.Config, int) {
	cfg := stream.Config{
		MaxConcurrentPerIP: envInt(logger, "NAVD_STREAM_MAX_CONCURRENT", 10),
		MaxConcurrent:      envInt(logger, "NAVD_STREAM_MAX_TOTAL", 1000),
		KeepaliveInterval:  envSeconds(logger, "NAVD_STREAM_KEEPALIVE_INTERVAL", 30*time.Second),
		TrustProxy:         envBool(logger, "NAVD_TRUST_PROXY", false),
	}
	buffer := envInt(logger, "NAVD_STREAM_BUFFER", 256)

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"max_concurrent", cfg.MaxConcurrent,
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
		"buffer", buffer,
		"trust_proxy", cfg.TrustProxy,
	)
	return cfg, buffer
}

type inputConfig struct {
	File            string
	URL             string
	ExtraURLs       []string
	RefreshInterval time.Duration
	SerialPort      string
	SerialBaud      int
	ArchiveDir      string
	ArchiveMaxFiles int
	ArchiveInterval time.Duration
}

func loadInputConfig(logger *slog.Logger) inputConfig {
	cfg := inputConfig{
		File:            os.Getenv("NAVD_INPUT_FILE"),
		URL:             os.Getenv("NAVD_INPUT_URL"),
		RefreshInterval: envSeconds(logger, "NAVD_INPUT_REFRESH", 15*time.Minute),
		SerialPort:      os.Getenv("NAVD_SERIAL_PORT"),
		SerialBaud:      envInt(logger, "NAVD_SERIAL_BAUD", 115200),
		ArchiveDir:      os.Getenv("NAVD_ARCHIVE_DIR"),
		ArchiveMaxFiles: envInt(logger, "NAVD_ARCHIVE_MAX_FILES", 24),
		ArchiveInterval: envSeconds(logger, "NAVD_ARCHIVE_INTERVAL", time.Hour),
	}

	if v := os.Getenv("NAVD_INPUT_EXTRA_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.ExtraURLs = append(cfg.ExtraURLs, u)
			}
		}
	}

	logger.Info("input config",
		"file", cfg.File,
		"url", cfg.URL,
		"extra_urls", cfg.ExtraURLs,
		"serial_port", cfg.SerialPort,
		"archive_dir", cfg.ArchiveDir,
	)
	return cfg
}

// loadRetention returns how long expired records are kept. Zero disables
// pruning.
func loadRetention(logger *slog.Logger) time.Duration {
	const def = 48
	v := os.Getenv("NAVD_RETENTION_HOURS")
	if v == "" {
		return def * time.Hour
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logger.Warn("invalid NAVD_RETENTION_HOURS value, using default", "value", v, "default", def)
		return def * time.Hour
	}
	return time.Duration(n) * time.Hour
}

func loadInfluxConfig(logger *slog.Logger) export.Config {
	cfg := export.Config{
		URL:     os.Getenv("NAVD_INFLUX_URL"),
		Token:   os.Getenv("NAVD_INFLUX_TOKEN"),
		Org:     os.Getenv("NAVD_INFLUX_ORG"),
		Bucket:  os.Getenv("NAVD_INFLUX_BUCKET"),
		Timeout: envSeconds(logger, "NAVD_INFLUX_TIMEOUT", 10*time.Second),
	}
	if cfg.Enabled() {
		logger.Info("influx export enabled", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	}
	return cfg
}
