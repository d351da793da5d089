package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	gateway "github.com/senacrud/crudauth/apigateway"
	"github.com/senacrud/crudauth/models"
)

const (
	defaultLogSamplingTick  = 5 * time.Second
	defaultLogSamplingAfter = 2 * time.Second
)

// configureLogger applies level and JSON format to logger and returns the
// access log sampling for cfg. log_level wins over is_debug.
func configureLogger(logger *logrus.Logger, cfg models.Config) gateway.LogSamplingConfig {
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	level := logrus.InfoLevel
	if cfg.IsDebug {
		level = logrus.DebugLevel
	}
	if cfg.LogLevel != "" {
		parsed, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.WithField("log_level", cfg.LogLevel).Warn("unknown log_level, keeping default")
		} else {
			level = parsed
		}
	}
	logger.SetLevel(level)
	logger.SetReportCaller(level >= logrus.DebugLevel)

	return gateway.LogSamplingConfig{
		Tick:      durationFromMs(cfg.LogSamplingTickMs, defaultLogSamplingTick),
		After:     durationFromMs(cfg.LogSamplingAfterMs, defaultLogSamplingAfter),
		SkipPaths: []string{"/healthz", "/metrics"},
	}
}

func durationFromMs(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
