package gateway

import (
	"net/url"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// LogSamplingConfig limits successful request logs to one per Tick.
// Requests slower than After, server errors and failed logins are always
// logged.
type LogSamplingConfig struct {
	Tick      time.Duration
	After     time.Duration
	SkipPaths []string
}

type logSampler struct {
	tick  time.Duration
	after time.Duration
	now   func() time.Time

	mu   sync.Mutex
	next time.Time
}

func newLogSampler(cfg LogSamplingConfig, now func() time.Time) *logSampler {
	return &logSampler{tick: cfg.Tick, after: cfg.After, now: now}
}

func (s *logSampler) Allow(duration time.Duration) bool {
	if s.tick <= 0 || (s.after > 0 && duration >= s.after) {
		return true
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.next) {
		return false
	}
	s.next = now.Add(s.tick)
	return true
}

// RequestLogger writes one access log entry per sampled request. Query
// strings and Location headers carry codes and tokens and are never logged.
func RequestLogger(logger *logrus.Logger, cfg LogSamplingConfig) fiber.Handler {
	sampler := newLogSampler(cfg, time.Now)
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	return func(c *fiber.Ctx) error {
		if skip[c.Path()] {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		status := c.Response().StatusCode()
		outcome := redirectOutcome(string(c.Response().Header.Peek(fiber.HeaderLocation)))
		level := requestLevel(status, err, outcome)
		if level == logrus.InfoLevel && !sampler.Allow(duration) {
			return err
		}

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}
		fields := logrus.Fields{
			"request_id":  RequestIDFromCtx(c),
			"method":      c.Method(),
			"path":        route,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"bytes_out":   len(c.Response().Body()),
			"ip":          c.IP(),
		}
		if provider := c.Params("provider"); provider != "" {
			fields["provider"] = provider
		}
		if username, ok := c.Locals(LocalUsername).(string); ok && username != "" {
			fields["username"] = username
		}
		if outcome != "" {
			fields["auth_result"] = outcome
		}
		if ua := c.Get(fiber.HeaderUserAgent); ua != "" {
			fields["user_agent"] = ua
		}
		entry := logger.WithFields(fields)
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Log(level, "http_request")
		return err
	}
}

func requestLevel(status int, err error, outcome string) logrus.Level {
	switch {
	case err != nil || status >= fiber.StatusInternalServerError:
		return logrus.ErrorLevel
	case status >= fiber.StatusBadRequest || outcome == "failure":
		return logrus.WarnLevel
	}
	return logrus.InfoLevel
}

// redirectOutcome reads the auth marker of a login redirect.
func redirectOutcome(location string) string {
	if location == "" {
		return ""
	}
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	switch auth := u.Query().Get("auth"); auth {
	case "success", "failure":
		return auth
	}
	return ""
}
