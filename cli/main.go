package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/senacrud/crudauth/models"
	"github.com/senacrud/crudauth/store"
)

const (
	migrateTimeout  = 30 * time.Second
	redisTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

var logrusLogger = logrus.New()

func main() {
	if err := run(); err != nil {
		logrusLogger.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig(logrusLogger)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	sampling := configureLogger(logrusLogger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if shutdown := initOTel(ctx, cfg, os.Getenv, logrusLogger); shutdown != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logrusLogger.WithError(err).Warn("otel shutdown failed")
			}
		}()
	}

	db, err := store.OpenFromConfig(cfg.DatabaseURL, cfg.DatabasePath, cfg.DatabaseDriver)
	if err != nil {
		return fmt.Errorf("error in connecting to db: %w", err)
	}
	defer db.Close()
	logrusLogger.WithField("driver", db.Driver).Info("database connected")

	migrateCtx, cancelMigrate := context.WithTimeout(ctx, migrateTimeout)
	err = store.Migrate(migrateCtx, db)
	cancelMigrate()
	if err != nil {
		return fmt.Errorf("error in migrations: %w", err)
	}

	rdb := openRedis(ctx, cfg, logrusLogger)
	if rdb != nil {
		defer rdb.Close()
	}

	srv, err := newServer(cfg, db, rdb, logrusLogger, sampling)
	if err != nil {
		return err
	}
	app := srv.GetMainEngine()

	go func() {
		<-ctx.Done()
		logrusLogger.Info("shutting down")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logrusLogger.WithError(err).Warn("server shutdown failed")
		}
	}()

	logrusLogger.WithField("port", cfg.Port).Info("listening")
	return app.Listen(cfg.Port)
}

// openRedis connects the login audit store. It returns nil when no redis
// url is configured; an unreachable server is logged and audit writes fail
// soft.
func openRedis(ctx context.Context, cfg models.Config, logger *logrus.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info("redis_url not set, login audit disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Warn("invalid redis_url, login audit disabled")
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.WithError(err).Warn("redis unreachable, login audit writes will fail")
	}
	return client
}
