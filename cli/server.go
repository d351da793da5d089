package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/senacrud/crudauth/accounts"
	gateway "github.com/senacrud/crudauth/apigateway"
	"github.com/senacrud/crudauth/identity"
	"github.com/senacrud/crudauth/models"
	"github.com/senacrud/crudauth/social"
	"github.com/senacrud/crudauth/store"
)

const (
	generatedSecretBytes = 32
	healthTimeout        = 2 * time.Second
)

var errMissingSecret = errors.New("jwt_secret is required outside debug mode")

// server holds the wired services behind the HTTP engine.
type server struct {
	cfg      models.Config
	logger   *logrus.Logger
	sampling gateway.LogSamplingConfig
	db       *store.DB
	tokens   *gateway.JWTAuth
	social   *social.Service
	accounts *accounts.Service
}

// newServer wires the token codec, the OAuth2 login flow and the local
// account endpoints on top of db. rdb may be nil, which disables the login
// audit.
func newServer(cfg models.Config, db *store.DB, rdb *redis.Client, logger *logrus.Logger, sampling gateway.LogSamplingConfig) (*server, error) {
	if cfg.JWTSecret == "" {
		if !cfg.IsDebug {
			return nil, errMissingSecret
		}
		secret, err := gateway.GenerateSecretKey(generatedSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		logger.Warn("jwt_secret not set, generated an ephemeral one for debug mode")
		cfg.JWTSecret = secret
	}
	if cfg.CookieSecret == "" {
		cfg.CookieSecret = cfg.JWTSecret
	}
	if cfg.CookieSecret == cfg.JWTSecret {
		logger.Warn("cookie_secret not set, deriving the relay key from jwt_secret")
	}

	tokens, err := gateway.NewJWTAuth(gateway.TokenConfig{
		Secret: cfg.JWTSecret,
		TTL:    time.Duration(cfg.JWTExpirationMs) * time.Millisecond,
		Issuer: cfg.JWTIssuer,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}
	relay, err := social.NewCookieRelay(social.RelayConfig{
		Secret: cfg.CookieSecret,
		Secure: cfg.CookieSecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("cookie relay: %w", err)
	}

	providers := map[string]social.Provider{}
	if cfg.Google.ClientID != "" {
		providers[identity.ProviderGoogle] = social.NewGoogleProvider(cfg.Google)
	} else {
		logger.Warn("google client_id not set, social login disabled")
	}

	st := store.New(db)
	srv := &server{
		cfg:      cfg,
		logger:   logger,
		sampling: sampling,
		db:       db,
		tokens:   tokens,
		social: &social.Service{
			Providers: providers,
			Relay:     relay,
			Redirects: social.NewRedirectResolver(social.RedirectConfig{
				AuthorizedRedirectURIs: cfg.AuthorizedRedirectURIs,
				DefaultRedirectURL:     cfg.DefaultRedirectURL,
			}, logger),
			Reconciler: &identity.Reconciler{
				Users:       st,
				Roles:       st,
				Hasher:      identity.BcryptHasher{},
				DefaultRole: cfg.DefaultRole,
				Logger:      logger,
			},
			Tokens: tokens,
			Logger: logger,
			Tracer: otel.Tracer("github.com/senacrud/crudauth/social"),
		},
		accounts: &accounts.Service{
			Store:             st,
			Auth:              tokens,
			Relay:             relay,
			Audit:             accounts.NewLoginAudit(rdb, logger),
			MaxFailedAttempts: cfg.MaxFailedAttempts,
			Logger:            logger,
		},
	}
	return srv, nil
}

// GetMainEngine assembles the middleware chain and every route.
func (s *server) GetMainEngine() *fiber.App {
	route := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	route.Use(gateway.RequestID())
	route.Use(gateway.RequestLogger(s.logger, s.sampling))
	route.Use(gateway.Instrumentation())

	s.social.Routes(route)
	s.accounts.Routes(route)

	route.Get("/metrics", gateway.RequireAdmin(gateway.AdminAuthConfig{
		Key:       s.cfg.AdminKey,
		User:      s.cfg.AdminUser,
		Password:  s.cfg.AdminPassword,
		Debug:     s.cfg.IsDebug,
		Tokens:    s.tokens,
		AdminRole: models.RoleAdmin,
	}), adaptor.HTTPHandler(promhttp.Handler()))
	route.Get("/healthz", s.health)
	return route
}

func (s *server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.WithError(err).Warn("health check: database unreachable")
		return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{"code": "service_unavailable", "message": "database unreachable"})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// errorHandler renders errors that escape a handler, such as unknown routes,
// in the same shape as handler errors.
func (s *server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code := strings.ReplaceAll(strings.ToLower(http.StatusText(fe.Code)), " ", "_")
		return c.Status(fe.Code).JSON(fiber.Map{"code": code, "message": fe.Message})
	}
	s.logger.WithError(err).WithField("path", c.Path()).Error("unhandled error")
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"code": "internal_error", "message": "internal error"})
}
