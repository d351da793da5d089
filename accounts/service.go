// Package accounts serves the username and password side of crudauth:
// signin with lockout bookkeeping, signup, the current user and the
// admin unlock endpoint.
package accounts

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	gateway "github.com/senacrud/crudauth/apigateway"
	"github.com/senacrud/crudauth/apperr"
	"github.com/senacrud/crudauth/models"
	"github.com/senacrud/crudauth/social"
)

var localLogins = gateway.RegisterCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "crudauth_local_logins_total",
	Help: "Password login attempts by result.",
}, []string{"result"}))

// UserStore is the part of the store the account handlers use.
type UserStore interface {
	FindUserByLogin(ctx context.Context, usernameOrEmail string) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	SaveUser(ctx context.Context, user *models.User) error
	UpdateFailedAttempts(ctx context.Context, userID int64, attempts int) error
	IncrementFailedAttempts(ctx context.Context, userID int64, lockAt int) (int, bool, error)
	UpdateAccountLock(ctx context.Context, userID int64, locked bool) error
}

type Service struct {
	Store             UserStore
	Auth              *gateway.JWTAuth
	Relay             *social.CookieRelay
	Audit             *LoginAudit
	MaxFailedAttempts int
	Logger            *logrus.Logger
}

// Routes mounts the /api/auth and /api/admin endpoints on r.
func (s *Service) Routes(r fiber.Router) {
	auth := r.Group("/api/auth")
	auth.Post("/signin", s.Signin)
	auth.Post("/signup", s.Signup)
	auth.Post("/signout", s.Signout)
	auth.Get("/me", s.Auth.AuthMiddleware(), s.Me)

	admin := r.Group("/api/admin", s.Auth.AuthMiddleware(), gateway.RequireRole(models.RoleAdmin))
	admin.Post("/users/:username/unlock", s.Unlock)
	admin.Get("/users/:username/logins", s.LoginHistory)
}

func (s *Service) maxFailedAttempts() int {
	if s.MaxFailedAttempts <= 0 {
		return models.DefaultMaxFailedAttempts
	}
	return s.MaxFailedAttempts
}

func (s *Service) logger() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func bindJSON(c *fiber.Ctx, dst interface{}) error {
	if len(c.Body()) == 0 {
		return apperr.ErrEmptyBody
	}
	if err := json.Unmarshal(c.Body(), dst); err != nil {
		return apperr.ErrBadRequest.Wrap(err, "malformed request body")
	}
	if err := models.ValidateStruct(dst); err != nil {
		return apperr.ErrValidation.WithFields(models.ValidationFields(err)).Wrap(err, "request validation failed")
	}
	return nil
}

func jsonError(c *fiber.Ctx, err error) error {
	return c.Status(apperr.Status(err)).JSON(apperr.Payload(err))
}

// storeError logs unexpected store failures and hides their text.
func (s *Service) storeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, models.ErrUserNotFound) {
		return jsonError(c, apperr.ErrNotFound.WithMessage("user not found"))
	}
	s.logger().WithError(err).WithField("path", c.Path()).Error("store failure")
	return jsonError(c, apperr.ErrDatabase)
}

func getUsername(c *fiber.Ctx) string {
	if v, ok := c.Locals(gateway.LocalUsername).(string); ok {
		return v
	}
	return ""
}
