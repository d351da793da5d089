package accounts

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/senacrud/crudauth/apperr"
	"github.com/senacrud/crudauth/models"
	"github.com/senacrud/crudauth/social"
)

type SigninRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail" binding:"required,max=50"`
	Password        string `json:"password" binding:"required,max=120"`
}

type SignupRequest struct {
	FirstName string   `json:"firstName" binding:"required,max=50"`
	LastName  string   `json:"lastName" binding:"max=50"`
	Username  string   `json:"username" binding:"required,min=3,max=20,alphanum"`
	Email     string   `json:"email" binding:"required,email,max=50"`
	Password  string   `json:"password" binding:"required,max=72"`
	Roles     []string `json:"roles"`
}

// SigninResponse is the body returned by a successful signin.
type SigninResponse struct {
	Token     string   `json:"token"`
	Type      string   `json:"type"`
	ID        int64    `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Roles     []string `json:"roles"`
}

// Signin checks a password and issues a bearer token. Repeated failures
// lock the account.
func (s *Service) Signin(c *fiber.Ctx) error {
	var req SigninRequest
	if err := bindJSON(c, &req); err != nil {
		return jsonError(c, err)
	}
	ctx := c.UserContext()
	log := s.logger().WithField("login", req.UsernameOrEmail)

	user, err := s.Store.FindUserByLogin(ctx, strings.TrimSpace(req.UsernameOrEmail))
	if errors.Is(err, models.ErrUserNotFound) {
		localLogins.WithLabelValues("unknown_user").Inc()
		return jsonError(c, apperr.ErrBadCredentials)
	}
	if err != nil {
		return s.storeError(c, err)
	}

	switch {
	case !user.Enabled:
		localLogins.WithLabelValues("disabled").Inc()
		return jsonError(c, apperr.ErrDisabled)
	case user.AccountLocked:
		localLogins.WithLabelValues("locked").Inc()
		return jsonError(c, apperr.ErrLocked)
	case user.ExternalAuth:
		localLogins.WithLabelValues("external").Inc()
		return jsonError(c, apperr.ErrExternalOnly)
	}

	if !user.CheckPassword(req.Password) {
		attempts, locked, err := s.Store.IncrementFailedAttempts(ctx, user.ID, s.maxFailedAttempts())
		if err != nil {
			return s.storeError(c, err)
		}
		if locked && attempts == s.maxFailedAttempts() {
			log.WithField("failed_attempts", attempts).Warn("account locked after repeated failures")
		}
		localLogins.WithLabelValues("bad_password").Inc()
		return jsonError(c, apperr.ErrBadCredentials)
	}

	if user.FailedAttempts > 0 {
		if err := s.Store.UpdateFailedAttempts(ctx, user.ID, 0); err != nil {
			return s.storeError(c, err)
		}
	}

	token, err := s.Auth.Issue(user.Username, social.ClaimsFor(user))
	if err != nil {
		log.WithError(err).Error("token issue failed")
		return jsonError(c, apperr.ErrInternal.WithMessage("could not issue token"))
	}
	s.Audit.Record(ctx, user.Username, c.IP())
	localLogins.WithLabelValues("success").Inc()
	log.WithFields(logrus.Fields{"user_id": user.ID}).Info("password login succeeded")

	c.Set(fiber.HeaderAuthorization, token)
	return c.Status(http.StatusOK).JSON(SigninResponse{
		Token:     token,
		Type:      "Bearer",
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Roles:     user.RoleNames(),
	})
}

// Signup registers a local user.
func (s *Service) Signup(c *fiber.Ctx) error {
	var req SignupRequest
	if err := bindJSON(c, &req); err != nil {
		return jsonError(c, err)
	}
	if !validatePassword(req.Password) {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"code":    "weak_password",
			"message": "password must have at least 8 characters, an upper case letter, a number and a symbol",
		})
	}
	roles, err := signupRoles(req.Roles)
	if err != nil {
		return jsonError(c, err)
	}

	ctx := c.UserContext()
	if taken, err := s.Store.ExistsByUsername(ctx, req.Username); err != nil {
		return s.storeError(c, err)
	} else if taken {
		return jsonError(c, apperr.ErrConflict.WithMessage("Username is already taken"))
	}
	if taken, err := s.Store.ExistsByEmail(ctx, req.Email); err != nil {
		return s.storeError(c, err)
	} else if taken {
		return jsonError(c, apperr.ErrConflict.WithMessage("Email is already in use"))
	}

	user := &models.User{
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		Enabled:   true,
		Roles:     roles,
	}
	if err := user.HashPassword(); err != nil {
		return jsonError(c, apperr.ErrInternal.Wrap(err, "could not hash password"))
	}
	if err := s.Store.SaveUser(ctx, user); err != nil {
		return s.storeError(c, err)
	}
	s.logger().WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("registered local user")
	return c.Status(http.StatusCreated).JSON(fiber.Map{"message": "User registered successfully!", "id": user.ID})
}

// Signout is stateless: it only drops any half finished OAuth2 cookies.
func (s *Service) Signout(c *fiber.Ctx) error {
	if s.Relay != nil {
		s.Relay.Clear(c)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"message": "signed out"})
}
