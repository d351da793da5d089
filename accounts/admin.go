package accounts

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/senacrud/crudauth/apperr"
)

// Me returns the user behind the bearer token.
func (s *Service) Me(c *fiber.Ctx) error {
	username := getUsername(c)
	if username == "" {
		return jsonError(c, apperr.ErrUnauthorized.WithMessage("missing username"))
	}
	user, err := s.Store.FindUserByUsername(c.UserContext(), username)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"user": user})
}

// Unlock clears the lock and failure counter of a user.
func (s *Service) Unlock(c *fiber.Ctx) error {
	ctx := c.UserContext()
	user, err := s.Store.FindUserByUsername(ctx, c.Params("username"))
	if err != nil {
		return s.storeError(c, err)
	}
	if err := s.Store.UpdateAccountLock(ctx, user.ID, false); err != nil {
		return s.storeError(c, err)
	}
	s.logger().WithFields(logrus.Fields{"user_id": user.ID, "by": getUsername(c)}).Info("account unlocked")
	return c.Status(http.StatusOK).JSON(fiber.Map{"message": "account unlocked", "username": user.Username})
}

func (s *Service) LoginHistory(c *fiber.Ctx) error {
	ctx := c.UserContext()
	user, err := s.Store.FindUserByUsername(ctx, c.Params("username"))
	if err != nil {
		return s.storeError(c, err)
	}
	counts, err := s.Audit.Counts(ctx, user.Username)
	if err != nil {
		s.logger().WithError(err).Warn("login audit read failed")
		return jsonError(c, apperr.ErrUnavailable.WithMessage("login audit unavailable"))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"username": user.Username, "ips": counts})
}
