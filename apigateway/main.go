// Package gateway holds the session token codec and the fiber middleware
// shared by the crudauth routes.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// Locals keys set by RequestID and AuthMiddleware.
const (
	LocalRequestID = "request_id"
	LocalUsername  = "username"
	LocalUserID    = "user_id"
	LocalRoles     = "roles"
	LocalClaims    = "claims"
)

// AuthMiddleware requires a valid bearer token and exposes its claims
// through c.Locals.
func (j *JWTAuth) AuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if h == "" {
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
				"code":    "unauthorized",
				"message": "empty header was sent",
			})
		}
		claims, err := j.Parse(bearerToken(h))
		if err != nil {
			j.logFailure(err)
			if FailureOf(err) == FailureExpired {
				return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"code": "jwt_expired", "message": "Token has expired"})
			}
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"code": "jwt_malformed", "message": "Malformed token"})
		}
		c.Locals(LocalUsername, claims.Subject)
		c.Locals(LocalUserID, claims.UserID)
		c.Locals(LocalRoles, claims.Roles)
		c.Locals(LocalClaims, claims)
		return c.Next()
	}
}

func bearerToken(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// RequireRole must run after AuthMiddleware.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals(LocalRoles).([]string)
		if hasRole(roles, role) {
			return c.Next()
		}
		return c.Status(http.StatusForbidden).JSON(fiber.Map{
			"code":    "forbidden",
			"message": "insufficient role",
		})
	}
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// ClaimsFromCtx returns the claims stored by AuthMiddleware, or nil.
func ClaimsFromCtx(c *fiber.Ctx) *TokenClaims {
	if v, ok := c.Locals(LocalClaims).(*TokenClaims); ok {
		return v
	}
	return nil
}

// GenerateSecretKey returns n random bytes hex encoded.
func GenerateSecretKey(n int) (string, error) {
	key := make([]byte, n)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}
