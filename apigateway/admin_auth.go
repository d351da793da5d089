package gateway

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminAuthConfig guards operator endpoints such as /metrics.
type AdminAuthConfig struct {
	Key      string
	User     string
	Password string
	Debug    bool
	// Tokens, when set, also admits bearer tokens carrying AdminRole.
	Tokens    *JWTAuth
	AdminRole string
}

type admitFunc func(c *fiber.Ctx) bool

// RequireAdmin accepts X-Admin-Key, HTTP Basic credentials or an admin
// bearer token, whichever are configured. Debug bypasses the guard.
func RequireAdmin(cfg AdminAuthConfig) fiber.Handler {
	var checks []admitFunc
	if cfg.Key != "" {
		checks = append(checks, func(c *fiber.Ctx) bool {
			return secretEqual(strings.TrimSpace(c.Get("X-Admin-Key")), cfg.Key)
		})
	}
	if cfg.User != "" && cfg.Password != "" {
		checks = append(checks, func(c *fiber.Ctx) bool {
			user, pass, ok := basicCredentials(c.Get(fiber.HeaderAuthorization))
			return ok && secretEqual(user, cfg.User) && secretEqual(pass, cfg.Password)
		})
	}
	if cfg.Tokens != nil && cfg.AdminRole != "" {
		checks = append(checks, func(c *fiber.Ctx) bool {
			h := c.Get(fiber.HeaderAuthorization)
			if bearerToken(h) == h {
				return false
			}
			claims, err := cfg.Tokens.Parse(bearerToken(h))
			return err == nil && hasRole(claims.Roles, cfg.AdminRole)
		})
	}

	return func(c *fiber.Ctx) error {
		if cfg.Debug {
			return c.Next()
		}
		if len(checks) == 0 {
			return c.Status(http.StatusServiceUnavailable).JSON(fiber.Map{
				"code":    "admin_auth_not_configured",
				"message": "admin auth not configured",
			})
		}
		for _, admit := range checks {
			if admit(c) {
				return c.Next()
			}
		}
		return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
			"code":    "unauthorized",
			"message": "unauthorized",
		})
	}
}

func secretEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func basicCredentials(header string) (user, pass string, ok bool) {
	scheme, payload, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "basic") {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(decoded), ":")
}
