// Package social runs the browser OAuth2 login: it relays the pending
// authorization request through cookies, talks to the provider and
// redirects back to the frontend with a session token.
package social

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	AuthRequestCookie = "oauth2_auth_request"
	RedirectURICookie = "redirect_uri"

	DefaultRelayMaxAge = 180 * time.Second

	relayKeyLabel = "crudauth oauth2 relay v1"
)

var errShortCookie = errors.New("sealed cookie too short")

// AuthorizationRequest is the in-flight provider request carried between
// the authorize redirect and the provider callback.
type AuthorizationRequest struct {
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type RelayConfig struct {
	Secret string
	Secure bool
	MaxAge time.Duration
}

// CookieRelay stores AuthorizationRequest values in sealed, short-lived
// cookies so no server-side session is needed.
type CookieRelay struct {
	aead   cipher.AEAD
	secure bool
	maxAge time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

func NewCookieRelay(cfg RelayConfig, logger *logrus.Logger) (*CookieRelay, error) {
	if cfg.Secret == "" {
		return nil, errors.New("cookie secret is empty")
	}
	block, err := aes.NewCipher(relayKey(cfg.Secret))
	if err != nil {
		return nil, fmt.Errorf("relay cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("relay gcm: %w", err)
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRelayMaxAge
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CookieRelay{aead: aead, secure: cfg.Secure, maxAge: cfg.MaxAge, logger: logger, now: time.Now}, nil
}

// WithClock returns a copy of the relay that reads time from now.
func (r *CookieRelay) WithClock(now func() time.Time) *CookieRelay {
	cp := *r
	cp.now = now
	return &cp
}

func (r *CookieRelay) MaxAge() time.Duration { return r.maxAge }

// Save writes the pending request cookie and the redirect cookie. An empty
// redirectURI expires any redirect cookie already set.
func (r *CookieRelay) Save(c *fiber.Ctx, req *AuthorizationRequest, redirectURI string) error {
	if req == nil {
		return errors.New("nil authorization request")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.now().UTC()
	}
	sealed, err := r.seal(req)
	if err != nil {
		return err
	}
	c.Cookie(r.cookie(AuthRequestCookie, sealed))
	if redirectURI != "" {
		c.Cookie(r.cookie(RedirectURICookie, url.QueryEscape(redirectURI)))
	} else {
		// a target left over from an abandoned attempt must not leak into this one
		r.expire(c, RedirectURICookie)
	}
	return nil
}

// Load returns the pending request. A missing, tampered or expired cookie
// reports false.
func (r *CookieRelay) Load(c *fiber.Ctx) (*AuthorizationRequest, bool) {
	raw := c.Cookies(AuthRequestCookie)
	if raw == "" {
		return nil, false
	}
	req, err := r.open(raw)
	if err != nil {
		r.logger.WithError(err).Warn("discarding unreadable authorization request cookie")
		return nil, false
	}
	if age := r.now().Sub(req.CreatedAt); age > r.maxAge || age < -time.Minute {
		r.logger.WithField("age", age.String()).Warn("discarding expired authorization request cookie")
		return nil, false
	}
	return req, true
}

// LoadRedirectURI returns the caller supplied redirect target, or "".
func (r *CookieRelay) LoadRedirectURI(c *fiber.Ctx) string {
	raw := c.Cookies(RedirectURICookie)
	if raw == "" {
		return ""
	}
	v, err := url.QueryUnescape(raw)
	if err != nil {
		r.logger.WithError(err).Warn("discarding unreadable redirect cookie")
		return ""
	}
	return strings.Clone(v)
}

// Clear expires both relay cookies.
func (r *CookieRelay) Clear(c *fiber.Ctx) {
	for _, name := range []string{AuthRequestCookie, RedirectURICookie} {
		r.expire(c, name)
	}
}

func (r *CookieRelay) expire(c *fiber.Ctx, name string) {
	ck := r.cookie(name, "")
	ck.MaxAge = 0
	ck.Expires = time.Unix(0, 0)
	c.Cookie(ck)
}

func (r *CookieRelay) cookie(name, value string) *fiber.Cookie {
	return &fiber.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(r.maxAge / time.Second),
		HTTPOnly: true,
		Secure:   r.secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	}
}

// relayKey derives the AES-256 key from secret under a fixed label, so a
// secret shared with the token signer never keys both primitives.
func relayKey(secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(relayKeyLabel))
	return mac.Sum(nil)
}

func (r *CookieRelay) seal(req *AuthorizationRequest) (string, error) {
	plain, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(r.aead.Seal(nonce, nonce, plain, nil)), nil
}

func (r *CookieRelay) open(value string) (*AuthorizationRequest, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	ns := r.aead.NonceSize()
	if len(data) < ns {
		return nil, errShortCookie
	}
	plain, err := r.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, err
	}
	var req AuthorizationRequest
	if err := json.Unmarshal(plain, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
