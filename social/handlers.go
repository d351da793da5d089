package social

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	gateway "github.com/senacrud/crudauth/apigateway"
	"github.com/senacrud/crudauth/apperr"
	"github.com/senacrud/crudauth/identity"
	"github.com/senacrud/crudauth/models"
)

const tracerName = "github.com/senacrud/crudauth/social"

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

var oauthLogins = gateway.RegisterCounterVec(prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "crudauth_oauth2_logins_total",
	Help: "OAuth2 login attempts by provider and result.",
}, []string{"provider", "result"}))

// Reconciler resolves an external identity to a local user.
type Reconciler interface {
	Reconcile(ctx context.Context, ext models.ExternalIdentity) (*models.User, error)
}

// Service serves the browser side of the OAuth2 login.
type Service struct {
	Providers  map[string]Provider
	Relay      *CookieRelay
	Redirects  *RedirectResolver
	Reconciler Reconciler
	Tokens     *gateway.JWTAuth
	Logger     *logrus.Logger
	Tracer     trace.Tracer
}

// Authorize starts a login: GET /oauth2/authorize/:provider?redirect_uri=...
func (s *Service) Authorize(c *fiber.Ctx) error {
	name := strings.ToLower(c.Params("provider"))
	redirectURI := c.Query("redirect_uri")

	p, ok := s.provider(name)
	if !ok {
		return s.fail(c, nil, "unknown", redirectURI, "Sorry! Login with "+name+" is not supported yet.")
	}
	if redirectURI != "" && !s.Redirects.IsAuthorized(redirectURI) {
		return s.fail(c, nil, name, "", "Sorry! We've got an Unauthorized Redirect URI and can't proceed with the authentication")
	}

	req := &AuthorizationRequest{
		Provider:     name,
		State:        uuid.NewString(),
		CodeVerifier: oauth2.GenerateVerifier(),
		RedirectURI:  redirectURI,
	}
	if err := s.Relay.Save(c, req, redirectURI); err != nil {
		s.logger().WithError(err).Error("could not store authorization request")
		return s.fail(c, nil, name, redirectURI, "Authentication service error")
	}
	return c.Redirect(p.AuthCodeURL(req.State, req.CodeVerifier), http.StatusFound)
}

// Callback finishes a login: GET /login/oauth2/code/:provider. Every
// outcome is a redirect to the frontend.
func (s *Service) Callback(c *fiber.Ctx) error {
	name := strings.ToLower(c.Params("provider"))
	ctx, span := s.tracer().Start(c.UserContext(), "social.callback", trace.WithAttributes(attribute.String("oauth2.provider", name)))
	defer span.End()

	req, found := s.Relay.Load(c)
	defer s.Relay.Clear(c)

	if !found {
		return s.fail(c, span, name, "", "Authorization request not found")
	}
	// the sealed target is bound to this attempt; the plain redirect_uri
	// cookie may be left over from another one
	redirectURI := req.RedirectURI

	p, ok := s.provider(name)
	if !ok || req.Provider != name {
		return s.fail(c, span, "unknown", redirectURI, "Sorry! Login with "+name+" is not supported yet.")
	}
	if subtle.ConstantTimeCompare([]byte(req.State), []byte(c.Query("state"))) != 1 {
		return s.fail(c, span, name, redirectURI, "Invalid state parameter")
	}
	if e := c.Query("error"); e != "" {
		msg := c.Query("error_description")
		if msg == "" {
			msg = e
		}
		return s.fail(c, span, name, redirectURI, msg)
	}
	code := c.Query("code")
	if code == "" {
		return s.fail(c, span, name, redirectURI, "Authorization code is missing")
	}

	tok, err := p.Exchange(ctx, code, req.CodeVerifier)
	if err != nil {
		s.logger().WithError(err).WithField("provider", name).Warn("authorization code exchange failed")
		return s.fail(c, span, name, redirectURI, "Failed to exchange authorization code")
	}
	attrs, err := p.UserAttributes(ctx, tok)
	if err != nil {
		s.logger().WithError(err).WithField("provider", name).Warn("userinfo request failed")
		return s.fail(c, span, name, redirectURI, "Failed to load user info")
	}
	info, err := identity.NewUserInfo(name, attrs)
	if err != nil {
		return s.fail(c, span, name, redirectURI, apperr.Message(err))
	}
	user, err := s.Reconciler.Reconcile(ctx, identity.ToExternalIdentity(name, info))
	if err != nil {
		return s.fail(c, span, name, redirectURI, apperr.Message(err))
	}

	token, err := s.Tokens.Issue(user.Username, ClaimsFor(user))
	if err != nil {
		s.logger().WithError(err).Error("token issue failed")
		return s.fail(c, span, name, redirectURI, "Token_generation_failed")
	}
	target, err := s.Redirects.Resolve(redirectURI, token)
	if err != nil {
		return s.fail(c, span, name, redirectURI, apperr.Message(err))
	}

	span.SetAttributes(attribute.Int64("user.id", user.ID))
	oauthLogins.WithLabelValues(name, resultSuccess).Inc()
	s.logger().WithFields(logrus.Fields{"provider": name, "user_id": user.ID}).Info("oauth2 login succeeded")
	return c.Redirect(target, http.StatusFound)
}

// ClaimsFor builds the session claims carried for user.
func ClaimsFor(user *models.User) *gateway.TokenClaims {
	return &gateway.TokenClaims{
		Roles:     user.RoleNames(),
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		UserID:    user.ID,
	}
}

func (s *Service) fail(c *fiber.Ctx, span trace.Span, provider, redirectURI, message string) error {
	msg := SanitizeErrorMessage(message)
	if span != nil {
		span.SetStatus(codes.Error, msg)
	}
	oauthLogins.WithLabelValues(provider, resultFailure).Inc()
	s.logger().WithFields(logrus.Fields{"provider": provider, "reason": msg}).Warn("oauth2 login failed")
	return c.Redirect(s.Redirects.FailureURL(redirectURI, msg), http.StatusFound)
}

func (s *Service) provider(name string) (Provider, bool) {
	if !identity.SupportedProvider(name) {
		return nil, false
	}
	p, ok := s.Providers[name]
	return p, ok
}

func (s *Service) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer(tracerName)
}

func (s *Service) logger() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

// Routes mounts the login endpoints on r.
func (s *Service) Routes(r fiber.Router) {
	r.Get("/oauth2/authorize/:provider", s.Authorize)
	r.Get("/login/oauth2/code/:provider", s.Callback)
}
