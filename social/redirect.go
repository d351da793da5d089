package social

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/senacrud/crudauth/apperr"
)

const (
	maxErrorMessageLength = 100
	defaultErrorMessage   = "Authentication failed"
)

var controlStripper = strings.NewReplacer("\r", "", "\n", "", "\t", "")

type RedirectConfig struct {
	AuthorizedRedirectURIs []string
	DefaultRedirectURL     string
}

type allowedTarget struct {
	host string
	port string
}

// RedirectResolver decides where the browser goes after a login attempt.
type RedirectResolver struct {
	allowed    []allowedTarget
	defaultURL string
	logger     *logrus.Logger
}

func NewRedirectResolver(cfg RedirectConfig, logger *logrus.Logger) *RedirectResolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &RedirectResolver{defaultURL: strings.TrimSpace(controlStripper.Replace(cfg.DefaultRedirectURL)), logger: logger}
	for _, raw := range cfg.AuthorizedRedirectURIs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Hostname() == "" {
			logger.WithField("uri", raw).Warn("ignoring malformed authorized redirect uri")
			continue
		}
		r.allowed = append(r.allowed, allowedTarget{host: u.Hostname(), port: u.Port()})
	}
	return r
}

func (r *RedirectResolver) DefaultURL() string { return r.defaultURL }

// IsAuthorized matches uri against the allowlist by host and port. The
// scheme and path are ignored.
func (r *RedirectResolver) IsAuthorized(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil || u.Hostname() == "" {
		return false
	}
	for _, a := range r.allowed {
		if strings.EqualFold(a.host, u.Hostname()) && a.port == u.Port() {
			return true
		}
	}
	return false
}

// TargetFor returns candidate when it is allowed, the default when it is
// empty, and an error otherwise.
func (r *RedirectResolver) TargetFor(candidate string) (string, error) {
	candidate = strings.TrimSpace(controlStripper.Replace(candidate))
	if candidate == "" {
		return r.defaultURL, nil
	}
	if !r.IsAuthorized(candidate) {
		return "", apperr.ErrOAuth2Processing.WithMessage("Sorry! We've got an Unauthorized Redirect URI and can't proceed with the authentication")
	}
	return candidate, nil
}

// Resolve builds the success redirect carrying token.
func (r *RedirectResolver) Resolve(candidate, token string) (string, error) {
	target, err := r.TargetFor(candidate)
	if err != nil {
		return "", err
	}
	base := strings.TrimSpace(controlStripper.Replace(target))
	token = controlStripper.Replace(token)

	final := appendQuery(base, "token="+url.QueryEscape(token)+"&auth=success")
	if strings.ContainsAny(final, "\r\n") {
		return r.fallbackURL("Invalid_redirect"), nil
	}
	if _, err := url.Parse(final); err != nil {
		r.logger.WithError(err).Warn("success redirect did not parse")
		return r.fallbackURL("URL_construction_failed"), nil
	}
	return final, nil
}

// FailureURL builds the failure redirect for message. Candidates outside
// the allowlist are replaced by the default URL.
func (r *RedirectResolver) FailureURL(candidate, message string) string {
	target := r.defaultURL
	candidate = strings.TrimSpace(controlStripper.Replace(candidate))
	if candidate != "" && r.IsAuthorized(candidate) {
		target = candidate
	}
	base := strings.TrimSpace(controlStripper.Replace(target))
	final := appendQuery(base, "error="+url.QueryEscape(SanitizeErrorMessage(message))+"&auth=failure")
	if strings.ContainsAny(final, "\r\n") {
		return r.fallbackURL("Invalid_redirect")
	}
	if _, err := url.Parse(final); err != nil {
		return r.fallbackURL(url.QueryEscape(defaultErrorMessage))
	}
	return final
}

func (r *RedirectResolver) fallbackURL(code string) string {
	return appendQuery(r.defaultURL, "error="+code+"&auth=failure")
}

// appendQuery adds query to base ahead of any fragment.
func appendQuery(base, query string) string {
	u, err := url.Parse(base)
	if err != nil {
		return joinQuery(base, query)
	}
	u.RawQuery = strings.TrimPrefix(joinQuery("?"+u.RawQuery, query), "?")
	u.ForceQuery = false
	return u.String()
}

func joinQuery(base, query string) string {
	switch {
	case strings.HasSuffix(base, "?"), strings.HasSuffix(base, "&"):
		return base + query
	case strings.Contains(base, "?"):
		return base + "&" + query
	default:
		return base + "?" + query
	}
}

// SanitizeErrorMessage flattens msg onto one line and caps it at 100 characters.
func SanitizeErrorMessage(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return defaultErrorMessage
	}
	if utf8.RuneCountInString(msg) > maxErrorMessageLength {
		msg = string([]rune(msg)[:maxErrorMessageLength])
		msg = strings.TrimSpace(msg)
	}
	return msg
}
