package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// MinSecretBytes is the smallest HS256 key accepted: 256 bits.
const MinSecretBytes = 32

var (
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretBytes)
	ErrInvalidTTL   = errors.New("jwt ttl must be positive")
	ErrEmptySubject = errors.New("jwt subject is empty")

	errUnsupportedAlg = errors.New("unsupported signing algorithm")
)

// TokenFailure names the reason a token was rejected.
type TokenFailure string

const (
	FailureEmpty            TokenFailure = "empty"
	FailureMalformed        TokenFailure = "malformed"
	FailureExpired          TokenFailure = "expired"
	FailureUnsupported      TokenFailure = "unsupported"
	FailureInvalidSignature TokenFailure = "invalid_signature"
	FailureEmptyClaims      TokenFailure = "empty_claims"
	FailureInvalid          TokenFailure = "invalid"
)

// TokenError is returned by Parse for every rejected token.
type TokenError struct {
	Kind TokenFailure
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jwt %s: %v", e.Kind, e.Err)
	}
	return "jwt " + string(e.Kind)
}

func (e *TokenError) Unwrap() error { return e.Err }

// FailureOf extracts the failure kind from a Parse error.
func FailureOf(err error) TokenFailure {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Kind
	}
	return FailureInvalid
}

// TokenConfig is what the codec needs from configuration.
type TokenConfig struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// TokenClaims carries the subject plus the optional denormalised user fields.
type TokenClaims struct {
	Roles     []string `json:"roles,omitempty"`
	Email     string   `json:"email,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	UserID    int64    `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth issues and validates HS256 session tokens. It is immutable after
// construction and safe for concurrent use.
type JWTAuth struct {
	key    []byte
	ttl    time.Duration
	issuer string
	logger *logrus.Logger
	now    func() time.Time
}

// NewJWTAuth builds a codec from cfg. The secret is used as raw bytes.
func NewJWTAuth(cfg TokenConfig, logger *logrus.Logger) (*JWTAuth, error) {
	if len([]byte(cfg.Secret)) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	if cfg.TTL <= 0 {
		return nil, ErrInvalidTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JWTAuth{
		key:    []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock returns a copy of the codec that reads time from now.
func (j *JWTAuth) WithClock(now func() time.Time) *JWTAuth {
	cp := *j
	cp.now = now
	return &cp
}

func (j *JWTAuth) TTL() time.Duration { return j.ttl }

// Issue signs a token for subject. extra may be nil; its registered claims
// are ignored and replaced by subject, issuer, iat and exp.
func (j *JWTAuth) Issue(subject string, extra *TokenClaims) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrEmptySubject
	}
	var claims TokenClaims
	if extra != nil {
		claims = *extra
	}
	now := j.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.key)
}

// Parse validates the token and returns its claims. Every failure is a *TokenError.
func (j *JWTAuth) Parse(tokenString string) (*TokenClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, &TokenError{Kind: FailureEmpty}
	}
	parser := jwt.NewParser(
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
	)
	claims := &TokenClaims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("%w: %v", errUnsupportedAlg, token.Header["alg"])
		}
		return j.key, nil
	})
	if err != nil {
		return nil, &TokenError{Kind: classify(err), Err: err}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, &TokenError{Kind: FailureEmptyClaims}
	}
	return claims, nil
}

func classify(err error) TokenFailure {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return FailureMalformed
	case errors.Is(err, errUnsupportedAlg), errors.Is(err, jwt.ErrTokenUnverifiable):
		return FailureUnsupported
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return FailureInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return FailureExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return FailureEmptyClaims
	default:
		return FailureInvalid
	}
}

// Verify reports whether the token is valid. It never returns an error;
// the failure kind is logged instead.
func (j *JWTAuth) Verify(tokenString string) bool {
	_, err := j.Parse(tokenString)
	if err != nil {
		j.logFailure(err)
		return false
	}
	return true
}

func (j *JWTAuth) logFailure(err error) {
	entry := j.logger.WithField("jwt_failure", string(FailureOf(err)))
	var te *TokenError
	if errors.As(err, &te) && te.Err != nil {
		entry = entry.WithError(te.Err)
	}
	entry.Warn("jwt rejected")
}

// SubjectOf reads the subject of a token that already passed Verify.
func (j *JWTAuth) SubjectOf(tokenString string) string {
	claims := j.unverified(tokenString)
	if claims == nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// Claim reads a single claim of a token that already passed Verify.
// JSON numbers come back as float64.
func (j *JWTAuth) Claim(tokenString, name string) any {
	claims := j.unverified(tokenString)
	if claims == nil {
		return nil
	}
	return claims[name]
}

func (j *JWTAuth) unverified(tokenString string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil
	}
	return claims
}
