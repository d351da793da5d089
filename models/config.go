package models

import "strings"

// GoogleConfig holds the OAuth2 client registration for Google.
type GoogleConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
}

// Config is the service configuration read from the crudauth key of config.yaml.
type Config struct {
	Port           string `json:"port"`
	IsDebug        bool   `json:"is_debug"`
	DatabaseURL    string `json:"db_url"`
	DatabasePath   string `json:"db_path"`
	DatabaseDriver string `json:"db_driver"`
	RedisURL       string `json:"redis_url"`

	JWTSecret       string `json:"jwt_secret"`
	JWTExpirationMs int64  `json:"jwt_expiration_ms"`
	JWTIssuer       string `json:"jwt_issuer"`

	CookieSecret string `json:"cookie_secret"`
	CookieSecure bool   `json:"cookie_secure"`

	Google                 GoogleConfig `json:"google"`
	AuthorizedRedirectURIs []string     `json:"authorized_redirect_uris"`
	DefaultRedirectURL     string       `json:"default_redirect_url"`
	DefaultRole            string       `json:"default_role"`
	MaxFailedAttempts      int          `json:"max_failed_attempts"`

	AdminKey      string `json:"admin_key"`
	AdminUser     string `json:"admin_user"`
	AdminPassword string `json:"admin_password"`

	LogLevel           string `json:"log_level"`
	LogSamplingTickMs  int    `json:"log_sampling_tick_ms"`
	LogSamplingAfterMs int    `json:"log_sampling_after_ms"`

	OtelEnabled        bool    `json:"otel_enabled"`
	OtelEndpoint       string  `json:"otel_endpoint"`
	OtelInsecure       bool    `json:"otel_insecure"`
	OtelServiceName    string  `json:"otel_service_name"`
	OtelServiceVersion string  `json:"otel_service_version"`
	OtelSampleRate     float64 `json:"otel_sample_rate"`
}

const (
	DefaultPort               = ":8080"
	DefaultJWTExpirationMs    = 86400000
	DefaultJWTIssuer          = "crudauth"
	DefaultRedirectURL        = "http://localhost:5501"
	DefaultMaxFailedAttempts  = 5
	DefaultDatabasePath       = "crudauth.db"
	defaultGoogleRedirectPath = "/login/oauth2/code/google"
)

// Defaults fills zero values with the service defaults.
func (c *Config) Defaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.JWTExpirationMs <= 0 {
		c.JWTExpirationMs = DefaultJWTExpirationMs
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = DefaultJWTIssuer
	}
	if c.DefaultRedirectURL == "" {
		c.DefaultRedirectURL = DefaultRedirectURL
	}
	if c.DefaultRole == "" {
		c.DefaultRole = RoleClient
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if c.DatabaseURL == "" && c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.CookieSecret == "" {
		c.CookieSecret = c.JWTSecret
	}
	if len(c.Google.Scopes) == 0 {
		c.Google.Scopes = []string{"openid", "email", "profile"}
	}
	if c.Google.RedirectURL == "" {
		c.Google.RedirectURL = "http://localhost" + c.Port + defaultGoogleRedirectPath
	}
}
