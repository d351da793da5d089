package social

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/senacrud/crudauth/identity"
	"github.com/senacrud/crudauth/models"
)

const (
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	providerTimeout  = 10 * time.Second
	maxUserInfoBytes = 1 << 20
)

// Provider is one external identity provider.
type Provider interface {
	Name() string
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	UserAttributes(ctx context.Context, tok *oauth2.Token) (map[string]any, error)
}

type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	HTTPClient   *http.Client
}

// OAuth2Provider is an authorization code provider with PKCE and an
// OpenID Connect userinfo endpoint.
type OAuth2Provider struct {
	name        string
	conf        *oauth2.Config
	userInfoURL string
	client      *http.Client
}

func NewOAuth2Provider(cfg ProviderConfig) *OAuth2Provider {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: providerTimeout}
	}
	return &OAuth2Provider{
		name: cfg.Name,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		userInfoURL: cfg.UserInfoURL,
		client:      client,
	}
}

// NewGoogleProvider configures the Google provider from cfg.
func NewGoogleProvider(cfg models.GoogleConfig) *OAuth2Provider {
	return NewOAuth2Provider(ProviderConfig{
		Name:         identity.ProviderGoogle,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint:     google.Endpoint,
		UserInfoURL:  GoogleUserInfoURL,
	})
}

func (p *OAuth2Provider) Name() string { return p.name }

func (p *OAuth2Provider) AuthCodeURL(state, verifier string) string {
	return p.conf.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	return p.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
}

func (p *OAuth2Provider) UserAttributes(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("missing access token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.conf.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s userinfo failed with status %d", p.name, resp.StatusCode)
	}
	attrs := map[string]any{}
	if err := json.Unmarshal(body, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
