// Package identity turns provider profiles into local users.
package identity

import (
	"fmt"
	"strings"

	"github.com/senacrud/crudauth/apperr"
	"github.com/senacrud/crudauth/models"
)

// ProviderGoogle is the registration id of the Google provider.
const ProviderGoogle = "google"

// UserInfo is the capability every provider profile exposes.
type UserInfo interface {
	ID() string
	Name() string
	Email() string
	ImageURL() string
}

// GoogleUserInfo reads the OpenID Connect userinfo attributes returned by Google.
type GoogleUserInfo struct {
	Attributes map[string]any
}

func (g GoogleUserInfo) ID() string       { return stringAttr(g.Attributes, "sub") }
func (g GoogleUserInfo) Name() string     { return stringAttr(g.Attributes, "name") }
func (g GoogleUserInfo) Email() string    { return stringAttr(g.Attributes, "email") }
func (g GoogleUserInfo) ImageURL() string { return stringAttr(g.Attributes, "picture") }

func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	switch v := attrs[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

var userInfoFactories = map[string]func(map[string]any) UserInfo{
	ProviderGoogle: func(attrs map[string]any) UserInfo { return GoogleUserInfo{Attributes: attrs} },
}

// NewUserInfo picks the profile variant registered for provider.
func NewUserInfo(provider string, attrs map[string]any) (UserInfo, error) {
	factory, ok := userInfoFactories[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, apperr.ErrOAuth2Processing.WithMessage(fmt.Sprintf("Sorry! Login with %s is not supported yet.", provider))
	}
	return factory(attrs), nil
}

// SupportedProvider reports whether NewUserInfo knows provider.
func SupportedProvider(provider string) bool {
	_, ok := userInfoFactories[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

func ToExternalIdentity(provider string, info UserInfo) models.ExternalIdentity {
	return models.ExternalIdentity{
		Provider:       strings.ToLower(provider),
		ProviderUserID: info.ID(),
		Name:           strings.TrimSpace(info.Name()),
		Email:          strings.TrimSpace(info.Email()),
		ImageURL:       info.ImageURL(),
	}
}
