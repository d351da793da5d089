package models

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Role names stored in the roles table.
const (
	RoleAdmin  = "ROLE_ADMIN"
	RoleStaff  = "ROLE_STAFF"
	RoleClient = "ROLE_CLIENT"
)

// BcryptCost matches the cost used for every stored password hash.
const BcryptCost = 8

var (
	ErrUserNotFound = errors.New("user not found")
	ErrRoleNotFound = errors.New("role not found")
)

// Role is a named authority granted to users.
type Role struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// User is the local account record. Externally authenticated users carry a
// random placeholder hash that no one knows the plaintext of.
type User struct {
	ID             int64     `db:"id" json:"id"`
	FirstName      string    `db:"first_name" json:"firstName"`
	LastName       string    `db:"last_name" json:"lastName"`
	Username       string    `db:"username" json:"username"`
	Email          string    `db:"email" json:"email"`
	Password       string    `db:"password" json:"-"`
	Enabled        bool      `db:"enabled" json:"enabled"`
	AccountLocked  bool      `db:"account_locked" json:"accountLocked"`
	FailedAttempts int       `db:"failed_attempts" json:"failedAttempts"`
	ExternalAuth   bool      `db:"external_auth" json:"isOAuth2User"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
	Roles          []Role    `db:"-" json:"roles"`
}

// RoleNames returns the names of the user's roles in stored order.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

// HashPassword replaces the plaintext password with its bcrypt hash.
func (u *User) HashPassword() error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(u.Password), BcryptCost)
	if err != nil {
		return err
	}
	u.Password = string(hashed)
	return nil
}

func (u *User) CheckPassword(plain string) bool {
	if u.Password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(plain)) == nil
}

// CanLogin reports whether the account may start a new session.
func (u *User) CanLogin() bool {
	return u.Enabled && !u.AccountLocked
}

// ExternalIdentity is the normalised shape of a provider profile. It lives
// for the duration of a single login exchange.
type ExternalIdentity struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"providerUserId"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	ImageURL       string `json:"imageUrl"`
}

// SplitName splits a full name on the first run of whitespace. The last
// name is empty when there is only one token.
func SplitName(full string) (first, last string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	idx := strings.IndexFunc(full, isSpace)
	if idx < 0 {
		return full, ""
	}
	return full[:idx], strings.TrimSpace(full[idx:])
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
