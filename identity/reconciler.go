package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/senacrud/crudauth/apperr"
	"github.com/senacrud/crudauth/models"
)

const (
	// MaxUsernameLength matches the users.username column.
	MaxUsernameLength   = 20
	fallbackUsername    = "user"
	fallbackFirstName   = "Usuario"
	maxUsernameAttempts = 10000
)

// UserStore is the part of the user repository the reconciler needs.
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	SaveUser(ctx context.Context, user *models.User) error
}

// RoleStore resolves the role granted to users created on first login.
type RoleStore interface {
	FindRoleByName(ctx context.Context, name string) (*models.Role, error)
}

// Reconciler maps an external identity onto a local user, creating the
// user on first login.
type Reconciler struct {
	Users       UserStore
	Roles       RoleStore
	Hasher      PasswordHasher
	DefaultRole string
	Logger      *logrus.Logger
}

// Reconcile finds the user owning ext.Email and refreshes its names, or
// registers a new externally authenticated user. Failures are either
// ErrOAuth2Processing or ErrAuthService.
func (r *Reconciler) Reconcile(ctx context.Context, ext models.ExternalIdentity) (*models.User, error) {
	user, err := r.reconcile(ctx, ext)
	if err == nil {
		return user, nil
	}
	if _, ok := apperr.As(err); ok {
		return nil, err
	}
	r.logger().WithError(err).WithField("provider", ext.Provider).Error("identity reconciliation failed")
	return nil, apperr.ErrAuthService.Wrap(err, "")
}

func (r *Reconciler) reconcile(ctx context.Context, ext models.ExternalIdentity) (*models.User, error) {
	email := strings.TrimSpace(ext.Email)
	if email == "" {
		return nil, apperr.ErrOAuth2Processing.WithMessage("Email not found from OAuth2 provider")
	}

	existing, err := r.Users.FindUserByEmail(ctx, email)
	switch {
	case err == nil:
		return r.refresh(ctx, existing, ext)
	case errors.Is(err, models.ErrUserNotFound):
		return r.register(ctx, email, ext)
	default:
		return nil, err
	}
}

func (r *Reconciler) refresh(ctx context.Context, user *models.User, ext models.ExternalIdentity) (*models.User, error) {
	if strings.TrimSpace(ext.Name) != "" {
		user.FirstName, user.LastName = models.SplitName(ext.Name)
	}
	if err := r.Users.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	r.logger().WithFields(logrus.Fields{"user_id": user.ID, "provider": ext.Provider}).Info("external login for existing user")
	return user, nil
}

func (r *Reconciler) register(ctx context.Context, email string, ext models.ExternalIdentity) (*models.User, error) {
	roleName := r.DefaultRole
	if roleName == "" {
		roleName = models.RoleClient
	}
	role, err := r.Roles.FindRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, models.ErrRoleNotFound) {
			return nil, apperr.ErrAuthService.Wrap(err, "Error: Role is not found.")
		}
		return nil, err
	}

	username, err := r.uniqueUsername(ctx, BaseUsername(email))
	if err != nil {
		return nil, err
	}
	placeholder, err := r.Hasher.Encode("external_" + uuid.NewString())
	if err != nil {
		return nil, err
	}

	first, last := models.SplitName(ext.Name)
	if first == "" {
		first = fallbackFirstName
	}
	user := &models.User{
		FirstName:    first,
		LastName:     last,
		Username:     username,
		Email:        email,
		Password:     placeholder,
		Enabled:      true,
		ExternalAuth: true,
		Roles:        []models.Role{*role},
	}
	if err := r.Users.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	r.logger().WithFields(logrus.Fields{"user_id": user.ID, "username": username, "provider": ext.Provider}).Info("registered external user")
	return user, nil
}

// uniqueUsername probes base, base1, base2, ... until the store reports
// the name free. Candidates are cut to MaxUsernameLength.
func (r *Reconciler) uniqueUsername(ctx context.Context, base string) (string, error) {
	for n := 0; n < maxUsernameAttempts; n++ {
		candidate := truncate(base, MaxUsernameLength)
		if n > 0 {
			suffix := strconv.Itoa(n)
			candidate = truncate(base, MaxUsernameLength-len(suffix)) + suffix
		}
		exists, err := r.Users.ExistsByUsername(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free username for base %q", base)
}

// BaseUsername keeps the ASCII letters and digits of the email local part.
func BaseUsername(email string) string {
	local := email
	if i := strings.Index(email, "@"); i >= 0 {
		local = email[:i]
	}
	var b strings.Builder
	for _, c := range local {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return fallbackUsername
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *Reconciler) logger() *logrus.Logger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}
