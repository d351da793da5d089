package accounts

import (
	"strings"
	"unicode"

	"github.com/senacrud/crudauth/apperr"
	"github.com/senacrud/crudauth/models"
)

var signupRoleNames = map[string]string{
	"client": models.RoleClient,
	"staff":  models.RoleStaff,
}

// validatePassword wants 8+ characters with an upper case letter, a
// number and a symbol.
func validatePassword(password string) bool {
	if len(password) < 8 {
		return false
	}
	var hasUpper, hasSymbol, hasNumber bool
	if strings.ContainsAny(password, "@&#$%^*()_-+=!.?/<>[]:{}|\\;\"'~`,") {
		hasSymbol = true
	}
	for _, c := range password {
		if unicode.IsUpper(c) {
			hasUpper = true
		}
		if unicode.IsSymbol(c) || unicode.IsPunct(c) {
			hasSymbol = true
		}
		if unicode.IsNumber(c) {
			hasNumber = true
		}
	}
	return hasUpper && hasSymbol && hasNumber
}

// signupRoles maps requested role names to roles. Admin cannot be
// requested at signup.
func signupRoles(requested []string) ([]models.Role, error) {
	if len(requested) == 0 {
		return []models.Role{{Name: models.RoleClient}}, nil
	}
	seen := map[string]bool{}
	roles := make([]models.Role, 0, len(requested))
	for _, r := range requested {
		name, ok := signupRoleNames[strings.ToLower(strings.TrimSpace(r))]
		if !ok {
			return nil, apperr.ErrValidation.WithMessage("Error: Role is not found.").WithFields(map[string]any{"roles": r})
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		roles = append(roles, models.Role{Name: name})
	}
	return roles, nil
}
