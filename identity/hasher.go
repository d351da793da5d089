package identity

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/senacrud/crudauth/models"
)

// PasswordHasher turns a plaintext password into a storable hash.
type PasswordHasher interface {
	Encode(plain string) (string, error)
}

// BcryptHasher hashes with bcrypt at models.BcryptCost unless Cost is set.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Encode(plain string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = models.BcryptCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
