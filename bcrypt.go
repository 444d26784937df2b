package identity

import (
	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the adaptive cost factor used for new password hashes.
var BcryptCost = 14

// HashPassword will generate a password hash with an embedded random salt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", goerrors.New("password must not be empty", goerrors.CategoryValidation).
			WithTextCode("EMPTY_PASSWORD").
			WithCode(goerrors.CodeBadRequest)
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	return string(h), err
}

// VerifyPassword validates the given cleartext password against the stored
// digest. The comparison is constant time with respect to digest content. A
// malformed digest fails closed: callers only ever see ErrInvalidCredentials,
// never a signal that would leak digest format information.
func VerifyPassword(password, digest string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)); err != nil {
		// Mismatch and malformed digest collapse into the same error so the
		// caller cannot tell whether the stored hash was even parseable.
		return ErrInvalidCredentials
	}
	return nil
}
