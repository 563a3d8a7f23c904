package auth

import (
	"errors"
	"fmt"

	"techdispatch/dispatch-service/internal/store"

	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLength = 4
	// MaxPasswordLength is bcrypt's input limit in bytes.
	MaxPasswordLength = 72
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", fmt.Errorf("%w: password must be at most %d bytes", store.ErrInvalidInput, MaxPasswordLength)
	}
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength || len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password must be %d to %d bytes", store.ErrInvalidInput, MinPasswordLength, MaxPasswordLength)
	}
	return nil
}
