package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasswordTooShort   = errors.New("password must be at least 12 characters")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

const (
	bcryptCost        = 12
	minPasswordLength = 12
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// CheckPassword compares a password with its hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// AdminAuthenticator checks the single configured admin account.
type AdminAuthenticator struct {
	email        string
	passwordHash string
	tokens       *JWTService
}

func NewAdminAuthenticator(email, passwordHash string, tokens *JWTService) *AdminAuthenticator {
	return &AdminAuthenticator{
		email:        strings.ToLower(strings.TrimSpace(email)),
		passwordHash: passwordHash,
		tokens:       tokens,
	}
}

// Login returns an admin access token for valid credentials.
func (a *AdminAuthenticator) Login(email, password string) (string, time.Time, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	emailOK := subtle.ConstantTimeCompare([]byte(email), []byte(a.email)) == 1
	// bcrypt runs even when the e-mail is wrong.
	passwordOK := CheckPassword(password, a.passwordHash)
	if !emailOK || !passwordOK || a.email == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return a.tokens.GenerateAccessToken(a.email, RoleAdmin)
}

func (a *AdminAuthenticator) Tokens() *JWTService {
	return a.tokens
}
