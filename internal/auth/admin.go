package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	pylon "github.com/pylonhq/pylon/internal"
)

// adminSubject is the sub claim carried by every admin session token.
const adminSubject = "admin"

// AdminAuth guards the admin API: a bcrypt password check at login and
// HS256 session tokens after. When no password hash is configured the
// admin API runs open, which is the local-development mode.
type AdminAuth struct {
	passwordHash []byte
	secret       []byte
	ttl          time.Duration
}

// NewAdminAuth builds an AdminAuth from the configured bcrypt hash and
// signing secret. Config validation guarantees both are set together.
func NewAdminAuth(passwordHash, secret string, ttl time.Duration) *AdminAuth {
	return &AdminAuth{
		passwordHash: []byte(passwordHash),
		secret:       []byte(secret),
		ttl:          ttl,
	}
}

// Enabled reports whether admin authentication is configured.
func (a *AdminAuth) Enabled() bool { return len(a.secret) > 0 }

// CheckPassword compares password against the configured bcrypt hash.
func (a *AdminAuth) CheckPassword(password string) error {
	if !a.Enabled() {
		return pylon.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return pylon.ErrUnauthorized
	}
	return nil
}

// IssueToken mints a signed session token and returns it with its
// expiry time.
func (a *AdminAuth) IssueToken() (string, time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// VerifyToken checks a session token's signature, expiry, and subject.
// An empty secret never verifies: HMAC over an empty key is still a
// valid HMAC, so the guard cannot be left to the jwt library.
func (a *AdminAuth) VerifyToken(raw string) error {
	if !a.Enabled() {
		return pylon.ErrUnauthorized
	}
	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithSubject(adminSubject),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return pylon.ErrUnauthorized
	}
	return nil
}
