package auth

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	pylon "github.com/pylonhq/pylon/internal"
)

func newTestAdminAuth(t *testing.T, ttl time.Duration) *AdminAuth {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return NewAdminAuth(string(hash), "test-signing-secret", ttl)
}

func TestCheckPassword(t *testing.T) {
	t.Parallel()
	a := newTestAdminAuth(t, time.Hour)

	if err := a.CheckPassword("hunter2"); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := a.CheckPassword("hunter3"); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("wrong password err = %v, want ErrUnauthorized", err)
	}
}

func TestIssueAndVerifyToken(t *testing.T) {
	t.Parallel()
	a := newTestAdminAuth(t, time.Hour)

	token, expires, err := a.IssueToken()
	if err != nil {
		t.Fatal("issue:", err)
	}
	if until := time.Until(expires); until < 59*time.Minute || until > time.Hour {
		t.Errorf("expiry %v not about an hour out", expires)
	}
	if err := a.VerifyToken(token); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	t.Parallel()
	a := newTestAdminAuth(t, -time.Minute)

	token, _, err := a.IssueToken()
	if err != nil {
		t.Fatal("issue:", err)
	}
	if err := a.VerifyToken(token); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("expired token err = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	t.Parallel()
	a := newTestAdminAuth(t, time.Hour)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   adminSubject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.VerifyToken(token); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("foreign token err = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyToken_WrongSubject(t *testing.T) {
	t.Parallel()
	a := newTestAdminAuth(t, time.Hour)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "intruder",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-signing-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.VerifyToken(token); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("wrong subject err = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyToken_NoneAlgorithm(t *testing.T) {
	t.Parallel()
	a := newTestAdminAuth(t, time.Hour)

	enc := base64.RawURLEncoding.EncodeToString
	forged := enc([]byte(`{"alg":"none","typ":"JWT"}`)) + "." +
		enc([]byte(`{"sub":"admin","exp":4102444800}`)) + "."
	if err := a.VerifyToken(forged); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("alg=none token err = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyToken_MissingExpiry(t *testing.T) {
	t.Parallel()
	a := newTestAdminAuth(t, time.Hour)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: adminSubject,
	}).SignedString([]byte("test-signing-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.VerifyToken(token); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("no-expiry token err = %v, want ErrUnauthorized", err)
	}
}

func TestAdminAuthDisabled(t *testing.T) {
	t.Parallel()
	a := NewAdminAuth("", "", time.Hour)

	if a.Enabled() {
		t.Error("empty config should disable admin auth")
	}
	if err := a.CheckPassword("anything"); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("disabled CheckPassword err = %v, want ErrUnauthorized", err)
	}
	// An empty secret must never verify a token signed with an empty key.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   adminSubject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(""))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.VerifyToken(forged); !errors.Is(err, pylon.ErrUnauthorized) {
		t.Errorf("disabled VerifyToken err = %v, want ErrUnauthorized", err)
	}
}
