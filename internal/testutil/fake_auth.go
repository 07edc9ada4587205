package testutil

import (
	"context"
	"net/http"
	"strings"
	"sync"

	pylon "github.com/pylonhq/pylon/internal"
)

// FakeValidator is an in-memory pylon.Validator keyed by raw token,
// skipping hashing so tests can wire credentials directly.
type FakeValidator struct {
	mu    sync.RWMutex
	creds map[string]*pylon.Credential
}

// NewFakeValidator returns a FakeValidator with no credentials.
func NewFakeValidator() *FakeValidator {
	return &FakeValidator{creds: make(map[string]*pylon.Credential)}
}

// Allow registers a credential for the given raw token.
func (v *FakeValidator) Allow(token string, c *pylon.Credential) {
	v.mu.Lock()
	v.creds[token] = c
	v.mu.Unlock()
}

// Validate resolves the bearer token against the registered set.
func (v *FakeValidator) Validate(_ context.Context, r *http.Request) (*pylon.Credential, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, pylon.ErrUnauthorized
	}
	v.mu.RLock()
	c, ok := v.creds[strings.TrimSpace(token)]
	v.mu.RUnlock()
	if !ok || !c.Valid() {
		return nil, pylon.ErrUnauthorized
	}
	return c, nil
}
