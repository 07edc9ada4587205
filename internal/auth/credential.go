// Package auth implements credential authentication for the Pylon gateway.
// Tokens are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000           // max concurrent active credentials expected per deployment
)

// CredentialValidator authenticates requests using bearer tokens with the
// "sk-" prefix. Resolved credentials are cached in an otter W-TinyLFU
// cache for fast lookups. Every failure mode returns the same
// ErrUnauthorized so callers cannot probe which factor failed.
type CredentialValidator struct {
	store    storage.CredentialStore
	cache    *otter.Cache[string, *pylon.Credential]
	idToHash sync.Map // credential ID -> hash, for invalidation by ID
}

// NewCredentialValidator returns a CredentialValidator backed by store.
func NewCredentialValidator(store storage.CredentialStore) (*CredentialValidator, error) {
	c, err := otter.New(&otter.Options[string, *pylon.Credential]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *pylon.Credential](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &CredentialValidator{store: store, cache: c}, nil
}

// Validate extracts the bearer token from the Authorization header,
// resolves it against cache or store, and returns the caller credential.
func (v *CredentialValidator) Validate(ctx context.Context, r *http.Request) (*pylon.Credential, error) {
	raw, ok := bearerToken(r)
	if !ok || !strings.HasPrefix(raw, pylon.TokenPrefix) {
		return nil, pylon.ErrUnauthorized
	}

	hash := pylon.HashToken(raw)

	if cred, ok := v.cache.GetIfPresent(hash); ok {
		// Expiry can pass while a credential sits in cache.
		if !cred.Valid() {
			v.cache.Invalidate(hash)
			return nil, pylon.ErrUnauthorized
		}
		return cred, nil
	}

	cred, err := v.store.GetCredentialByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, pylon.ErrNotFound) {
			return nil, pylon.ErrUnauthorized
		}
		// A store failure is the gateway's problem, not the caller's.
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash
	// against the computed hash. The DB lookup already matched, but this
	// guards against SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(cred.KeyHash), []byte(hash)) != 1 {
		return nil, pylon.ErrUnauthorized
	}

	if !cred.Valid() {
		return nil, pylon.ErrUnauthorized
	}

	v.cache.Set(hash, cred)
	v.idToHash.Store(cred.ID, hash)
	return cred, nil
}

// Invalidate drops a cached credential by its ID. Admin operations
// (update, revoke, refresh, delete) call this so changes take effect
// before the cache TTL would expire the entry.
func (v *CredentialValidator) Invalidate(id string) {
	if hash, ok := v.idToHash.LoadAndDelete(id); ok {
		v.cache.Invalidate(hash.(string))
	}
}

// bearerToken extracts the token from the Authorization header. The
// scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
