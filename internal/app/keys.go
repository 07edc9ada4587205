// Package app implements application-level services for the Pylon gateway.
package app

import (
	"context"
	"time"

	"github.com/google/uuid"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage"
)

// KeyService owns the credential lifecycle. Every mutation runs the
// registered invalidation hooks so cached auth entries and resolved
// rate-limit rules never outlive the change.
type KeyService struct {
	store      storage.CredentialStore
	invalidate []func(id string)
}

// NewKeyService returns a KeyService backed by store. invalidate hooks
// are called with the credential ID after every successful mutation.
func NewKeyService(store storage.CredentialStore, invalidate ...func(id string)) *KeyService {
	return &KeyService{store: store, invalidate: invalidate}
}

// CreateKeyOpts holds all fields for credential creation.
type CreateKeyOpts struct {
	Description   string
	Priority      pylon.Priority // empty means NORMAL
	ExpiresInDays *int           // nil means never expires
	RateLimit     *pylon.Rule
}

// Create generates a new credential token, stores its hash, and returns
// the plaintext (shown once) along with the persisted record.
func (ks *KeyService) Create(ctx context.Context, opts CreateKeyOpts) (string, *pylon.Credential, error) {
	plaintext := pylon.GenerateToken()

	priority := opts.Priority
	if priority == "" {
		priority = pylon.PriorityNormal
	}

	var expiresAt *time.Time
	if opts.ExpiresInDays != nil {
		t := time.Now().UTC().AddDate(0, 0, *opts.ExpiresInDays)
		expiresAt = &t
	}

	cred := &pylon.Credential{
		ID:          uuid.Must(uuid.NewV7()).String(),
		KeyHash:     pylon.HashToken(plaintext),
		KeyPrefix:   pylon.Prefix(plaintext),
		Description: opts.Description,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
		RateLimit:   opts.RateLimit,
	}

	if err := ks.store.CreateCredential(ctx, cred); err != nil {
		return "", nil, err
	}
	return plaintext, cred, nil
}

// UpdateKeyOpts holds the mutable credential fields. Nil means leave
// unchanged; an all-nil RateLimit value clears the override.
type UpdateKeyOpts struct {
	Description *string
	Priority    *pylon.Priority
	ExpiresAt   *time.Time
	RateLimit   *pylon.Rule
}

// Update applies opts to the credential and returns the updated record.
func (ks *KeyService) Update(ctx context.Context, id string, opts UpdateKeyOpts) (*pylon.Credential, error) {
	cred, err := ks.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.Description != nil {
		cred.Description = *opts.Description
	}
	if opts.Priority != nil {
		cred.Priority = *opts.Priority
	}
	if opts.ExpiresAt != nil {
		cred.ExpiresAt = opts.ExpiresAt
	}
	if opts.RateLimit != nil {
		cred.RateLimit = opts.RateLimit
	}
	if err := ks.store.UpdateCredential(ctx, cred); err != nil {
		return nil, err
	}
	ks.invalidated(id)
	return cred, nil
}

// Revoke marks the credential revoked as of now.
func (ks *KeyService) Revoke(ctx context.Context, id string) (*pylon.Credential, error) {
	cred, err := ks.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cred.RevokedAt = &now
	if err := ks.store.UpdateCredential(ctx, cred); err != nil {
		return nil, err
	}
	ks.invalidated(id)
	return cred, nil
}

// Refresh replaces the credential's token, keeping the same ID and
// settings. The new plaintext is returned once.
func (ks *KeyService) Refresh(ctx context.Context, id string) (string, *pylon.Credential, error) {
	cred, err := ks.store.GetCredential(ctx, id)
	if err != nil {
		return "", nil, err
	}
	plaintext := pylon.GenerateToken()
	cred.KeyHash = pylon.HashToken(plaintext)
	cred.KeyPrefix = pylon.Prefix(plaintext)
	if err := ks.store.UpdateCredential(ctx, cred); err != nil {
		return "", nil, err
	}
	ks.invalidated(id)
	return plaintext, cred, nil
}

// Delete permanently removes the credential.
func (ks *KeyService) Delete(ctx context.Context, id string) error {
	if err := ks.store.DeleteCredential(ctx, id); err != nil {
		return err
	}
	ks.invalidated(id)
	return nil
}

func (ks *KeyService) invalidated(id string) {
	for _, fn := range ks.invalidate {
		fn(id)
	}
}
