package config

import (
	"context"
	"testing"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Credentials: []CredentialSeed{
			{
				Token:       "sk-pylon-ci-0123456789",
				Description: "ci key",
				Priority:    "high",
				ExpiresAt:   "2027-01-02T15:04:05Z",
			},
			{
				Token: "sk-pylon-minimal-987654",
			},
		},
	}

	// First call seeds everything.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	cred, err := store.GetCredentialByHash(ctx, pylon.HashToken("sk-pylon-ci-0123456789"))
	if err != nil {
		t.Fatal("get credential:", err)
	}
	if cred.KeyPrefix != pylon.Prefix("sk-pylon-ci-0123456789") {
		t.Errorf("prefix = %q, want %q", cred.KeyPrefix, pylon.Prefix("sk-pylon-ci-0123456789"))
	}
	if cred.Description != "ci key" {
		t.Errorf("description = %q, want %q", cred.Description, "ci key")
	}
	if cred.Priority != pylon.PriorityHigh {
		t.Errorf("priority = %q, want %q", cred.Priority, pylon.PriorityHigh)
	}
	want, _ := time.Parse(time.RFC3339, "2027-01-02T15:04:05Z")
	if cred.ExpiresAt == nil || !cred.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", cred.ExpiresAt, want)
	}

	// The minimal seed gets the defaults.
	minimal, err := store.GetCredentialByHash(ctx, pylon.HashToken("sk-pylon-minimal-987654"))
	if err != nil {
		t.Fatal("get minimal credential:", err)
	}
	if minimal.Priority != pylon.PriorityNormal {
		t.Errorf("minimal priority = %q, want %q", minimal.Priority, pylon.PriorityNormal)
	}
	if minimal.ExpiresAt != nil {
		t.Errorf("minimal expiresAt = %v, want nil", minimal.ExpiresAt)
	}

	// Second call is idempotent -- no errors, no duplicates.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}
	counts, err := store.CountCredentials(ctx)
	if err != nil {
		t.Fatal("count credentials:", err)
	}
	if counts.Total != 2 {
		t.Errorf("credential count after second bootstrap = %d, want 2", counts.Total)
	}
}
