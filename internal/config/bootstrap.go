package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage"
)

// Bootstrap seeds credentials from the config file on first run. Seeds
// whose hash already exists are skipped, so the list is safe to leave in
// place across restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, seed := range cfg.Credentials {
		hash := pylon.HashToken(seed.Token)

		existing, _ := store.GetCredentialByHash(ctx, hash)
		if existing != nil {
			continue
		}

		priority := pylon.PriorityNormal
		if seed.Priority != "" {
			priority, _ = pylon.ParsePriority(seed.Priority) // validated at load
		}

		cred := &pylon.Credential{
			ID:          uuid.Must(uuid.NewV7()).String(),
			KeyHash:     hash,
			KeyPrefix:   pylon.Prefix(seed.Token),
			Description: seed.Description,
			Priority:    priority,
			CreatedAt:   time.Now().UTC(),
		}
		if seed.ExpiresAt != "" {
			t, _ := time.Parse(time.RFC3339, seed.ExpiresAt) // validated at load
			cred.ExpiresAt = &t
		}

		if err := store.CreateCredential(ctx, cred); err != nil {
			return err
		}
		slog.Info("bootstrapped credential",
			"prefix", cred.KeyPrefix, "description", cred.Description)
	}
	return nil
}
