// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
)

// CredentialFilter narrows ListCredentials. The zero value lists only
// live credentials with no pagination; Limit <= 0 means no limit.
type CredentialFilter struct {
	IncludeRevoked bool
	IncludeExpired bool
	Offset         int
	Limit          int
}

// CredentialCounts breaks down the credential population. Active means
// neither revoked nor expired; a revoked credential past its expiry
// counts under both Revoked and Expired.
type CredentialCounts struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Expired int64 `json:"expired"`
	Revoked int64 `json:"revoked"`
}

// CredentialStore manages credential persistence.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *pylon.Credential) error
	GetCredential(ctx context.Context, id string) (*pylon.Credential, error)
	GetCredentialByHash(ctx context.Context, hash string) (*pylon.Credential, error)
	ListCredentials(ctx context.Context, f CredentialFilter) ([]*pylon.Credential, error)
	CountCredentials(ctx context.Context) (CredentialCounts, error)
	UpdateCredential(ctx context.Context, c *pylon.Credential) error
	DeleteCredential(ctx context.Context, id string) error

	// LoadUserRule returns the per-credential rate-limit override, or
	// nil when the credential has none. Satisfies ratelimit.RuleLoader.
	LoadUserRule(ctx context.Context, id string) (*pylon.Rule, error)
}

// StatsFilter bounds usage aggregations. Zero times mean unbounded;
// CredentialID / APIIdentifier restrict grouped queries to one entity.
type StatsFilter struct {
	Since         time.Time
	Until         time.Time
	CredentialID  string
	APIIdentifier string
}

// UsageSummary is the gateway-wide usage aggregate.
type UsageSummary struct {
	TotalRequests  int64   `json:"total_requests"`
	SSEConnections int64   `json:"sse_connections"`
	SSEMessages    int64   `json:"sse_messages"`
	SuccessRate    float64 `json:"success_rate"`
	AvgElapsedMs   float64 `json:"avg_elapsed_ms"`
	RateLimited    int64   `json:"rate_limited"`
}

// UserUsage is the per-credential usage aggregate.
type UserUsage struct {
	CredentialID  string    `json:"api_key_id"`
	KeyPrefix     string    `json:"key_prefix"`
	Description   string    `json:"description"`
	Requests      int64     `json:"requests"`
	SSEMessages   int64     `json:"sse_messages"`
	AvgElapsedMs  float64   `json:"avg_elapsed_ms"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// APIUsage is the per-route usage aggregate.
type APIUsage struct {
	APIIdentifier string  `json:"api_identifier"`
	Requests      int64   `json:"requests"`
	SSEMessages   int64   `json:"sse_messages"`
	SuccessRate   float64 `json:"success_rate"`
	AvgElapsedMs  float64 `json:"avg_elapsed_ms"`
}

// RequestLogStore manages request-log persistence and aggregation.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []pylon.RequestLog) error
	StatsSummary(ctx context.Context, f StatsFilter) (*UsageSummary, error)
	StatsByUser(ctx context.Context, f StatsFilter) ([]UserUsage, error)
	StatsByAPI(ctx context.Context, f StatsFilter) ([]APIUsage, error)

	// DeleteRequestLogsBefore removes logs older than cutoff and reports
	// how many rows went away.
	DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	CredentialStore
	RequestLogStore
	Ping(ctx context.Context) error
	Close() error
}
