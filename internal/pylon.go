// Package pylon defines domain types and interfaces for the Pylon proxy
// gateway. This package has no project imports -- it is the dependency root.
package pylon

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Priorities ---

// Priority controls queue admission order and preemption rights.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Rank orders priorities for admission: HIGH before NORMAL before LOW.
// Unknown values rank as NORMAL.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ParsePriority normalises s to a Priority, rejecting unknown values.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", ErrInvalidPriority
}

// --- Credentials ---

// Credential is a caller-facing API key record. The raw token is never
// stored; only its SHA-256 hash and a short display prefix survive.
type Credential struct {
	ID          string     `json:"id"`
	KeyHash     string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix   string     `json:"key_prefix"` // first 7 chars for display
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	RateLimit   *Rule      `json:"rate_limit,omitempty"` // per-credential override
}

// Expired reports whether the credential has an expiry in the past.
func (c *Credential) Expired() bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now().UTC())
}

// Revoked reports whether the credential has been revoked.
func (c *Credential) Revoked() bool { return c.RevokedAt != nil }

// Valid reports whether the credential is neither expired nor revoked.
func (c *Credential) Valid() bool { return !c.Expired() && !c.Revoked() }

// --- Rate-limit rules ---

// Rule is a set of rate-limit ceilings. A nil field leaves that level
// unconstrained; the zero value constrains nothing. The same shape serves
// both full rules (config) and per-credential partial overrides.
type Rule struct {
	MaxConcurrent        *int `json:"max_concurrent" yaml:"maxConcurrent"`
	MaxRequestsPerMinute *int `json:"max_requests_per_minute" yaml:"maxRequestsPerMinute"`
	MaxSSEConnections    *int `json:"max_sse_connections" yaml:"maxSseConnections"`
}

// Merge returns r with any non-nil field of override taking precedence.
func (r Rule) Merge(override *Rule) Rule {
	if override == nil {
		return r
	}
	if override.MaxConcurrent != nil {
		r.MaxConcurrent = override.MaxConcurrent
	}
	if override.MaxRequestsPerMinute != nil {
		r.MaxRequestsPerMinute = override.MaxRequestsPerMinute
	}
	if override.MaxSSEConnections != nil {
		r.MaxSSEConnections = override.MaxSSEConnections
	}
	return r
}

// --- Request logs ---

// RequestLog records one completed proxy request for usage accounting.
type RequestLog struct {
	ID              string    `json:"id"`
	CredentialID    string    `json:"api_key_id"`
	APIIdentifier   string    `json:"api_identifier"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	Status          int       `json:"status_code"`
	RequestedAt     time.Time `json:"request_time"`
	RespondedAt     time.Time `json:"response_time"`
	ElapsedMs       int64     `json:"elapsed_ms"`
	ClientIP        string    `json:"client_ip"`
	IsSSE           bool      `json:"is_sse"`
	SSEMessageCount int       `json:"sse_message_count"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Credential field is set later by the validator via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID  string
	Credential *Credential
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// CredentialFromContext extracts the authenticated credential from ctx.
func CredentialFromContext(ctx context.Context) *Credential {
	if m := metaFromContext(ctx); m != nil {
		return m.Credential
	}
	return nil
}

// ContextWithCredential stores the credential in the existing requestMeta
// if present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithCredential(ctx context.Context, c *Credential) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Credential = c
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Credential: c})
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Tokens ---

// TokenPrefix starts every Pylon credential token.
const TokenPrefix = "sk-"

// DisplayPrefixLen is how many characters of a token are kept in clear
// for display.
const DisplayPrefixLen = 7

const (
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	tokenLen      = 32
)

// GenerateToken creates a random credential token: "sk-" followed by 32
// characters from [a-z0-9].
func GenerateToken() string {
	buf := make([]byte, tokenLen)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return TokenPrefix + string(buf)
}

// HashToken returns the hex-encoded SHA-256 hash of a raw token.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Prefix returns the display prefix of a raw token.
func Prefix(raw string) string {
	if len(raw) <= DisplayPrefixLen {
		return raw
	}
	return raw[:DisplayPrefixLen]
}

// --- Validator interface ---

// Validator authenticates proxy requests and returns the caller credential.
type Validator interface {
	Validate(ctx context.Context, r *http.Request) (*Credential, error)
}
