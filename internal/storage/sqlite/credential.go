package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage"
)

const credentialCols = `id, key_hash, key_prefix, description, priority,
	 max_concurrent, max_requests_per_minute, max_sse_connections,
	 created_at, expires_at, revoked_at`

// CreateCredential inserts a new credential.
func (s *Store) CreateCredential(ctx context.Context, c *pylon.Credential) error {
	rule := c.RateLimit
	if rule == nil {
		rule = &pylon.Rule{}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.KeyHash, c.KeyPrefix, c.Description, string(c.Priority),
		nullInt(rule.MaxConcurrent), nullInt(rule.MaxRequestsPerMinute), nullInt(rule.MaxSSEConnections),
		c.CreatedAt.UTC().Format(time.RFC3339), timeToStr(c.ExpiresAt), timeToStr(c.RevokedAt),
	)
	return err
}

// GetCredential retrieves a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*pylon.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// GetCredentialByHash retrieves a credential by its SHA-256 token hash.
func (s *Store) GetCredentialByHash(ctx context.Context, hash string) (*pylon.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE key_hash = ?`, hash)
	return scanCredential(row)
}

// ListCredentials returns credentials newest first, per the filter.
// Revoked and expired credentials are skipped unless included.
func (s *Store) ListCredentials(ctx context.Context, f storage.CredentialFilter) ([]*pylon.Credential, error) {
	query := `SELECT ` + credentialCols + ` FROM credentials`
	var conds []string
	var args []any
	if !f.IncludeRevoked {
		conds = append(conds, `revoked_at IS NULL`)
	}
	if !f.IncludeExpired {
		conds = append(conds, `(expires_at IS NULL OR expires_at > ?)`)
		args = append(args, time.Now().UTC().Format(time.RFC3339))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*pylon.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// CountCredentials breaks the credential population down by state.
func (s *Store) CountCredentials(ctx context.Context) (storage.CredentialCounts, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var c storage.CredentialCounts
	err := s.read.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN revoked_at IS NULL
		                          AND (expires_at IS NULL OR expires_at > ?) THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN revoked_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM credentials`, now, now,
	).Scan(&c.Total, &c.Active, &c.Expired, &c.Revoked)
	return c, err
}

// UpdateCredential rewrites a credential's mutable fields. The key hash
// and prefix are included so a token refresh can rotate them in place.
func (s *Store) UpdateCredential(ctx context.Context, c *pylon.Credential) error {
	rule := c.RateLimit
	if rule == nil {
		rule = &pylon.Rule{}
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET key_hash=?, key_prefix=?, description=?, priority=?,
		 max_concurrent=?, max_requests_per_minute=?, max_sse_connections=?,
		 expires_at=?, revoked_at=? WHERE id=?`,
		c.KeyHash, c.KeyPrefix, c.Description, string(c.Priority),
		nullInt(rule.MaxConcurrent), nullInt(rule.MaxRequestsPerMinute), nullInt(rule.MaxSSEConnections),
		timeToStr(c.ExpiresAt), timeToStr(c.RevokedAt), c.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// LoadUserRule returns the per-credential rate-limit override, or nil
// when no ceiling is set.
func (s *Store) LoadUserRule(ctx context.Context, id string) (*pylon.Rule, error) {
	var maxConc, maxRPM, maxSSE sql.NullInt64
	err := s.read.QueryRowContext(ctx,
		`SELECT max_concurrent, max_requests_per_minute, max_sse_connections
		 FROM credentials WHERE id = ?`, id,
	).Scan(&maxConc, &maxRPM, &maxSSE)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if !maxConc.Valid && !maxRPM.Valid && !maxSSE.Valid {
		return nil, nil
	}
	return &pylon.Rule{
		MaxConcurrent:        intFromNull(maxConc),
		MaxRequestsPerMinute: intFromNull(maxRPM),
		MaxSSEConnections:    intFromNull(maxSSE),
	}, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(s scanner) (*pylon.Credential, error) {
	var c pylon.Credential
	var priority string
	var maxConc, maxRPM, maxSSE sql.NullInt64
	var createdAt string
	var expiresAt, revokedAt sql.NullString

	err := s.Scan(
		&c.ID, &c.KeyHash, &c.KeyPrefix, &c.Description, &priority,
		&maxConc, &maxRPM, &maxSSE, &createdAt, &expiresAt, &revokedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Priority = pylon.Priority(priority)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = t
	}
	c.ExpiresAt = parseTime(expiresAt)
	c.RevokedAt = parseTime(revokedAt)
	if maxConc.Valid || maxRPM.Valid || maxSSE.Valid {
		c.RateLimit = &pylon.Rule{
			MaxConcurrent:        intFromNull(maxConc),
			MaxRequestsPerMinute: intFromNull(maxRPM),
			MaxSSEConnections:    intFromNull(maxSSE),
		}
	}
	return &c, nil
}

// helpers

// notFoundErr translates sql.ErrNoRows to pylon.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return pylon.ErrNotFound
	}
	return err
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, pylon.ErrNotFound)
	}
	return nil
}
