package sqlite

import (
	"context"
	"strings"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage"
)

// InsertRequestLogs batch-inserts request logs. A single multi-row
// INSERT avoids N round-trips for large batches.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []pylon.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	const cols = 12
	placeholders := make([]string, len(logs))
	args := make([]any, 0, len(logs)*cols)

	for i, l := range logs {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			l.ID, l.CredentialID, l.APIIdentifier, l.Method, l.Path, l.Status,
			l.RequestedAt.UTC().Format(time.RFC3339), l.RespondedAt.UTC().Format(time.RFC3339),
			l.ElapsedMs, l.ClientIP, boolToInt(l.IsSSE), l.SSEMessageCount,
		)
	}

	query := `INSERT INTO request_logs
		(id, credential_id, api_identifier, method, path, status_code,
		 requested_at, responded_at, elapsed_ms, client_ip, is_sse, sse_message_count)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// StatsSummary aggregates all request logs matching the filter.
func (s *Store) StatsSummary(ctx context.Context, f storage.StatsFilter) (*storage.UsageSummary, error) {
	where, args := statsWhere(f, "")
	var sum storage.UsageSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(is_sse), 0),
		 COALESCE(SUM(sse_message_count), 0),
		 COALESCE(AVG(CASE WHEN status_code < 400 THEN 1.0 ELSE 0.0 END), 0),
		 COALESCE(AVG(elapsed_ms), 0),
		 COALESCE(SUM(CASE WHEN status_code = 429 THEN 1 ELSE 0 END), 0)
		 FROM request_logs`+where, args...,
	).Scan(&sum.TotalRequests, &sum.SSEConnections, &sum.SSEMessages,
		&sum.SuccessRate, &sum.AvgElapsedMs, &sum.RateLimited)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// StatsByUser aggregates request logs per credential, busiest first.
// Credentials deleted since their traffic still show up with an empty
// prefix, hence the LEFT JOIN.
func (s *Store) StatsByUser(ctx context.Context, f storage.StatsFilter) ([]storage.UserUsage, error) {
	where, args := statsWhere(f, "l.")
	rows, err := s.read.QueryContext(ctx,
		`SELECT l.credential_id,
		 COALESCE(c.key_prefix, ''), COALESCE(c.description, ''),
		 COUNT(*), COALESCE(SUM(l.sse_message_count), 0),
		 COALESCE(AVG(l.elapsed_ms), 0), MAX(l.requested_at)
		 FROM request_logs l
		 LEFT JOIN credentials c ON c.id = l.credential_id`+where+`
		 GROUP BY l.credential_id ORDER BY COUNT(*) DESC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.UserUsage
	for rows.Next() {
		var u storage.UserUsage
		var last string
		err := rows.Scan(&u.CredentialID, &u.KeyPrefix, &u.Description,
			&u.Requests, &u.SSEMessages, &u.AvgElapsedMs, &last)
		if err != nil {
			return nil, err
		}
		if t, e := time.Parse(time.RFC3339, last); e == nil {
			u.LastRequestAt = t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// StatsByAPI aggregates request logs per API identifier, busiest first.
func (s *Store) StatsByAPI(ctx context.Context, f storage.StatsFilter) ([]storage.APIUsage, error) {
	where, args := statsWhere(f, "")
	rows, err := s.read.QueryContext(ctx,
		`SELECT api_identifier, COUNT(*),
		 COALESCE(SUM(sse_message_count), 0),
		 COALESCE(AVG(CASE WHEN status_code < 400 THEN 1.0 ELSE 0.0 END), 0),
		 COALESCE(AVG(elapsed_ms), 0)
		 FROM request_logs`+where+`
		 GROUP BY api_identifier ORDER BY COUNT(*) DESC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.APIUsage
	for rows.Next() {
		var a storage.APIUsage
		err := rows.Scan(&a.APIIdentifier, &a.Requests, &a.SSEMessages,
			&a.SuccessRate, &a.AvgElapsedMs)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteRequestLogsBefore removes logs older than cutoff and reports the
// number of rows deleted.
func (s *Store) DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM request_logs WHERE requested_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// statsWhere builds the WHERE clause for a stats filter. prefix
// qualifies column names in joined queries.
func statsWhere(f storage.StatsFilter, prefix string) (string, []any) {
	var clauses []string
	var args []any
	if !f.Since.IsZero() {
		clauses = append(clauses, prefix+"requested_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, prefix+"requested_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	if f.CredentialID != "" {
		clauses = append(clauses, prefix+"credential_id = ?")
		args = append(args, f.CredentialID)
	}
	if f.APIIdentifier != "" {
		clauses = append(clauses, prefix+"api_identifier = ?")
		args = append(args, f.APIIdentifier)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
