// Package testutil provides in-memory fakes for testing.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu    sync.RWMutex
	creds map[string]*pylon.Credential
	logs  []pylon.RequestLog

	PingErr error // returned by Ping when non-nil
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{creds: make(map[string]*pylon.Credential)}
}

// AddCredential inserts a credential into the fake store.
func (s *FakeStore) AddCredential(c *pylon.Credential) {
	s.mu.Lock()
	s.creds[c.ID] = c
	s.mu.Unlock()
}

// Logs returns a copy of all recorded request logs.
func (s *FakeStore) Logs() []pylon.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pylon.RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// --- CredentialStore ---

// CreateCredential stores a credential, rejecting duplicate IDs and hashes.
func (s *FakeStore) CreateCredential(_ context.Context, c *pylon.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.ID]; ok {
		return pylon.ErrConflict
	}
	for _, existing := range s.creds {
		if existing.KeyHash == c.KeyHash {
			return pylon.ErrConflict
		}
	}
	s.creds[c.ID] = c
	return nil
}

// GetCredential looks up a credential by ID.
func (s *FakeStore) GetCredential(_ context.Context, id string) (*pylon.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, pylon.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetCredentialByHash looks up a credential by its token hash.
func (s *FakeStore) GetCredentialByHash(_ context.Context, hash string) (*pylon.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds {
		if c.KeyHash == hash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, pylon.ErrNotFound
}

// ListCredentials returns stored credentials per the filter, newest first.
func (s *FakeStore) ListCredentials(_ context.Context, f storage.CredentialFilter) ([]*pylon.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pylon.Credential
	for _, c := range s.creds {
		if !f.IncludeRevoked && c.Revoked() {
			continue
		}
		if !f.IncludeExpired && c.Expired() {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountCredentials tallies the credential population.
func (s *FakeStore) CountCredentials(context.Context) (storage.CredentialCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts storage.CredentialCounts
	for _, c := range s.creds {
		counts.Total++
		if c.Revoked() {
			counts.Revoked++
		}
		if c.Expired() {
			counts.Expired++
		}
		if c.Valid() {
			counts.Active++
		}
	}
	return counts, nil
}

// UpdateCredential replaces a stored credential.
func (s *FakeStore) UpdateCredential(_ context.Context, c *pylon.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.ID]; !ok {
		return pylon.ErrNotFound
	}
	cp := *c
	s.creds[c.ID] = &cp
	return nil
}

// DeleteCredential removes a credential by ID.
func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return pylon.ErrNotFound
	}
	delete(s.creds, id)
	return nil
}

// LoadUserRule returns the credential's rate-limit override, nil when
// it has none.
func (s *FakeStore) LoadUserRule(_ context.Context, id string) (*pylon.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, pylon.ErrNotFound
	}
	return c.RateLimit, nil
}

// --- RequestLogStore ---

// InsertRequestLogs appends a batch of request logs.
func (s *FakeStore) InsertRequestLogs(_ context.Context, logs []pylon.RequestLog) error {
	s.mu.Lock()
	s.logs = append(s.logs, logs...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) matching(f storage.StatsFilter) []pylon.RequestLog {
	var out []pylon.RequestLog
	for _, l := range s.logs {
		if !f.Since.IsZero() && l.RequestedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !l.RequestedAt.Before(f.Until) {
			continue
		}
		if f.CredentialID != "" && l.CredentialID != f.CredentialID {
			continue
		}
		if f.APIIdentifier != "" && l.APIIdentifier != f.APIIdentifier {
			continue
		}
		out = append(out, l)
	}
	return out
}

// StatsSummary aggregates matching logs.
func (s *FakeStore) StatsSummary(_ context.Context, f storage.StatsFilter) (*storage.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum storage.UsageSummary
	var ok int64
	var elapsed int64
	for _, l := range s.matching(f) {
		sum.TotalRequests++
		sum.SSEMessages += int64(l.SSEMessageCount)
		if l.IsSSE {
			sum.SSEConnections++
		}
		if l.Status < 400 {
			ok++
		}
		if l.Status == 429 {
			sum.RateLimited++
		}
		elapsed += l.ElapsedMs
	}
	if sum.TotalRequests > 0 {
		sum.SuccessRate = float64(ok) / float64(sum.TotalRequests)
		sum.AvgElapsedMs = float64(elapsed) / float64(sum.TotalRequests)
	}
	return &sum, nil
}

// StatsByUser aggregates matching logs per credential, busiest first.
func (s *FakeStore) StatsByUser(_ context.Context, f storage.StatsFilter) ([]storage.UserUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := make(map[string]*storage.UserUsage)
	elapsed := make(map[string]int64)
	for _, l := range s.matching(f) {
		u, ok := byUser[l.CredentialID]
		if !ok {
			u = &storage.UserUsage{CredentialID: l.CredentialID}
			if c := s.creds[l.CredentialID]; c != nil {
				u.KeyPrefix = c.KeyPrefix
				u.Description = c.Description
			}
			byUser[l.CredentialID] = u
		}
		u.Requests++
		u.SSEMessages += int64(l.SSEMessageCount)
		if l.RequestedAt.After(u.LastRequestAt) {
			u.LastRequestAt = l.RequestedAt
		}
		elapsed[l.CredentialID] += l.ElapsedMs
	}
	var out []storage.UserUsage
	for id, u := range byUser {
		u.AvgElapsedMs = float64(elapsed[id]) / float64(u.Requests)
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requests > out[j].Requests })
	return out, nil
}

// StatsByAPI aggregates matching logs per API identifier, busiest first.
func (s *FakeStore) StatsByAPI(_ context.Context, f storage.StatsFilter) ([]storage.APIUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAPI := make(map[string]*storage.APIUsage)
	okCount := make(map[string]int64)
	elapsed := make(map[string]int64)
	for _, l := range s.matching(f) {
		u, ok := byAPI[l.APIIdentifier]
		if !ok {
			u = &storage.APIUsage{APIIdentifier: l.APIIdentifier}
			byAPI[l.APIIdentifier] = u
		}
		u.Requests++
		u.SSEMessages += int64(l.SSEMessageCount)
		if l.Status < 400 {
			okCount[l.APIIdentifier]++
		}
		elapsed[l.APIIdentifier] += l.ElapsedMs
	}
	var out []storage.APIUsage
	for id, u := range byAPI {
		u.SuccessRate = float64(okCount[id]) / float64(u.Requests)
		u.AvgElapsedMs = float64(elapsed[id]) / float64(u.Requests)
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requests > out[j].Requests })
	return out, nil
}

// DeleteRequestLogsBefore drops logs older than cutoff.
func (s *FakeStore) DeleteRequestLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var deleted int64
	for _, l := range s.logs {
		if l.RequestedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return deleted, nil
}

// Ping returns PingErr.
func (s *FakeStore) Ping(context.Context) error { return s.PingErr }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
