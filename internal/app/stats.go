package app

import (
	"context"
	"time"

	"github.com/pylonhq/pylon/internal/storage"
)

// defaultStatsWindow is how far back stats queries reach when the
// caller gives no lower bound.
const defaultStatsWindow = 7 * 24 * time.Hour

// StatsService answers usage queries over the request log.
type StatsService struct {
	store storage.RequestLogStore
}

// NewStatsService returns a StatsService backed by store.
func NewStatsService(store storage.RequestLogStore) *StatsService {
	return &StatsService{store: store}
}

// Summary is a usage aggregate with the effective time range echoed.
type Summary struct {
	Since time.Time `json:"start_time"`
	Until time.Time `json:"end_time"`
	storage.UsageSummary
}

// Summary aggregates usage over the filter's window. An unset Until
// means now; an unset Since means Until minus seven days. The
// CredentialID and APIIdentifier fields narrow the aggregate to one
// entity.
func (s *StatsService) Summary(ctx context.Context, f storage.StatsFilter) (*Summary, error) {
	f = normalizeRange(f)
	sum, err := s.store.StatsSummary(ctx, f)
	if err != nil {
		return nil, err
	}
	return &Summary{Since: f.Since, Until: f.Until, UsageSummary: *sum}, nil
}

// ByUser aggregates usage per credential, busiest first.
func (s *StatsService) ByUser(ctx context.Context, f storage.StatsFilter) ([]storage.UserUsage, error) {
	return s.store.StatsByUser(ctx, normalizeRange(f))
}

// ByAPI aggregates usage per API identifier, busiest first.
func (s *StatsService) ByAPI(ctx context.Context, f storage.StatsFilter) ([]storage.APIUsage, error) {
	return s.store.StatsByAPI(ctx, normalizeRange(f))
}

func normalizeRange(f storage.StatsFilter) storage.StatsFilter {
	if f.Until.IsZero() {
		f.Until = time.Now().UTC()
	}
	if f.Since.IsZero() {
		f.Since = f.Until.Add(-defaultStatsWindow)
	}
	return f
}
