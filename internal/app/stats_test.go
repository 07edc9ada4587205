package app

import (
	"context"
	"testing"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/storage"
)

// fakeLogStore records the filter it was queried with.
type fakeLogStore struct {
	gotFilter storage.StatsFilter
	summary   storage.UsageSummary
}

func (s *fakeLogStore) InsertRequestLogs(context.Context, []pylon.RequestLog) error { return nil }

func (s *fakeLogStore) StatsSummary(_ context.Context, f storage.StatsFilter) (*storage.UsageSummary, error) {
	s.gotFilter = f
	sum := s.summary
	return &sum, nil
}

func (s *fakeLogStore) StatsByUser(_ context.Context, f storage.StatsFilter) ([]storage.UserUsage, error) {
	s.gotFilter = f
	return nil, nil
}

func (s *fakeLogStore) StatsByAPI(_ context.Context, f storage.StatsFilter) ([]storage.APIUsage, error) {
	s.gotFilter = f
	return nil, nil
}

func (s *fakeLogStore) DeleteRequestLogsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func TestStatsSummary_DefaultWindow(t *testing.T) {
	t.Parallel()

	store := &fakeLogStore{summary: storage.UsageSummary{TotalRequests: 12}}
	svc := NewStatsService(store)

	before := time.Now().UTC()
	sum, err := svc.Summary(context.Background(), storage.StatsFilter{})
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now().UTC()

	if sum.TotalRequests != 12 {
		t.Errorf("total = %d, want 12", sum.TotalRequests)
	}
	if sum.Until.Before(before) || sum.Until.After(after) {
		t.Errorf("until = %v, want about now", sum.Until)
	}
	if want := sum.Until.Add(-7 * 24 * time.Hour); !sum.Since.Equal(want) {
		t.Errorf("since = %v, want %v", sum.Since, want)
	}
	if !store.gotFilter.Since.Equal(sum.Since) || !store.gotFilter.Until.Equal(sum.Until) {
		t.Error("store should see the normalized range")
	}
}

func TestStatsSummary_ExplicitRange(t *testing.T) {
	t.Parallel()

	store := &fakeLogStore{}
	svc := NewStatsService(store)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	sum, err := svc.Summary(context.Background(), storage.StatsFilter{
		Since: since, Until: until, CredentialID: "cred-9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Since.Equal(since) || !sum.Until.Equal(until) {
		t.Errorf("range = [%v, %v], want [%v, %v]", sum.Since, sum.Until, since, until)
	}
	if store.gotFilter.CredentialID != "cred-9" {
		t.Errorf("credential filter = %q, want cred-9", store.gotFilter.CredentialID)
	}
}

func TestStatsGrouped_NormalizeRange(t *testing.T) {
	t.Parallel()

	store := &fakeLogStore{}
	svc := NewStatsService(store)

	if _, err := svc.ByUser(context.Background(), storage.StatsFilter{}); err != nil {
		t.Fatal(err)
	}
	if store.gotFilter.Since.IsZero() || store.gotFilter.Until.IsZero() {
		t.Error("ByUser should normalize the range")
	}

	store.gotFilter = storage.StatsFilter{}
	if _, err := svc.ByAPI(context.Background(), storage.StatsFilter{}); err != nil {
		t.Fatal(err)
	}
	if store.gotFilter.Since.IsZero() || store.gotFilter.Until.IsZero() {
		t.Error("ByAPI should normalize the range")
	}
}
