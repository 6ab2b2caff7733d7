package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/rangebreak/pkg/models"
)

func day(offset int) time.Time {
	base := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, offset)
}

func seed(t *testing.T, s *MemoryStore, ticker string, scanDate time.Time, status models.CandidateStatus) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), &models.Candidate{
		Ticker:   ticker,
		ScanDate: scanDate,
		Status:   status,
	}))
}

func TestPurgeIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "OLDA", day(-3), models.StatusWatching)
	seed(t, s, "OLDB", day(-1), models.StatusClosed)
	seed(t, s, "KEEP", day(0), models.StatusWatching)

	purged, err := s.Purge(context.Background(), day(0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	purged, err = s.Purge(context.Background(), day(0))
	require.NoError(t, err)
	assert.Zero(t, purged, "second purge with the same cutoff removes nothing")

	got, err := s.GetTradeable(context.Background(), day(0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "KEEP", got[0].Ticker)
}

func TestGetTradeableFiltersDayAndStatus(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "WTCH", day(0), models.StatusWatching)
	seed(t, s, "TRCK", day(0), models.StatusTracking)
	seed(t, s, "BRKO", day(0), models.StatusBreakout)
	seed(t, s, "DONE", day(0), models.StatusEntered)
	seed(t, s, "YSTR", day(-1), models.StatusWatching)

	got, err := s.GetTradeable(context.Background(), day(0))
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Sorted by ticker for deterministic iteration.
	assert.Equal(t, "BRKO", got[0].Ticker)
	assert.Equal(t, "TRCK", got[1].Ticker)
	assert.Equal(t, "WTCH", got[2].Ticker)
}

func TestGetNeedingRangesExcludesCommitted(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "NEED", day(0), models.StatusWatching)
	require.NoError(t, s.Save(context.Background(), &models.Candidate{
		Ticker:      "HAVE",
		ScanDate:    day(0),
		Status:      models.StatusWatching,
		OpeningHigh: 51.0,
		OpeningLow:  50.0,
	}))

	got, err := s.GetNeedingRanges(context.Background(), day(0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "NEED", got[0].Ticker)
}

func TestUpdateStatusEnforcesForwardOnly(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "AAPL", day(0), models.StatusWatching)

	require.NoError(t, s.UpdateStatus(context.Background(), "AAPL", day(0), models.StatusEntered))
	assert.Error(t, s.UpdateStatus(context.Background(), "AAPL", day(0), models.StatusWatching))
	assert.Error(t, s.UpdateStatus(context.Background(), "AAPL", day(0), models.CandidateStatus("bogus")))
	assert.Error(t, s.UpdateStatus(context.Background(), "MISSING", day(0), models.StatusTracking))

	got, err := s.GetNeedingRanges(context.Background(), day(0))
	require.NoError(t, err)
	assert.Empty(t, got, "entered candidate no longer needs a range")
}

func TestSaveOpeningRange(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "AAPL", day(0), models.StatusWatching)

	require.NoError(t, s.SaveOpeningRange(context.Background(), "AAPL", day(0), 188.0, 185.5))
	assert.Error(t, s.SaveOpeningRange(context.Background(), "MISSING", day(0), 1, 1))

	got, err := s.GetTradeable(context.Background(), day(0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 188.0, got[0].OpeningHigh)
	assert.Equal(t, 185.5, got[0].OpeningLow)
}

func TestSameTickerCoexistsAcrossDays(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "AAPL", day(-1), models.StatusEntered)
	seed(t, s, "AAPL", day(0), models.StatusWatching)

	today, err := s.GetTradeable(context.Background(), day(0))
	require.NoError(t, err)
	require.Len(t, today, 1, "a re-scan does not overwrite the prior day's row")
	assert.Equal(t, models.StatusWatching, today[0].Status)

	purged, err := s.Purge(context.Background(), day(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged, "only yesterday's row is purged")
}

func TestWritesScopedToOneDay(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "AAPL", day(-1), models.StatusWatching)
	seed(t, s, "AAPL", day(0), models.StatusWatching)

	require.NoError(t, s.SaveOpeningRange(context.Background(), "AAPL", day(0), 188.0, 185.5))
	require.NoError(t, s.UpdateStatus(context.Background(), "AAPL", day(0), models.StatusTracking))

	yesterday, err := s.GetNeedingRanges(context.Background(), day(-1))
	require.NoError(t, err)
	require.Len(t, yesterday, 1, "the prior day's row is untouched")
	assert.Equal(t, models.StatusWatching, yesterday[0].Status)
	assert.False(t, yesterday[0].HasRange())

	today, err := s.GetTradeable(context.Background(), day(0))
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, models.StatusTracking, today[0].Status)
	assert.Equal(t, 188.0, today[0].OpeningHigh)
}

func TestPositionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	repo := s.Positions()

	p := models.Position{
		Ticker:     "AAPL",
		Quantity:   100,
		EntryPrice: 10.0,
		StopLoss:   9.5,
		EntryDate:  day(0),
		Status:     models.PositionOpen,
	}
	require.NoError(t, repo.Save(context.Background(), &p))
	assert.NotZero(t, p.ID, "save assigns an id")

	open, err := repo.GetOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, p.Close(9.4, day(1)))
	require.NoError(t, repo.Update(context.Background(), &p))

	open, err = repo.GetOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	missing := models.Position{ID: 999, Ticker: "GONE", Status: models.PositionOpen}
	assert.Error(t, repo.Update(context.Background(), &missing))
}

func TestSaveCopiesCandidate(t *testing.T) {
	s := NewMemoryStore()
	c := models.Candidate{Ticker: "AAPL", ScanDate: day(0), Status: models.StatusWatching}
	require.NoError(t, s.Save(context.Background(), &c))

	// Mutating the caller's value must not reach the store.
	c.Status = models.StatusClosed

	got, err := s.GetTradeable(context.Background(), day(0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusWatching, got[0].Status)
}
