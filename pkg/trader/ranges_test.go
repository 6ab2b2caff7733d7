package trader

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/rangebreak/pkg/models"
	"github.com/gregtusar/rangebreak/pkg/store"
)

func newTestRangeTracker(t *testing.T, md *fakeMarketData, mem *store.MemoryStore, at time.Time) *RangeTracker {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	rt := NewRangeTracker(md, mem, RangeConfig{
		SessionOpen: "09:30",
		Duration:    10 * time.Minute,
		Location:    time.UTC,
	}, logger)
	rt.now = func() time.Time { return at }
	return rt
}

func rangeDay(hour, min int) time.Time {
	return time.Date(2026, 3, 9, hour, min, 0, 0, time.UTC)
}

func TestTrackOpeningRangesCommitsHighLow(t *testing.T) {
	md := newFakeMarketData()
	mem := store.NewMemoryStore()
	rt := newTestRangeTracker(t, md, mem, rangeDay(10, 0))

	c := models.Candidate{Ticker: "AAPL", Status: models.StatusWatching, ScanDate: rangeDay(9, 0)}
	require.NoError(t, mem.Save(context.Background(), &c))
	md.prices["AAPL"] = 187.2
	md.highs["AAPL"] = 188.0
	md.lows["AAPL"] = 185.5

	committed, err := rt.TrackOpeningRanges(context.Background(), []models.Candidate{c})
	require.NoError(t, err)
	assert.Equal(t, 1, committed)

	got, err := mem.GetTradeable(context.Background(), rangeDay(9, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusTracking, got[0].Status)
	assert.Equal(t, 188.0, got[0].OpeningHigh)
	assert.Equal(t, 185.5, got[0].OpeningLow)
}

func TestTrackOpeningRangesNoWaitPastWindow(t *testing.T) {
	md := newFakeMarketData()
	mem := store.NewMemoryStore()
	// 14:00 is well past 09:40; the call must return promptly.
	rt := newTestRangeTracker(t, md, mem, rangeDay(14, 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rt.TrackOpeningRanges(context.Background(), nil)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker blocked although the window had already passed")
	}
}

func TestTrackOpeningRangesWaitInterruptible(t *testing.T) {
	md := newFakeMarketData()
	mem := store.NewMemoryStore()
	// Before the window: the tracker would wait until 09:40.
	rt := newTestRangeTracker(t, md, mem, rangeDay(9, 0))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rt.TrackOpeningRanges(ctx, nil)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not interrupt the wait")
	}
}

func TestTrackOpeningRangesSkipsUnavailableRange(t *testing.T) {
	md := newFakeMarketData()
	mem := store.NewMemoryStore()
	rt := newTestRangeTracker(t, md, mem, rangeDay(10, 0))

	c := models.Candidate{Ticker: "ZERO", Status: models.StatusWatching, ScanDate: rangeDay(9, 0)}
	require.NoError(t, mem.Save(context.Background(), &c))
	md.prices["ZERO"] = 12.0
	md.highs["ZERO"] = 0
	md.lows["ZERO"] = 0

	committed, err := rt.TrackOpeningRanges(context.Background(), []models.Candidate{c})
	require.NoError(t, err)
	assert.Zero(t, committed)

	pending, err := mem.GetNeedingRanges(context.Background(), rangeDay(9, 0))
	require.NoError(t, err)
	require.Len(t, pending, 1, "candidate left for a later pass")
}

func TestTrackOpeningRangesIgnoresFailedSnapshots(t *testing.T) {
	md := newFakeMarketData()
	mem := store.NewMemoryStore()
	rt := newTestRangeTracker(t, md, mem, rangeDay(10, 0))

	ok := models.Candidate{Ticker: "OKOK", Status: models.StatusWatching, ScanDate: rangeDay(9, 0)}
	bad := models.Candidate{Ticker: "FAIL", Status: models.StatusWatching, ScanDate: rangeDay(9, 0)}
	require.NoError(t, mem.Save(context.Background(), &ok))
	require.NoError(t, mem.Save(context.Background(), &bad))

	md.prices["OKOK"] = 30.0
	md.highs["OKOK"] = 31.0
	md.lows["OKOK"] = 29.0
	// FAIL never gets a price, so its snapshot comes back nil.

	committed, err := rt.TrackOpeningRanges(context.Background(), []models.Candidate{ok, bad})
	require.NoError(t, err)
	assert.Equal(t, 1, committed)
}

func TestTrackOpeningRangesSkipsCommittedCandidates(t *testing.T) {
	md := newFakeMarketData()
	mem := store.NewMemoryStore()
	rt := newTestRangeTracker(t, md, mem, rangeDay(10, 0))

	c := models.Candidate{
		Ticker:      "DONE",
		Status:      models.StatusTracking,
		ScanDate:    rangeDay(9, 0),
		OpeningHigh: 55.0,
		OpeningLow:  54.0,
	}
	require.NoError(t, mem.Save(context.Background(), &c))

	committed, err := rt.TrackOpeningRanges(context.Background(), []models.Candidate{c})
	require.NoError(t, err)
	assert.Zero(t, committed, "a committed range is never resampled")
}
