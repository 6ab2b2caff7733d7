package trader

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rangebreak/pkg/ibkr"
	"github.com/gregtusar/rangebreak/pkg/models"
	"github.com/gregtusar/rangebreak/pkg/store"
)

// RangeConfig controls when the opening range is sampled.
type RangeConfig struct {
	// SessionOpen is the local wall-clock open, e.g. "09:30".
	SessionOpen string
	// Duration after open at which the range is committed.
	Duration time.Duration
	Location *time.Location
}

func (c *RangeConfig) applyDefaults() {
	if c.SessionOpen == "" {
		c.SessionOpen = "09:30"
	}
	if c.Duration <= 0 {
		c.Duration = 10 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// RangeTracker samples market data a fixed delay after session open to commit
// each candidate's opening high/low.
type RangeTracker struct {
	md     ibkr.MarketDataGateway
	repo   store.CandidateRepository
	cfg    RangeConfig
	logger *logrus.Logger

	now func() time.Time
}

func NewRangeTracker(md ibkr.MarketDataGateway, repo store.CandidateRepository, cfg RangeConfig, logger *logrus.Logger) *RangeTracker {
	cfg.applyDefaults()
	return &RangeTracker{
		md:     md,
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// TrackOpeningRanges waits until session-open plus the configured duration,
// then fetches a batched snapshot for every candidate still lacking a range
// and persists the committed high/low. Returns how many ranges were
// committed.
func (rt *RangeTracker) TrackOpeningRanges(ctx context.Context, candidates []models.Candidate) (int, error) {
	if err := rt.waitForTarget(ctx); err != nil {
		return 0, err
	}

	var pending []string
	byTicker := make(map[string]*models.Candidate, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.HasRange() {
			continue
		}
		pending = append(pending, c.Ticker)
		byTicker[c.Ticker] = c
	}
	if len(pending) == 0 {
		return 0, nil
	}

	snapshots := rt.md.SnapshotBatch(ctx, pending)

	committed := 0
	for ticker, snap := range snapshots {
		if snap == nil {
			continue
		}
		c, ok := byTicker[ticker]
		if !ok {
			continue
		}
		// Non-positive high/low means the range is not yet available;
		// leave it unset for a later pass.
		if snap.High <= 0 || snap.Low <= 0 {
			rt.logger.WithField("ticker", ticker).Debug("Opening range not yet available")
			continue
		}

		if err := rt.repo.SaveOpeningRange(ctx, ticker, c.ScanDate, snap.High, snap.Low); err != nil {
			rt.logger.WithError(err).WithField("ticker", ticker).Error("Failed to persist opening range")
			continue
		}
		if err := rt.repo.UpdateStatus(ctx, ticker, c.ScanDate, models.StatusTracking); err != nil {
			rt.logger.WithError(err).WithField("ticker", ticker).Error("Failed to advance candidate")
			continue
		}

		c.OpeningHigh = snap.High
		c.OpeningLow = snap.Low
		c.Status = models.StatusTracking

		rt.logger.WithFields(logrus.Fields{
			"ticker": ticker,
			"high":   snap.High,
			"low":    snap.Low,
		}).Info("Opening range committed")
		committed++
	}
	return committed, nil
}

// waitForTarget suspends until session-open + duration. No-op when the
// target has already passed; interruptible so shutdown never hangs here.
func (rt *RangeTracker) waitForTarget(ctx context.Context) error {
	target, err := rt.targetTime()
	if err != nil {
		return err
	}

	now := rt.now()
	if !now.Before(target) {
		return nil
	}

	wait := target.Sub(now)
	rt.logger.WithField("wait", wait.Round(time.Second)).Info("Waiting for opening range window")

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rt *RangeTracker) targetTime() (time.Time, error) {
	open, err := time.ParseInLocation("15:04", rt.cfg.SessionOpen, rt.cfg.Location)
	if err != nil {
		return time.Time{}, err
	}
	now := rt.now().In(rt.cfg.Location)
	openToday := time.Date(now.Year(), now.Month(), now.Day(), open.Hour(), open.Minute(), 0, 0, rt.cfg.Location)
	return openToday.Add(rt.cfg.Duration), nil
}
