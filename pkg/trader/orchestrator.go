package trader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rangebreak/pkg/ibkr"
	"github.com/gregtusar/rangebreak/pkg/metrics"
	"github.com/gregtusar/rangebreak/pkg/notify"
	"github.com/gregtusar/rangebreak/pkg/store"
)

// Session is the connectivity surface the orchestrator needs from the
// session manager.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	State() ibkr.SessionState
	AccountID() string
}

// HealthReport separates connectivity from trading outcomes so "broker
// unreachable" never reads as "no trades today".
type HealthReport struct {
	Connected     bool   `json:"connected"`
	SessionState  string `json:"session_state"`
	AccountID     string `json:"account_id,omitempty"`
	Candidates    int    `json:"candidates"`
	OpenPositions int    `json:"open_positions"`
	Paused        bool   `json:"paused"`
}

// Orchestrator sequences the strategy phases. Every phase ensures
// connectivity first, and a phase failure is caught, logged and reported as
// zero/false so the next tick starts clean.
type Orchestrator struct {
	session   Session
	tracker   *RangeTracker
	trader    *Trader
	md        ibkr.MarketDataGateway
	repo      store.CandidateRepository
	positions store.PositionRepository
	sink      notify.Sink
	logger    *logrus.Logger

	paused atomic.Bool
	now    func() time.Time
}

func NewOrchestrator(session Session, tracker *RangeTracker, tr *Trader, md ibkr.MarketDataGateway,
	repo store.CandidateRepository, positions store.PositionRepository, sink notify.Sink,
	logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		session:   session,
		tracker:   tracker,
		trader:    tr,
		md:        md,
		repo:      repo,
		positions: positions,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

func (o *Orchestrator) ensureConnected(ctx context.Context) error {
	if o.session.IsConnected() {
		return nil
	}
	return o.session.Connect(ctx)
}

// runPhase is the phase boundary: failures are logged, counted and converted
// to a zero result, never propagated.
func (o *Orchestrator) runPhase(ctx context.Context, name string, fn func(ctx context.Context) (int, error)) int {
	if err := o.ensureConnected(ctx); err != nil {
		o.logger.WithError(err).WithField("phase", name).Error("Phase skipped, not connected")
		metrics.PhaseRuns.WithLabelValues(name, "error").Inc()
		return 0
	}

	n, err := fn(ctx)
	if err != nil {
		o.logger.WithError(err).WithField("phase", name).Error("Phase failed")
		metrics.PhaseRuns.WithLabelValues(name, "error").Inc()
		return 0
	}
	metrics.PhaseRuns.WithLabelValues(name, "ok").Inc()
	return n
}

// Setup purges candidates left over from previous sessions.
func (o *Orchestrator) Setup(ctx context.Context) int {
	return o.runPhase(ctx, "setup", func(ctx context.Context) (int, error) {
		purged, err := o.repo.Purge(ctx, o.now())
		if err != nil {
			return 0, err
		}
		if purged > 0 {
			o.logger.WithField("purged", purged).Info("Purged stale candidates")
		}
		return int(purged), nil
	})
}

// Scan promotes today's externally-seeded candidates: resolves contract ids
// and confirms they are watchable. Candidate discovery itself is an external
// collaborator writing to the repository.
func (o *Orchestrator) Scan(ctx context.Context) int {
	return o.runPhase(ctx, "scan", func(ctx context.Context) (int, error) {
		candidates, err := o.repo.GetTradeable(ctx, o.now())
		if err != nil {
			return 0, err
		}

		resolved := 0
		for i := range candidates {
			c := &candidates[i]
			if c.ContractID != 0 {
				resolved++
				continue
			}
			id, err := o.md.ContractID(ctx, c.Ticker)
			if err != nil {
				o.logger.WithError(err).WithField("ticker", c.Ticker).Warn("Could not resolve contract, skipping")
				continue
			}
			c.ContractID = id
			if err := o.repo.Save(ctx, c); err != nil {
				o.logger.WithError(err).WithField("ticker", c.Ticker).Error("Failed to save candidate")
				continue
			}
			resolved++
		}
		o.logger.WithFields(logrus.Fields{"candidates": len(candidates), "resolved": resolved}).Info("Scan complete")
		return resolved, nil
	})
}

// TrackRanges commits opening ranges for candidates still lacking one.
func (o *Orchestrator) TrackRanges(ctx context.Context) int {
	return o.runPhase(ctx, "track_ranges", func(ctx context.Context) (int, error) {
		candidates, err := o.repo.GetNeedingRanges(ctx, o.now())
		if err != nil {
			return 0, err
		}
		if len(candidates) == 0 {
			return 0, nil
		}
		return o.tracker.TrackOpeningRanges(ctx, candidates)
	})
}

// Trade runs the breakout entries.
func (o *Orchestrator) Trade(ctx context.Context) int {
	return o.runPhase(ctx, "trade", func(ctx context.Context) (int, error) {
		if o.paused.Load() {
			o.logger.Debug("Trading paused, skipping entries")
			return 0, nil
		}
		candidates, err := o.repo.GetTradeable(ctx, o.now())
		if err != nil {
			return 0, err
		}
		return len(o.trader.ExecuteBreakouts(ctx, candidates)), nil
	})
}

// Manage runs the exit rules over open positions.
func (o *Orchestrator) Manage(ctx context.Context) int {
	return o.runPhase(ctx, "manage", func(ctx context.Context) (int, error) {
		if o.paused.Load() {
			o.logger.Debug("Trading paused, skipping management")
			return 0, nil
		}
		return len(o.trader.ManagePositions(ctx)), nil
	})
}

// Alert sends the daily summary through the notification sink.
func (o *Orchestrator) Alert(ctx context.Context) bool {
	n := o.runPhase(ctx, "alert", func(ctx context.Context) (int, error) {
		open, err := o.positions.GetOpen(ctx)
		if err != nil {
			return 0, err
		}
		candidates, err := o.repo.GetTradeable(ctx, o.now())
		if err != nil {
			return 0, err
		}
		o.sink.NotifySummary(ctx, fmt.Sprintf("%d open positions, %d active candidates", len(open), len(candidates)))
		return 1, nil
	})
	return n > 0
}

// HealthCheck reports connectivity and book state. It never fails; an
// unreachable broker shows up as Connected=false.
func (o *Orchestrator) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		Connected:    o.session.IsConnected(),
		SessionState: o.session.State().String(),
		AccountID:    o.session.AccountID(),
		Paused:       o.paused.Load(),
	}

	if candidates, err := o.repo.GetTradeable(ctx, o.now()); err == nil {
		report.Candidates = len(candidates)
	}
	if open, err := o.positions.GetOpen(ctx); err == nil {
		report.OpenPositions = len(open)
	}
	return report
}

func (o *Orchestrator) Pause()         { o.paused.Store(true) }
func (o *Orchestrator) Resume()        { o.paused.Store(false) }
func (o *Orchestrator) IsPaused() bool { return o.paused.Load() }

// Run drives the full phase sequence once, then ticks Trade/Manage on the
// given interval until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	o.Setup(ctx)
	o.Scan(ctx)
	o.TrackRanges(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.Alert(context.Background())
			return ctx.Err()
		case <-ticker.C:
			o.TrackRanges(ctx)
			o.Trade(ctx)
			o.Manage(ctx)
		}
	}
}
