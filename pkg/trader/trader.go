package trader

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rangebreak/pkg/ibkr"
	"github.com/gregtusar/rangebreak/pkg/metrics"
	"github.com/gregtusar/rangebreak/pkg/models"
	"github.com/gregtusar/rangebreak/pkg/notify"
	"github.com/gregtusar/rangebreak/pkg/store"
)

// TradingConfig carries sizing and exit tunables.
type TradingConfig struct {
	// Allocation is the fixed dollar amount committed per entry.
	Allocation float64
	MaxShares  int64
	// DefaultStopPct is the fallback stop distance when a candidate has no
	// opening low.
	DefaultStopPct float64
	// PartialExitDays triggers a half exit once a position has been held
	// this many days. Zero disables the rule.
	PartialExitDays     int
	PartialExitFraction float64
}

func (c *TradingConfig) applyDefaults() {
	if c.Allocation <= 0 {
		c.Allocation = 5000
	}
	if c.MaxShares <= 0 {
		c.MaxShares = 1000
	}
	if c.DefaultStopPct <= 0 {
		c.DefaultStopPct = 0.05
	}
	if c.PartialExitFraction <= 0 {
		c.PartialExitFraction = 0.5
	}
}

// TradeEvent records one action the trader took during a pass.
type TradeEvent struct {
	Action   string
	Ticker   string
	Quantity int64
	Price    float64
	PnL      *float64
}

// Trader evaluates breakout and stop conditions against live prices and
// issues entry/exit orders.
type Trader struct {
	md        ibkr.MarketDataGateway
	orders    ibkr.OrderGateway
	repo      store.CandidateRepository
	positions store.PositionRepository
	sink      notify.Sink
	cfg       TradingConfig
	logger    *logrus.Logger

	now func() time.Time
}

func NewTrader(md ibkr.MarketDataGateway, orders ibkr.OrderGateway, repo store.CandidateRepository,
	positions store.PositionRepository, sink notify.Sink, cfg TradingConfig, logger *logrus.Logger) *Trader {
	cfg.applyDefaults()
	return &Trader{
		md:        md,
		orders:    orders,
		repo:      repo,
		positions: positions,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// positionSize returns min(floor(allocation/price), maxShares).
func (t *Trader) positionSize(price float64) int64 {
	if price <= 0 {
		return 0
	}
	qty := int64(math.Floor(t.cfg.Allocation / price))
	if qty > t.cfg.MaxShares {
		qty = t.cfg.MaxShares
	}
	return qty
}

// ExecuteBreakouts checks each candidate with a committed opening high
// against its current price and enters on a breakout. Per-candidate failures
// are skipped for the cycle and retried on the next pass.
func (t *Trader) ExecuteBreakouts(ctx context.Context, candidates []models.Candidate) []TradeEvent {
	var events []TradeEvent

	for i := range candidates {
		c := &candidates[i]
		if c.OpeningHigh <= 0 || c.Status == models.StatusEntered || c.Status == models.StatusClosed {
			continue
		}

		price, err := t.md.LastPrice(ctx, c.Ticker)
		if err != nil || price <= 0 {
			t.logger.WithError(err).WithField("ticker", c.Ticker).Debug("No usable price, skipping this cycle")
			continue
		}

		if price <= c.OpeningHigh {
			continue
		}

		quantity := t.positionSize(price)
		if quantity < 1 {
			t.logger.WithFields(logrus.Fields{"ticker": c.Ticker, "price": price}).Info("Breakout too expensive for allocation, skipping")
			continue
		}

		if c.Status != models.StatusBreakout {
			if err := t.repo.UpdateStatus(ctx, c.Ticker, c.ScanDate, models.StatusBreakout); err != nil {
				t.logger.WithError(err).WithField("ticker", c.Ticker).Error("Failed to mark breakout")
				continue
			}
			c.Status = models.StatusBreakout
		}

		t.logger.WithFields(logrus.Fields{
			"ticker":       c.Ticker,
			"price":        price,
			"opening_high": c.OpeningHigh,
			"quantity":     quantity,
		}).Info("Opening range breakout, entering")

		result, err := t.orders.PlaceOrder(ctx, models.OrderRequest{
			Ticker:   c.Ticker,
			Side:     models.OrderSideBuy,
			Quantity: quantity,
			Type:     models.OrderTypeMarket,
		})
		if err != nil {
			t.logger.WithError(err).WithField("ticker", c.Ticker).Error("Entry order failed")
			continue
		}
		if !result.Filled {
			t.logger.WithField("ticker", c.Ticker).Warn("Entry order not filled yet, will reconcile next pass")
			continue
		}

		stopLoss := c.OpeningLow
		if stopLoss <= 0 {
			stopLoss = result.FillPrice * (1 - t.cfg.DefaultStopPct)
		}

		position := &models.Position{
			Ticker:     c.Ticker,
			Quantity:   result.FilledQuantity,
			EntryPrice: result.FillPrice,
			StopLoss:   stopLoss,
			EntryDate:  t.now(),
			Status:     models.PositionOpen,
		}
		if err := t.positions.Save(ctx, position); err != nil {
			t.logger.WithError(err).WithField("ticker", c.Ticker).Error("Failed to persist position")
		}
		if err := t.repo.UpdateStatus(ctx, c.Ticker, c.ScanDate, models.StatusEntered); err != nil {
			t.logger.WithError(err).WithField("ticker", c.Ticker).Error("Failed to advance candidate to entered")
		} else {
			c.Status = models.StatusEntered
		}

		metrics.TradeEvents.WithLabelValues("entry").Inc()
		t.sink.NotifyTrade(ctx, "BUY", c.Ticker, result.FilledQuantity, result.FillPrice, nil)
		events = append(events, TradeEvent{
			Action:   "entry",
			Ticker:   c.Ticker,
			Quantity: result.FilledQuantity,
			Price:    result.FillPrice,
		})
	}
	return events
}

// ExecuteStops exits any open position whose price has fallen through its
// stop. Per-position failures are skipped for the cycle.
func (t *Trader) ExecuteStops(ctx context.Context, positions []models.Position) []TradeEvent {
	var events []TradeEvent

	for i := range positions {
		p := &positions[i]
		if !p.IsOpen() {
			continue
		}

		price, err := t.md.LastPrice(ctx, p.Ticker)
		if err != nil || price <= 0 {
			t.logger.WithError(err).WithField("ticker", p.Ticker).Debug("No usable price, skipping this cycle")
			continue
		}
		if price >= p.StopLoss {
			continue
		}

		if event := t.closePosition(ctx, p, "stop"); event != nil {
			events = append(events, *event)
		}
	}
	return events
}

// ManagePositions runs the exit rules for all open positions in one pass.
// The stop rule wins: a position whose stop fires is closed outright and the
// partial-exit rule is suppressed for it in the same pass.
func (t *Trader) ManagePositions(ctx context.Context) []TradeEvent {
	open, err := t.positions.GetOpen(ctx)
	if err != nil {
		t.logger.WithError(err).Error("Failed to load open positions")
		return nil
	}

	var events []TradeEvent
	for i := range open {
		p := &open[i]

		price, err := t.md.LastPrice(ctx, p.Ticker)
		if err != nil || price <= 0 {
			t.logger.WithError(err).WithField("ticker", p.Ticker).Debug("No usable price, skipping this cycle")
			continue
		}

		if price < p.StopLoss {
			if event := t.closePosition(ctx, p, "stop"); event != nil {
				events = append(events, *event)
			}
			continue
		}

		if t.cfg.PartialExitDays > 0 && !p.PartialDone && p.DaysHeld(t.now()) >= t.cfg.PartialExitDays {
			if event := t.partialExit(ctx, p); event != nil {
				events = append(events, *event)
			}
		}
	}
	return events
}

func (t *Trader) closePosition(ctx context.Context, p *models.Position, reason string) *TradeEvent {
	t.logger.WithFields(logrus.Fields{
		"ticker":    p.Ticker,
		"stop_loss": p.StopLoss,
		"reason":    reason,
	}).Info("Exiting position")

	result, err := t.orders.PlaceOrder(ctx, models.OrderRequest{
		Ticker:   p.Ticker,
		Side:     models.OrderSideSell,
		Quantity: p.Quantity,
		Type:     models.OrderTypeMarket,
	})
	if err != nil {
		t.logger.WithError(err).WithField("ticker", p.Ticker).Error("Exit order failed")
		return nil
	}
	if !result.Filled {
		t.logger.WithField("ticker", p.Ticker).Warn("Exit order not filled yet, will retry next pass")
		return nil
	}

	pnl := p.PnL(result.FillPrice)
	if err := p.Close(result.FillPrice, t.now()); err != nil {
		t.logger.WithError(err).WithField("ticker", p.Ticker).Error("Failed to close position")
		return nil
	}
	if err := t.positions.Update(ctx, p); err != nil {
		t.logger.WithError(err).WithField("ticker", p.Ticker).Error("Failed to persist closed position")
	}

	metrics.TradeEvents.WithLabelValues("exit").Inc()
	metrics.RealizedPnL.Add(pnl)
	t.sink.NotifyTrade(ctx, "SELL", p.Ticker, result.FilledQuantity, result.FillPrice, &pnl)

	return &TradeEvent{
		Action:   "exit",
		Ticker:   p.Ticker,
		Quantity: result.FilledQuantity,
		Price:    result.FillPrice,
		PnL:      &pnl,
	}
}

func (t *Trader) partialExit(ctx context.Context, p *models.Position) *TradeEvent {
	quantity := int64(math.Floor(float64(p.Quantity) * t.cfg.PartialExitFraction))
	if quantity < 1 {
		return nil
	}

	t.logger.WithFields(logrus.Fields{
		"ticker":   p.Ticker,
		"quantity": quantity,
		"held":     p.DaysHeld(t.now()),
	}).Info("Taking partial profit")

	result, err := t.orders.PlaceOrder(ctx, models.OrderRequest{
		Ticker:   p.Ticker,
		Side:     models.OrderSideSell,
		Quantity: quantity,
		Type:     models.OrderTypeMarket,
	})
	if err != nil {
		t.logger.WithError(err).WithField("ticker", p.Ticker).Error("Partial exit order failed")
		return nil
	}
	if !result.Filled {
		return nil
	}

	pnl := (result.FillPrice - p.EntryPrice) * float64(result.FilledQuantity)
	p.Quantity -= result.FilledQuantity
	p.PartialDone = true
	if err := t.positions.Update(ctx, p); err != nil {
		t.logger.WithError(err).WithField("ticker", p.Ticker).Error("Failed to persist partial exit")
	}

	metrics.TradeEvents.WithLabelValues("partial_exit").Inc()
	metrics.RealizedPnL.Add(pnl)
	t.sink.NotifyTrade(ctx, "SELL", p.Ticker, result.FilledQuantity, result.FillPrice, &pnl)

	return &TradeEvent{
		Action:   "partial_exit",
		Ticker:   p.Ticker,
		Quantity: result.FilledQuantity,
		Price:    result.FillPrice,
		PnL:      &pnl,
	}
}
