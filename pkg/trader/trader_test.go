package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/rangebreak/pkg/models"
	"github.com/gregtusar/rangebreak/pkg/store"
)

// fakeMarketData serves canned prices and snapshots.
type fakeMarketData struct {
	mu     sync.Mutex
	prices map[string]float64
	highs  map[string]float64
	lows   map[string]float64
}

func newFakeMarketData() *fakeMarketData {
	return &fakeMarketData{
		prices: make(map[string]float64),
		highs:  make(map[string]float64),
		lows:   make(map[string]float64),
	}
}

func (f *fakeMarketData) ContractID(ctx context.Context, ticker string) (int64, error) {
	return 1000, nil
}

func (f *fakeMarketData) LastPrice(ctx context.Context, ticker string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[ticker]
	if !ok {
		return 0, fmt.Errorf("no price for %s", ticker)
	}
	return price, nil
}

func (f *fakeMarketData) Snapshot(ctx context.Context, ticker string) (*models.MarketData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[ticker]
	if !ok {
		return nil, fmt.Errorf("no data for %s", ticker)
	}
	return &models.MarketData{
		Ticker:    ticker,
		LastPrice: price,
		High:      f.highs[ticker],
		Low:       f.lows[ticker],
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeMarketData) SnapshotBatch(ctx context.Context, tickers []string) map[string]*models.MarketData {
	out := make(map[string]*models.MarketData, len(tickers))
	for _, ticker := range tickers {
		snap, err := f.Snapshot(ctx, ticker)
		if err != nil {
			snap = nil
		}
		out[ticker] = snap
	}
	return out
}

// fakeOrderGateway fills every order at the configured price.
type fakeOrderGateway struct {
	mu        sync.Mutex
	fillPrice map[string]float64
	placed    []models.OrderRequest
	failFor   map[string]bool
}

func newFakeOrderGateway() *fakeOrderGateway {
	return &fakeOrderGateway{
		fillPrice: make(map[string]float64),
		failFor:   make(map[string]bool),
	}
}

func (f *fakeOrderGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[req.Ticker] {
		return nil, fmt.Errorf("order rejected for %s", req.Ticker)
	}
	f.placed = append(f.placed, req)
	return &models.OrderResult{
		OrderID:        fmt.Sprintf("ord-%d", len(f.placed)),
		Status:         models.OrderStatusFilled,
		Filled:         true,
		FillPrice:      f.fillPrice[req.Ticker],
		FilledQuantity: req.Quantity,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeOrderGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return true, nil
}

func (f *fakeOrderGateway) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return nil, nil
}

func (f *fakeOrderGateway) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	return nil, nil
}

func (f *fakeOrderGateway) AccountBalance(ctx context.Context) (float64, error) {
	return 100000, nil
}

func (f *fakeOrderGateway) orders() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OrderRequest, len(f.placed))
	copy(out, f.placed)
	return out
}

// fakeSink records notifications.
type fakeSink struct {
	mu     sync.Mutex
	trades []string
}

func (f *fakeSink) NotifyTrade(ctx context.Context, action, ticker string, quantity int64, price float64, pnl *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, fmt.Sprintf("%s %s %d", action, ticker, quantity))
}

func (f *fakeSink) NotifySummary(ctx context.Context, text string) {}

type traderFixture struct {
	md     *fakeMarketData
	orders *fakeOrderGateway
	mem    *store.MemoryStore
	sink   *fakeSink
	trader *Trader
}

func newTraderFixture(t *testing.T, cfg TradingConfig) *traderFixture {
	t.Helper()
	md := newFakeMarketData()
	orders := newFakeOrderGateway()
	mem := store.NewMemoryStore()
	sink := &fakeSink{}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return &traderFixture{
		md:     md,
		orders: orders,
		mem:    mem,
		sink:   sink,
		trader: NewTrader(md, orders, mem, mem.Positions(), sink, cfg, logger),
	}
}

func (fx *traderFixture) seedCandidate(t *testing.T, c models.Candidate) models.Candidate {
	t.Helper()
	if c.ScanDate.IsZero() {
		c.ScanDate = time.Now()
	}
	if c.Status == "" {
		c.Status = models.StatusTracking
	}
	require.NoError(t, fx.mem.Save(context.Background(), &c))
	return c
}

func TestBreakoutEntersWithSizedOrder(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000})
	c := fx.seedCandidate(t, models.Candidate{Ticker: "BRKO", OpeningHigh: 50.0, OpeningLow: 49.0})
	fx.md.prices["BRKO"] = 50.5
	fx.orders.fillPrice["BRKO"] = 50.5

	events := fx.trader.ExecuteBreakouts(context.Background(), []models.Candidate{c})

	require.Len(t, events, 1)
	assert.Equal(t, "entry", events[0].Action)
	assert.Equal(t, int64(99), events[0].Quantity, "floor(5000/50.5)")

	placed := fx.orders.orders()
	require.Len(t, placed, 1)
	assert.Equal(t, models.OrderSideBuy, placed[0].Side)
	assert.Equal(t, models.OrderTypeMarket, placed[0].Type)
	assert.Equal(t, int64(99), placed[0].Quantity)

	open, err := fx.mem.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 49.0, open[0].StopLoss, "stop rests at the opening low")
	assert.Equal(t, 50.5, open[0].EntryPrice)

	got, err := fx.mem.GetTradeable(context.Background(), time.Now())
	require.NoError(t, err)
	require.Empty(t, got, "entered candidates are no longer tradeable")
}

func TestNoBreakoutBelowOpeningHigh(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000})
	c := fx.seedCandidate(t, models.Candidate{Ticker: "FLAT", OpeningHigh: 50.0, OpeningLow: 49.0})
	fx.md.prices["FLAT"] = 49.9

	events := fx.trader.ExecuteBreakouts(context.Background(), []models.Candidate{c})

	require.Empty(t, events)
	require.Empty(t, fx.orders.orders(), "no order at or below the opening high")

	got, err := fx.mem.GetTradeable(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.StatusTracking, got[0].Status, "status unchanged")
}

func TestBreakoutQuantityCappedAtMaxShares(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000})
	c := fx.seedCandidate(t, models.Candidate{Ticker: "PENY", OpeningHigh: 1.0, OpeningLow: 0.9})
	fx.md.prices["PENY"] = 1.10
	fx.orders.fillPrice["PENY"] = 1.10

	events := fx.trader.ExecuteBreakouts(context.Background(), []models.Candidate{c})

	require.Len(t, events, 1)
	assert.Equal(t, int64(1000), events[0].Quantity)
}

func TestBreakoutSkipsWhenAllocationTooSmall(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 100, MaxShares: 1000})
	c := fx.seedCandidate(t, models.Candidate{Ticker: "SPNY", OpeningHigh: 150.0, OpeningLow: 140.0})
	fx.md.prices["SPNY"] = 151.0

	events := fx.trader.ExecuteBreakouts(context.Background(), []models.Candidate{c})

	require.Empty(t, events)
	require.Empty(t, fx.orders.orders())
}

func TestBreakoutFallsBackToDefaultStop(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000, DefaultStopPct: 0.05})
	c := fx.seedCandidate(t, models.Candidate{Ticker: "NOLW", OpeningHigh: 20.0})
	fx.md.prices["NOLW"] = 20.5
	fx.orders.fillPrice["NOLW"] = 20.5

	events := fx.trader.ExecuteBreakouts(context.Background(), []models.Candidate{c})
	require.Len(t, events, 1)

	open, err := fx.mem.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 20.5*0.95, open[0].StopLoss, 1e-9)
}

func TestMissingPriceSkipsCandidateForCycle(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000})
	c := fx.seedCandidate(t, models.Candidate{Ticker: "GONE", OpeningHigh: 50.0, OpeningLow: 49.0})
	// No price configured.

	events := fx.trader.ExecuteBreakouts(context.Background(), []models.Candidate{c})

	require.Empty(t, events)
	require.Empty(t, fx.orders.orders())

	got, err := fx.mem.GetTradeable(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1, "candidate stays for the next pass")
}

func TestStopClosesPositionWithPnL(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000})
	position := models.Position{
		Ticker:     "STOP",
		Quantity:   100,
		EntryPrice: 10.0,
		StopLoss:   9.5,
		EntryDate:  time.Now(),
		Status:     models.PositionOpen,
	}
	require.NoError(t, fx.mem.SavePosition(context.Background(), &position))
	fx.md.prices["STOP"] = 9.4
	fx.orders.fillPrice["STOP"] = 9.4

	events := fx.trader.ExecuteStops(context.Background(), []models.Position{position})

	require.Len(t, events, 1)
	assert.Equal(t, "exit", events[0].Action)
	require.NotNil(t, events[0].PnL)
	assert.InDelta(t, -60.0, *events[0].PnL, 1e-9)

	open, err := fx.mem.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Empty(t, open, "position is closed after the stop fill")
}

func TestStopNotTriggeredAboveStopLoss(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000})
	position := models.Position{
		Ticker:     "HOLD",
		Quantity:   100,
		EntryPrice: 10.0,
		StopLoss:   9.5,
		EntryDate:  time.Now(),
		Status:     models.PositionOpen,
	}
	require.NoError(t, fx.mem.SavePosition(context.Background(), &position))
	fx.md.prices["HOLD"] = 9.5

	events := fx.trader.ExecuteStops(context.Background(), []models.Position{position})

	require.Empty(t, events, "price at the stop is not through the stop")
	require.Empty(t, fx.orders.orders())
}

func TestStopSuppressesPartialExitInSamePass(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{
		Allocation:      5000,
		MaxShares:       1000,
		PartialExitDays: 2,
	})
	position := models.Position{
		Ticker:     "BOTH",
		Quantity:   100,
		EntryPrice: 10.0,
		StopLoss:   9.5,
		EntryDate:  time.Now().AddDate(0, 0, -5),
		Status:     models.PositionOpen,
	}
	require.NoError(t, fx.mem.SavePosition(context.Background(), &position))
	fx.md.prices["BOTH"] = 9.4
	fx.orders.fillPrice["BOTH"] = 9.4

	events := fx.trader.ManagePositions(context.Background())

	require.Len(t, events, 1, "only the stop fires")
	assert.Equal(t, "exit", events[0].Action)

	placed := fx.orders.orders()
	require.Len(t, placed, 1)
	assert.Equal(t, int64(100), placed[0].Quantity, "the stop sells the full quantity")
}

func TestPartialExitAfterHoldingPeriod(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{
		Allocation:      5000,
		MaxShares:       1000,
		PartialExitDays: 2,
	})
	position := models.Position{
		Ticker:     "TRIM",
		Quantity:   100,
		EntryPrice: 10.0,
		StopLoss:   9.0,
		EntryDate:  time.Now().AddDate(0, 0, -3),
		Status:     models.PositionOpen,
	}
	require.NoError(t, fx.mem.SavePosition(context.Background(), &position))
	fx.md.prices["TRIM"] = 11.0
	fx.orders.fillPrice["TRIM"] = 11.0

	events := fx.trader.ManagePositions(context.Background())

	require.Len(t, events, 1)
	assert.Equal(t, "partial_exit", events[0].Action)
	assert.Equal(t, int64(50), events[0].Quantity)

	open, err := fx.mem.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(50), open[0].Quantity)
	assert.True(t, open[0].PartialDone)

	// The rule fires once per position.
	events = fx.trader.ManagePositions(context.Background())
	require.Empty(t, events)
}

func TestFailedOrderIsolatedPerCandidate(t *testing.T) {
	fx := newTraderFixture(t, TradingConfig{Allocation: 5000, MaxShares: 1000})
	bad := fx.seedCandidate(t, models.Candidate{Ticker: "BADX", OpeningHigh: 10.0, OpeningLow: 9.0})
	good := fx.seedCandidate(t, models.Candidate{Ticker: "GOOD", OpeningHigh: 10.0, OpeningLow: 9.0})
	fx.md.prices["BADX"] = 10.5
	fx.md.prices["GOOD"] = 10.5
	fx.orders.fillPrice["GOOD"] = 10.5
	fx.orders.failFor["BADX"] = true

	events := fx.trader.ExecuteBreakouts(context.Background(), []models.Candidate{bad, good})

	require.Len(t, events, 1, "one bad candidate never blocks the batch")
	assert.Equal(t, "GOOD", events[0].Ticker)
}
