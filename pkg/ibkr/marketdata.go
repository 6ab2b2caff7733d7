package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rangebreak/pkg/models"
)

// Vendor numeric field codes for snapshot rows. Mapped to named MarketData
// fields here at the gateway boundary and nowhere else.
const (
	fieldLast       = "31"
	fieldHigh       = "70"
	fieldLow        = "71"
	fieldBid        = "84"
	fieldAsk        = "86"
	fieldVolume     = "87"
	fieldOpen       = "7295"
	fieldPriorClose = "7741"
)

var snapshotFields = strings.Join([]string{
	fieldLast, fieldHigh, fieldLow, fieldBid, fieldAsk, fieldVolume, fieldOpen, fieldPriorClose,
}, ",")

// MarketDataGateway resolves instruments and serves normalized snapshots.
type MarketDataGateway interface {
	ContractID(ctx context.Context, ticker string) (int64, error)
	LastPrice(ctx context.Context, ticker string) (float64, error)
	Snapshot(ctx context.Context, ticker string) (*models.MarketData, error)
	SnapshotBatch(ctx context.Context, tickers []string) map[string]*models.MarketData
}

type marketDataClient struct {
	exec   *Executor
	stream *QuoteStream // optional live-price cache
	logger *logrus.Logger

	// conid cache is append-only: a racing first resolution may duplicate a
	// lookup but converges on the same value.
	mu     sync.RWMutex
	conids map[string]int64
}

func NewMarketDataGateway(exec *Executor, stream *QuoteStream, logger *logrus.Logger) MarketDataGateway {
	return &marketDataClient{
		exec:   exec,
		stream: stream,
		logger: logger,
		conids: make(map[string]int64),
	}
}

func (m *marketDataClient) ContractID(ctx context.Context, ticker string) (int64, error) {
	m.mu.RLock()
	id, ok := m.conids[ticker]
	m.mu.RUnlock()
	if ok {
		m.maybeSubscribe(ctx, ticker, id)
		return id, nil
	}

	params := url.Values{}
	params.Set("symbol", ticker)
	params.Set("secType", "STK")
	raw, err := m.exec.Execute(ctx, http.MethodGet, "/iserver/secdef/search", nil, params)
	if err != nil {
		return 0, fmt.Errorf("contract search for %s: %w", ticker, err)
	}

	id, err = parseContractID(raw)
	if err != nil {
		return 0, fmt.Errorf("contract search for %s: %w", ticker, err)
	}

	m.mu.Lock()
	m.conids[ticker] = id
	m.mu.Unlock()

	m.maybeSubscribe(ctx, ticker, id)
	return id, nil
}

// maybeSubscribe registers the instrument on the streaming feed. Best effort:
// the stream is only a cache and REST remains the source of truth, so a feed
// that is down never fails a resolution.
func (m *marketDataClient) maybeSubscribe(ctx context.Context, ticker string, conid int64) {
	if m.stream == nil {
		return
	}
	if err := m.stream.Subscribe(ctx, ticker, conid); err != nil {
		m.logger.WithError(err).WithField("ticker", ticker).Debug("Quote stream subscription unavailable")
	}
}

// LastPrice prefers the streaming quote cache and falls back to a REST
// snapshot.
func (m *marketDataClient) LastPrice(ctx context.Context, ticker string) (float64, error) {
	if m.stream != nil {
		if price, ok := m.stream.LastPrice(ticker); ok {
			return price, nil
		}
	}

	snap, err := m.Snapshot(ctx, ticker)
	if err != nil {
		return 0, err
	}
	if !snap.HasPrice() {
		return 0, fmt.Errorf("no price available for %s", ticker)
	}
	return snap.LastPrice, nil
}

func (m *marketDataClient) Snapshot(ctx context.Context, ticker string) (*models.MarketData, error) {
	conid, err := m.ContractID(ctx, ticker)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("conids", strconv.FormatInt(conid, 10))
	params.Set("fields", snapshotFields)
	raw, err := m.exec.Execute(ctx, http.MethodGet, "/iserver/marketdata/snapshot", nil, params)
	if err != nil {
		return nil, fmt.Errorf("snapshot for %s: %w", ticker, err)
	}

	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &ShapeError{Payload: truncate(raw)}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty snapshot for %s", ticker)
	}

	return mapSnapshotRow(ticker, rows[0]), nil
}

// SnapshotBatch fans out one fetch per ticker. A single ticker's failure
// yields a nil entry without aborting the batch.
func (m *marketDataClient) SnapshotBatch(ctx context.Context, tickers []string) map[string]*models.MarketData {
	out := make(map[string]*models.MarketData, len(tickers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ticker := range tickers {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			snap, err := m.Snapshot(ctx, t)
			if err != nil {
				m.logger.WithError(err).WithField("ticker", t).Warn("Snapshot failed, skipping ticker")
				snap = nil
			}
			mu.Lock()
			out[t] = snap
			mu.Unlock()
		}(ticker)
	}
	wg.Wait()
	return out
}

// mapSnapshotRow translates vendor field codes into the named model. Values
// arrive as strings or numbers depending on gateway version.
func mapSnapshotRow(ticker string, row map[string]json.RawMessage) *models.MarketData {
	return &models.MarketData{
		Ticker:     ticker,
		LastPrice:  numericField(row, fieldLast),
		High:       numericField(row, fieldHigh),
		Low:        numericField(row, fieldLow),
		Bid:        numericField(row, fieldBid),
		Ask:        numericField(row, fieldAsk),
		Volume:     numericField(row, fieldVolume),
		Open:       numericField(row, fieldOpen),
		PriorClose: numericField(row, fieldPriorClose),
		Timestamp:  time.Now(),
	}
}

func numericField(row map[string]json.RawMessage, code string) float64 {
	raw, ok := row[code]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		// Halted or pre-open quotes carry prefixes like "C" or "H".
		s = strings.TrimLeft(s, "CH")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
