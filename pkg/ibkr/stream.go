package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// QuoteStream maintains a websocket subscription to the broker's streaming
// quote feed and caches last prices by ticker. It is a best-effort cache:
// callers fall back to REST snapshots when a ticker has no streamed quote.
type QuoteStream struct {
	url    string
	exec   *Executor
	logger *logrus.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	subscriptions map[int64]string // conid -> ticker

	pmu    sync.RWMutex
	prices map[string]float64
}

func NewQuoteStream(url string, exec *Executor, logger *logrus.Logger) *QuoteStream {
	return &QuoteStream{
		url:           url,
		exec:          exec,
		logger:        logger,
		subscriptions: make(map[int64]string),
		prices:        make(map[string]float64),
	}
}

// Connect dials the feed and authenticates with the current session token.
// Already-connected calls are no-ops; after a reconnect, prior subscriptions
// are re-sent.
func (qs *QuoteStream) Connect(ctx context.Context) error {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.connected {
		return nil
	}

	token := qs.exec.Token()
	if token.Empty() {
		return fmt.Errorf("quote stream requires an active session token")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, qs.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to quote stream: %w", err)
	}

	auth := map[string]string{"session": token.Token}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("quote stream auth: %w", err)
	}

	qs.conn = conn
	qs.connected = true

	for conid := range qs.subscriptions {
		if err := qs.subscribeLocked(conid); err != nil {
			qs.logger.WithError(err).WithField("conid", conid).Warn("Failed to resubscribe streamed quote")
		}
	}

	go qs.readLoop(ctx, conn)
	go qs.keepAlive(ctx, conn)

	return nil
}

// Subscribe requests streamed quotes for one instrument, connecting first if
// needed. Re-subscribing an already-tracked instrument is a no-op.
func (qs *QuoteStream) Subscribe(ctx context.Context, ticker string, conid int64) error {
	if err := qs.Connect(ctx); err != nil {
		return err
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()

	if !qs.connected {
		return fmt.Errorf("quote stream not connected")
	}
	if existing, ok := qs.subscriptions[conid]; ok && existing == ticker {
		return nil
	}

	qs.subscriptions[conid] = ticker
	return qs.subscribeLocked(conid)
}

func (qs *QuoteStream) subscribeLocked(conid int64) error {
	msg := fmt.Sprintf(`smd+%d+{"fields":["%s"]}`, conid, fieldLast)
	return qs.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// LastPrice returns the cached streamed price for a ticker, if any.
func (qs *QuoteStream) LastPrice(ticker string) (float64, bool) {
	qs.pmu.RLock()
	defer qs.pmu.RUnlock()
	price, ok := qs.prices[ticker]
	return price, ok && price > 0
}

type streamQuote struct {
	ConID int64           `json:"conid"`
	Last  json.RawMessage `json:"31"`
}

// readLoop serves exactly one connection, captured at Connect time so a
// reconnect never races the conn field.
func (qs *QuoteStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, raw, err := conn.ReadMessage()
			if err != nil {
				qs.logger.WithError(err).Error("Failed to read quote stream message")
				qs.handleDisconnect()
				return
			}

			var quote streamQuote
			if err := json.Unmarshal(raw, &quote); err != nil || quote.ConID == 0 || quote.Last == nil {
				continue
			}

			qs.mu.Lock()
			ticker, ok := qs.subscriptions[quote.ConID]
			qs.mu.Unlock()
			if !ok {
				continue
			}

			if price := parseStreamPrice(quote.Last); price > 0 {
				qs.pmu.Lock()
				qs.prices[ticker] = price
				qs.pmu.Unlock()
			}
		}
	}
}

func (qs *QuoteStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			qs.mu.Lock()
			if !qs.connected || qs.conn != conn {
				// Superseded by a reconnect; the new connection has
				// its own keepalive.
				qs.mu.Unlock()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("tic")); err != nil {
				qs.logger.WithError(err).Error("Failed to ping quote stream")
				qs.mu.Unlock()
				qs.handleDisconnect()
				return
			}
			qs.mu.Unlock()
		}
	}
}

func (qs *QuoteStream) handleDisconnect() {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	qs.connected = false
	if qs.conn != nil {
		qs.conn.Close()
	}
}

func (qs *QuoteStream) Close() {
	qs.handleDisconnect()
}

func parseStreamPrice(raw json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
