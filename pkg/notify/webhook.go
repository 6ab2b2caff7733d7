// Package notify delivers fire-and-forget trade notifications to a chat
// webhook. Delivery failures are logged and never propagated; trading must not
// stall on the messaging side.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Sink interface {
	NotifyTrade(ctx context.Context, action, ticker string, quantity int64, price float64, pnl *float64)
	NotifySummary(ctx context.Context, text string)
}

type WebhookSink struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewWebhookSink(url string, logger *logrus.Logger) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type tradeMessage struct {
	ID        string   `json:"id"`
	Action    string   `json:"action"`
	Ticker    string   `json:"ticker"`
	Quantity  int64    `json:"quantity"`
	Price     float64  `json:"price"`
	PnL       *float64 `json:"pnl,omitempty"`
	Text      string   `json:"text"`
	Timestamp string   `json:"timestamp"`
}

func (w *WebhookSink) NotifyTrade(ctx context.Context, action, ticker string, quantity int64, price float64, pnl *float64) {
	text := fmt.Sprintf("%s %d %s @ %.2f", action, quantity, ticker, price)
	if pnl != nil {
		text += fmt.Sprintf(" (pnl %.2f)", *pnl)
	}

	w.post(ctx, tradeMessage{
		ID:        uuid.NewString(),
		Action:    action,
		Ticker:    ticker,
		Quantity:  quantity,
		Price:     price,
		PnL:       pnl,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (w *WebhookSink) NotifySummary(ctx context.Context, text string) {
	w.post(ctx, tradeMessage{
		ID:        uuid.NewString(),
		Action:    "summary",
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (w *WebhookSink) post(ctx context.Context, msg tradeMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		w.logger.WithError(err).Error("Failed to encode notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		w.logger.WithError(err).Error("Failed to build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.WithError(err).Warn("Notification delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.WithField("status", resp.StatusCode).Warn("Notification rejected")
	}
}

// NopSink is used when no webhook is configured.
type NopSink struct{}

func (NopSink) NotifyTrade(context.Context, string, string, int64, float64, *float64) {}
func (NopSink) NotifySummary(context.Context, string)                                 {}
