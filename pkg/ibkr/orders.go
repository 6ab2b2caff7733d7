package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rangebreak/pkg/metrics"
	"github.com/gregtusar/rangebreak/pkg/models"
)

// OrderGateway submits and tracks orders for the connected account.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)
	Positions(ctx context.Context) ([]models.BrokerPosition, error)
	AccountBalance(ctx context.Context) (float64, error)
}

type orderClient struct {
	exec    *Executor
	session *SessionManager
	md      MarketDataGateway
	logger  *logrus.Logger

	fillPollInterval time.Duration
	fillPollAttempts int
}

func NewOrderGateway(exec *Executor, session *SessionManager, md MarketDataGateway, logger *logrus.Logger) OrderGateway {
	return &orderClient{
		exec:             exec,
		session:          session,
		md:               md,
		logger:           logger,
		fillPollInterval: time.Second,
		fillPollAttempts: 5,
	}
}

type orderSubmitRow struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Message     []string `json:"message"`
}

type orderStatusResponse struct {
	OrderStatus string  `json:"order_status"`
	AvgPrice    jsonNum `json:"average_price"`
}

// PlaceOrder submits the order, walks the broker's confirmation-prompt reply
// chain, then polls briefly for a fill. The result reports Filled only on a
// confirmed fill.
func (o *orderClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	accountID := o.session.AccountID()
	if accountID == "" {
		return nil, &ConnectionError{Op: "place order", Err: fmt.Errorf("no connected account")}
	}

	conid, err := o.md.ContractID(ctx, req.Ticker)
	if err != nil {
		return nil, err
	}

	clientOrderID := uuid.NewString()
	body := map[string]interface{}{
		"acctId":    accountID,
		"conid":     conid,
		"orderType": string(req.Type),
		"side":      string(req.Side),
		"quantity":  req.Quantity,
		"tif":       "DAY",
		"cOID":      clientOrderID,
	}
	if req.Type == models.OrderTypeLimit {
		body["price"] = req.LimitPrice
	}
	if req.Type == models.OrderTypeStop {
		body["auxPrice"] = req.StopPrice
	}

	raw, err := o.exec.Execute(ctx, http.MethodPost,
		fmt.Sprintf("/iserver/account/%s/orders", accountID),
		map[string]interface{}{"orders": []map[string]interface{}{body}}, nil)
	if err != nil {
		return nil, err
	}

	orderID, err := o.resolveSubmission(ctx, raw)
	if err != nil {
		return nil, err
	}

	metrics.Orders.WithLabelValues(string(req.Side)).Inc()
	o.logger.WithFields(logrus.Fields{
		"ticker":   req.Ticker,
		"side":     req.Side,
		"quantity": req.Quantity,
		"order_id": orderID,
	}).Info("Order submitted")

	result := &models.OrderResult{
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
		Status:        models.OrderStatusSubmitted,
		CreatedAt:     time.Now(),
	}
	o.pollFill(ctx, result, req.Quantity)
	return result, nil
}

// resolveSubmission answers any confirmation prompts until an order id comes
// back. The prompt chain is bounded; an unresolved chain is a client error.
func (o *orderClient) resolveSubmission(ctx context.Context, raw json.RawMessage) (string, error) {
	for depth := 0; depth < 3; depth++ {
		var rows []orderSubmitRow
		if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
			return "", &ShapeError{Payload: truncate(raw)}
		}
		row := rows[0]
		if row.OrderID != "" {
			return row.OrderID, nil
		}
		if row.ID == "" {
			return "", &ShapeError{Payload: truncate(raw)}
		}

		o.logger.WithField("prompt", row.Message).Debug("Confirming order prompt")
		var err error
		raw, err = o.exec.Execute(ctx, http.MethodPost,
			fmt.Sprintf("/iserver/reply/%s", row.ID),
			map[string]bool{"confirmed": true}, nil)
		if err != nil {
			return "", err
		}
	}
	return "", &ClientError{StatusCode: http.StatusUnprocessableEntity, Path: "/iserver/reply", Body: "confirmation chain not resolved"}
}

func (o *orderClient) pollFill(ctx context.Context, result *models.OrderResult, quantity int64) {
	for attempt := 0; attempt < o.fillPollAttempts; attempt++ {
		if err := o.exec.sleep(ctx, o.fillPollInterval); err != nil {
			return
		}

		raw, err := o.exec.Execute(ctx, http.MethodGet,
			fmt.Sprintf("/iserver/account/order/status/%s", result.OrderID), nil, nil)
		if err != nil {
			o.logger.WithError(err).WithField("order_id", result.OrderID).Warn("Order status check failed")
			continue
		}

		var status orderStatusResponse
		if err := json.Unmarshal(raw, &status); err != nil {
			continue
		}
		if status.OrderStatus == "Filled" {
			result.Status = models.OrderStatusFilled
			result.Filled = true
			result.FillPrice = float64(status.AvgPrice)
			result.FilledQuantity = quantity
			return
		}
	}
}

func (o *orderClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	accountID := o.session.AccountID()
	if accountID == "" {
		return false, &ConnectionError{Op: "cancel order", Err: fmt.Errorf("no connected account")}
	}
	_, err := o.exec.Execute(ctx, http.MethodDelete,
		fmt.Sprintf("/iserver/account/%s/order/%s", accountID, orderID), nil, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

type openOrdersResponse struct {
	Orders []struct {
		OrderID   json.Number `json:"orderId"`
		Ticker    string      `json:"ticker"`
		Side      string      `json:"side"`
		OrderType string      `json:"orderType"`
		TotalSize jsonNum     `json:"totalSize"`
		Remaining jsonNum     `json:"remainingQuantity"`
		Price     jsonNum     `json:"price"`
		Status    string      `json:"status"`
	} `json:"orders"`
}

func (o *orderClient) OpenOrders(ctx context.Context) ([]models.Order, error) {
	raw, err := o.exec.Execute(ctx, http.MethodGet, "/iserver/account/orders", nil, nil)
	if err != nil {
		return nil, err
	}
	var parsed openOrdersResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ShapeError{Payload: truncate(raw)}
	}

	orders := make([]models.Order, 0, len(parsed.Orders))
	for _, row := range parsed.Orders {
		orders = append(orders, models.Order{
			OrderID:   row.OrderID.String(),
			Ticker:    row.Ticker,
			Side:      models.OrderSide(row.Side),
			Type:      models.OrderType(row.OrderType),
			Quantity:  int64(row.TotalSize),
			Remaining: int64(row.Remaining),
			Price:     float64(row.Price),
			Status:    models.OrderStatus(row.Status),
		})
	}
	return orders, nil
}

func (o *orderClient) Positions(ctx context.Context) ([]models.BrokerPosition, error) {
	accountID := o.session.AccountID()
	if accountID == "" {
		return nil, &ConnectionError{Op: "positions", Err: fmt.Errorf("no connected account")}
	}
	raw, err := o.exec.Execute(ctx, http.MethodGet,
		fmt.Sprintf("/portfolio/%s/positions/0", accountID), nil, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ContractDesc string  `json:"contractDesc"`
		ConID        int64   `json:"conid"`
		Position     jsonNum `json:"position"`
		AvgCost      jsonNum `json:"avgCost"`
		MktValue     jsonNum `json:"mktValue"`
		UnrealizedPL jsonNum `json:"unrealizedPnl"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, &ShapeError{Payload: truncate(raw)}
	}

	positions := make([]models.BrokerPosition, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, models.BrokerPosition{
			Ticker:        row.ContractDesc,
			ContractID:    row.ConID,
			Quantity:      int64(row.Position),
			AvgCost:       float64(row.AvgCost),
			MarketValue:   float64(row.MktValue),
			UnrealizedPnL: float64(row.UnrealizedPL),
		})
	}
	return positions, nil
}

func (o *orderClient) AccountBalance(ctx context.Context) (float64, error) {
	accountID := o.session.AccountID()
	if accountID == "" {
		return 0, &ConnectionError{Op: "balance", Err: fmt.Errorf("no connected account")}
	}
	raw, err := o.exec.Execute(ctx, http.MethodGet,
		fmt.Sprintf("/portfolio/%s/summary", accountID), nil, nil)
	if err != nil {
		return 0, err
	}

	var summary map[string]struct {
		Amount jsonNum `json:"amount"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		return 0, &ShapeError{Payload: truncate(raw)}
	}
	if v, ok := summary["availablefunds"]; ok {
		return float64(v.Amount), nil
	}
	if v, ok := summary["totalcashvalue"]; ok {
		return float64(v.Amount), nil
	}
	return 0, &ShapeError{Payload: truncate(raw)}
}

// jsonNum tolerates numbers that arrive quoted.
type jsonNum float64

func (n *jsonNum) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = jsonNum(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*n = 0
		return nil
	}
	var parsed float64
	if _, err := fmt.Sscanf(s, "%f", &parsed); err != nil {
		return err
	}
	*n = jsonNum(parsed)
	return nil
}
