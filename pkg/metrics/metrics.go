// Package metrics exposes the Prometheus collectors the trader updates during
// operation, served at /metrics by the control API:
//   - rangebreak_orders_total{side}        – orders placed
//   - rangebreak_trade_events_total{action} – entries/exits/partials
//   - rangebreak_phase_runs_total{phase,outcome} – phase outcomes
//   - rangebreak_session_connected         – session state gauge (0/1)
//   - rangebreak_request_retries_total     – retried broker requests
//   - rangebreak_token_refreshes_total     – live-session-token refreshes
//   - rangebreak_realized_pnl_usd          – cumulative realized PnL
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangebreak_orders_total",
			Help: "Orders placed",
		},
		[]string{"side"},
	)

	TradeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangebreak_trade_events_total",
			Help: "Trade events by action",
		},
		[]string{"action"},
	)

	PhaseRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangebreak_phase_runs_total",
			Help: "Strategy phase executions by outcome",
		},
		[]string{"phase", "outcome"},
	)

	SessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rangebreak_session_connected",
			Help: "1 while the broker session is connected",
		},
	)

	RequestRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rangebreak_request_retries_total",
			Help: "Broker requests that were retried",
		},
	)

	TokenRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rangebreak_token_refreshes_total",
			Help: "Live session token refreshes",
		},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rangebreak_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		TradeEvents,
		PhaseRuns,
		SessionConnected,
		RequestRetries,
		TokenRefreshes,
		RealizedPnL,
	)
}
