package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quoteFeedHandler upgrades to websocket, expects the session-auth frame,
// then echoes a quote for every subscription request it receives.
func quoteFeedHandler(price string, subs *atomic.Int32) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth map[string]string
		if err := conn.ReadJSON(&auth); err != nil || auth["session"] == "" {
			return
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg := string(raw)
			if !strings.HasPrefix(msg, "smd+") {
				continue
			}
			subs.Add(1)
			conid := strings.SplitN(msg, "+", 3)[1]
			quote := fmt.Sprintf(`{"conid":%s,"31":%s}`, conid, price)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(quote)); err != nil {
				return
			}
		}
	}
}

func newTestQuoteStream(t *testing.T, wsURL string) *QuoteStream {
	t.Helper()
	e := newTestExecutor(wsURL, freshDerive)
	e.setToken(testToken(time.Hour))
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	qs := NewQuoteStream(wsURL, e, logger)
	t.Cleanup(qs.Close)
	return qs
}

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeCachesStreamedPrices(t *testing.T) {
	var subs atomic.Int32
	srv := httptest.NewServer(quoteFeedHandler(`"50.5"`, &subs))
	defer srv.Close()

	qs := newTestQuoteStream(t, wsAddr(srv))
	require.NoError(t, qs.Subscribe(context.Background(), "AAPL", 265598))

	require.Eventually(t, func() bool {
		price, ok := qs.LastPrice("AAPL")
		return ok && price == 50.5
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := qs.LastPrice("MSFT")
	assert.False(t, ok, "only subscribed tickers are cached")

	// Re-subscribing a tracked instrument sends nothing.
	require.NoError(t, qs.Subscribe(context.Background(), "AAPL", 265598))
	assert.Equal(t, int32(1), subs.Load())
}

func TestSubscribeRequiresSessionToken(t *testing.T) {
	e := newTestExecutor("http://127.0.0.1:0", freshDerive)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	qs := NewQuoteStream("ws://127.0.0.1:0", e, logger)

	err := qs.Subscribe(context.Background(), "AAPL", 1)
	require.Error(t, err)
}

func TestLastPricePrefersStreamOverREST(t *testing.T) {
	var subs atomic.Int32
	feed := httptest.NewServer(quoteFeedHandler(`"99.9"`, &subs))
	defer feed.Close()

	var snapshots atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/iserver/secdef/search"):
			conid := int64(7)
			if r.URL.Query().Get("symbol") == "MSFT" {
				conid = 8
			}
			fmt.Fprintf(w, `[{"conid":%d}]`, conid)
		case strings.HasPrefix(r.URL.Path, "/iserver/marketdata/snapshot"):
			snapshots.Add(1)
			w.Write([]byte(`[{"31":"10.0"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()

	e := newTestExecutor(api.URL, freshDerive)
	e.setToken(testToken(time.Hour))
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	qs := NewQuoteStream(wsAddr(feed), e, logger)
	defer qs.Close()
	md := NewMarketDataGateway(e, qs, logger)

	// Resolution subscribes the ticker on the feed.
	conid, err := md.ContractID(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, int64(7), conid)

	require.Eventually(t, func() bool {
		_, ok := qs.LastPrice("AAPL")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	price, err := md.LastPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 99.9, price, "streamed quote wins")
	assert.Zero(t, snapshots.Load(), "no REST snapshot when the cache has the ticker")

	// A ticker without a streamed quote falls back to REST.
	price, err = md.LastPrice(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, 10.0, price)
	assert.Equal(t, int32(1), snapshots.Load())
}
