package ibkr

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/gregtusar/rangebreak/pkg/metrics"
)

// ExecutorConfig carries the retry/backoff and rate-limit tunables.
type ExecutorConfig struct {
	MaxRetries     int
	BackoffBase    time.Duration
	ExpirySkew     time.Duration
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second
}

func (c *ExecutorConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.ExpirySkew <= 0 {
		c.ExpirySkew = 300 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
}

// Executor issues signed requests against the brokerage with bounded
// retry/backoff and transparent session-token refresh. Token state is
// single-writer: only the refresh path mutates it, readers take a snapshot.
type Executor struct {
	cred       *Credential
	baseURL    string
	cfg        ExecutorConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	// derive is the refresh hook; NewExecutor wires it to a Deriver.
	derive func(ctx context.Context) (SessionToken, error)

	refreshGroup singleflight.Group
	mu           sync.RWMutex
	token        SessionToken

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cred *Credential, deriver *Deriver, baseURL string, cfg ExecutorConfig, logger *logrus.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cred:       cred,
		baseURL:    strings.TrimRight(baseURL, "/"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:     logger,
		derive:     deriver.Derive,
		sleep:      sleepCtx,
	}
}

// Token returns a consistent snapshot of the current session token.
func (e *Executor) Token() SessionToken {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.token
}

func (e *Executor) setToken(t SessionToken) {
	e.mu.Lock()
	e.token = t
	e.mu.Unlock()
}

// ClearToken drops the session token. Used on disconnect.
func (e *Executor) ClearToken() {
	e.setToken(SessionToken{})
}

// Refresh derives a new session token. Concurrent callers share one in-flight
// derivation; duplicate refreshes are never issued.
func (e *Executor) Refresh(ctx context.Context) error {
	_, err, _ := e.refreshGroup.Do("lst", func() (interface{}, error) {
		token, err := e.derive(ctx)
		if err != nil {
			return nil, err
		}
		e.setToken(token)
		metrics.TokenRefreshes.Inc()
		return nil, nil
	})
	return err
}

// EnsureToken refreshes when the active token is inside the expiry skew
// window.
func (e *Executor) EnsureToken(ctx context.Context) error {
	if e.Token().ExpiringWithin(e.cfg.ExpirySkew, time.Now()) {
		return e.Refresh(ctx)
	}
	return nil
}

// Execute issues a signed request and returns the raw JSON body. A 200 with an
// empty body returns nil (keepalive calls). Retry policy: transport errors and
// 429/500/502/503 back off exponentially; 400/404 fail immediately; 401/410
// spend exactly one refresh before becoming terminal.
func (e *Executor) Execute(ctx context.Context, method, path string, body interface{}, params url.Values) (json.RawMessage, error) {
	if err := e.EnsureToken(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	refreshed := false
	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, raw, err := e.doSigned(ctx, method, path, payload, params)
		if err != nil {
			lastErr = err
			lastStatus = 0
			metrics.RequestRetries.Inc()
			e.logger.WithError(err).WithFields(logrus.Fields{"path": path, "attempt": attempt}).Warn("Transport error, backing off")
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			if len(bytes.TrimSpace(raw)) == 0 {
				return nil, nil
			}
			return raw, nil

		case authStatus(status):
			if refreshed {
				return nil, &AuthError{Op: path, Err: fmt.Errorf("request rejected (%d) after token refresh", status)}
			}
			refreshed = true
			e.logger.WithFields(logrus.Fields{"path": path, "status": status}).Info("Session token rejected, refreshing once")
			if err := e.Refresh(ctx); err != nil {
				return nil, err
			}
			// The one post-refresh retry goes out immediately.
			attempt--
			continue

		case retryableStatus(status):
			lastStatus = status
			lastErr = nil
			metrics.RequestRetries.Inc()
			e.logger.WithFields(logrus.Fields{"path": path, "status": status, "attempt": attempt}).Warn("Retryable status, backing off")
			if err := e.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, &ClientError{StatusCode: status, Path: path, Body: string(bytes.TrimSpace(raw))}
		}
	}

	return nil, &TransientError{StatusCode: lastStatus, Attempts: e.cfg.MaxRetries, Err: lastErr}
}

func (e *Executor) doSigned(ctx context.Context, method, path string, payload []byte, params url.Values) (int, []byte, error) {
	requestURL := e.baseURL + path

	nonce, err := generateNonce()
	if err != nil {
		return 0, nil, err
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     e.cred.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA256",
		"oauth_timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
		"oauth_token":            e.cred.AccessToken,
	}

	// Sign with the token snapshot captured here; a concurrent refresh must
	// not change the key under an in-flight request.
	token := e.Token()

	signed := make(map[string]string, len(oauthParams)+len(params))
	for k, v := range oauthParams {
		signed[k] = v
	}
	for k := range params {
		signed[k] = params.Get(k)
	}

	sig, err := signHMAC(token, signatureBase(method, requestURL, signed))
	if err != nil {
		return 0, nil, err
	}
	oauthParams["oauth_signature"] = percentEncode(sig)

	fullURL := requestURL
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", oauthHeader(e.cred.Realm, oauthParams))
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func signHMAC(token SessionToken, base string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(token.Token)
	if err != nil {
		return "", fmt.Errorf("malformed session token: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (e *Executor) backoff(ctx context.Context, attempt int) error {
	return e.sleep(ctx, backoffDelay(e.cfg.BackoffBase, attempt))
}

// backoffDelay returns base*2^(attempt-1) with ±10% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := float64(base) * float64(int64(1)<<uint(attempt-1))
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(d * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
