package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rangebreak/pkg/metrics"
)

type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateAuthenticating
	StatePolling
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StatePolling:
		return "polling"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SessionConfig carries the connect/poll/keepalive tunables.
type SessionConfig struct {
	PollInterval      time.Duration
	MaxPollAttempts   int
	SettleDelay       time.Duration
	KeepaliveInterval time.Duration
	PaperOnly         bool
	PaperPrefix       string
}

func (c *SessionConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = 10
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 60 * time.Second
	}
	if c.PaperPrefix == "" {
		c.PaperPrefix = "DU"
	}
}

type authStatusResponse struct {
	Authenticated bool `json:"authenticated"`
	Connected     bool `json:"connected"`
	Wait          bool `json:"wait"`
}

// SessionManager owns the brokerage session lifecycle: bootstrap, auth-status
// polling, the keepalive heartbeat, and teardown.
type SessionManager struct {
	exec   *Executor
	cfg    SessionConfig
	logger *logrus.Logger

	mu        sync.Mutex
	state     SessionState
	accountID string

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

func NewSessionManager(exec *Executor, cfg SessionConfig, logger *logrus.Logger) *SessionManager {
	cfg.applyDefaults()
	return &SessionManager{
		exec:   exec,
		cfg:    cfg,
		logger: logger,
	}
}

// Connect derives the initial credential, bootstraps the brokered session,
// waits for authentication, verifies the account class and starts the
// keepalive heartbeat.
func (s *SessionManager) Connect(ctx context.Context) error {
	s.setState(StateAuthenticating)

	if err := s.exec.EnsureToken(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	raw, err := s.exec.Execute(ctx, http.MethodPost, "/iserver/auth/ssodh/init",
		map[string]bool{"publish": true, "compete": true}, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return &ConnectionError{Op: "bootstrap", Err: err}
	}

	var bootstrap authStatusResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &bootstrap); err != nil {
			s.setState(StateDisconnected)
			return &ConnectionError{Op: "bootstrap", Err: fmt.Errorf("malformed bootstrap response: %w", err)}
		}
	}

	if !bootstrap.Authenticated {
		// Asynchronous completion: poll until the gateway reports
		// authenticated. "Not yet" is a retryable condition until the
		// attempt budget runs out.
		s.setState(StatePolling)
		if err := s.pollAuthStatus(ctx); err != nil {
			s.setState(StateDisconnected)
			return err
		}
	} else if err := s.exec.sleep(ctx, s.cfg.SettleDelay); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	accountID, err := s.fetchAccountID(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	if s.cfg.PaperOnly && !strings.HasPrefix(accountID, s.cfg.PaperPrefix) {
		s.setState(StateDisconnected)
		return &PolicyError{AccountID: accountID, Reason: "paper trading account required"}
	}

	s.mu.Lock()
	s.accountID = accountID
	s.state = StateConnected
	s.stopHeartbeat = make(chan struct{})
	s.heartbeatDone = make(chan struct{})
	go s.heartbeatLoop(s.stopHeartbeat, s.heartbeatDone)
	s.mu.Unlock()

	metrics.SessionConnected.Set(1)
	s.logger.WithField("account_id", accountID).Info("Broker session connected")
	return nil
}

func (s *SessionManager) pollAuthStatus(ctx context.Context) error {
	for attempt := 1; attempt <= s.cfg.MaxPollAttempts; attempt++ {
		if err := s.exec.sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}

		raw, err := s.exec.Execute(ctx, http.MethodPost, "/iserver/auth/status", nil, nil)
		if err != nil {
			s.logger.WithError(err).WithField("attempt", attempt).Warn("Auth status check failed")
			continue
		}

		var status authStatusResponse
		if err := json.Unmarshal(raw, &status); err != nil {
			s.logger.WithError(err).Warn("Malformed auth status response")
			continue
		}
		if status.Authenticated {
			return nil
		}
		s.logger.WithField("attempt", attempt).Debug("Session not yet authenticated")
	}
	return &ConnectionError{Op: "auth-status poll", Err: fmt.Errorf("not authenticated after %d attempts", s.cfg.MaxPollAttempts)}
}

func (s *SessionManager) fetchAccountID(ctx context.Context) (string, error) {
	raw, err := s.exec.Execute(ctx, http.MethodGet, "/iserver/accounts", nil, nil)
	if err != nil {
		return "", &ConnectionError{Op: "fetch accounts", Err: err}
	}
	accountID, err := parseAccountID(raw)
	if err != nil {
		return "", &ConnectionError{Op: "fetch accounts", Err: err}
	}
	return accountID, nil
}

// heartbeatLoop fires a no-op authenticated request on a fixed cadence.
// Failures are logged and swallowed; a genuinely dead session surfaces
// through the next real request's own refresh path.
func (s *SessionManager) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			_, err := s.exec.Execute(ctx, http.MethodPost, "/tickle", nil, nil)
			cancel()
			if err != nil {
				s.logger.WithError(err).Warn("Keepalive heartbeat failed")
			}
		}
	}
}

// Disconnect stops the heartbeat, clears token and account state and returns
// to Disconnected. Idempotent.
func (s *SessionManager) Disconnect() {
	s.mu.Lock()
	stop, done := s.stopHeartbeat, s.heartbeatDone
	s.stopHeartbeat, s.heartbeatDone = nil, nil
	s.accountID = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.logger.Warn("Heartbeat did not stop within join timeout")
		}
	}

	s.exec.ClearToken()
	metrics.SessionConnected.Set(0)
	s.logger.Info("Broker session disconnected")
}

// IsConnected is true iff the state machine is Connected and a session token
// is held.
func (s *SessionManager) IsConnected() bool {
	s.mu.Lock()
	connected := s.state == StateConnected
	s.mu.Unlock()
	return connected && !s.exec.Token().Empty()
}

func (s *SessionManager) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SessionManager) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

func (s *SessionManager) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
