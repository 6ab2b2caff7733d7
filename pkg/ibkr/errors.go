package ibkr

import (
	"fmt"
)

// AuthError means credential derivation or validation failed. It is fatal to
// the current connect attempt; the executor raises it after the single
// 401-triggered refresh has been spent.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("authentication failed during %s", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError means session bootstrap or auth-status polling exhausted its
// attempts. The whole Connect call is safe to retry later.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("connection failed during %s", e.Op)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ClientError is a non-retryable 4xx (other than 401/410) from the broker.
type ClientError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d on %s: %s", e.StatusCode, e.Path, e.Body)
}

// TransientError is a network failure or retryable HTTP status, surfaced only
// after the retry budget is exhausted.
type TransientError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error after %d attempts (last status %d)", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("transient error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PolicyError means the session landed on an account outside the configured
// account class (e.g. a live account when paper-only is set). Never retried.
type PolicyError struct {
	AccountID string
	Reason    string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("account policy violation for %q: %s", e.AccountID, e.Reason)
}

// ShapeError is returned by the response-shape parsers when a broker payload
// matches none of the known forms.
type ShapeError struct {
	Payload string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("unrecognized response shape: %s", e.Payload)
}

func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503:
		return true
	}
	return false
}

func authStatus(code int) bool {
	return code == 401 || code == 410
}
