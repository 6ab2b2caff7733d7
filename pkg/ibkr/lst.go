package ibkr

import (
	"bytes"
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const lstPath = "/oauth/live_session_token"

// SessionToken is the short-lived symmetric secret derived from the DH
// exchange. Requests must sign with the token value captured at signing time,
// never a concurrently refreshed one, so it is passed by value.
type SessionToken struct {
	Token     string // base64-encoded LST
	ExpiresAt time.Time
}

func (t SessionToken) Empty() bool {
	return t.Token == ""
}

// ExpiringWithin reports whether the token is absent or expires inside the
// given skew window.
func (t SessionToken) ExpiringWithin(skew time.Duration, now time.Time) bool {
	if t.Token == "" {
		return true
	}
	return now.Add(skew).After(t.ExpiresAt)
}

type lstResponse struct {
	DHResponse string `json:"diffie_hellman_response"`
	Signature  string `json:"live_session_token_signature"`
	Expiration int64  `json:"live_session_token_expiration"`
}

// Deriver computes a live session token from the long-lived credential via
// Diffie-Hellman key agreement and RSA request signing.
type Deriver struct {
	cred       *Credential
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewDeriver(cred *Credential, baseURL string, logger *logrus.Logger) *Deriver {
	return &Deriver{
		cred:       cred,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Derive performs the token exchange. The returned token is validated against
// the broker-supplied signature before it is handed out; a mismatch yields an
// AuthError and the token is discarded.
func (d *Deriver) Derive(ctx context.Context) (SessionToken, error) {
	prime, ok := new(big.Int).SetString(d.cred.DHPrimeHex, 16)
	if !ok {
		return SessionToken{}, &AuthError{Op: "derive", Err: fmt.Errorf("invalid DH prime")}
	}

	a, err := randomExponent()
	if err != nil {
		return SessionToken{}, &AuthError{Op: "derive", Err: err}
	}
	challenge := new(big.Int).Exp(big.NewInt(2), a, prime)

	prepend, err := d.decryptSecret()
	if err != nil {
		return SessionToken{}, &AuthError{Op: "derive", Err: err}
	}

	requestURL := d.baseURL + lstPath
	nonce, err := generateNonce()
	if err != nil {
		return SessionToken{}, &AuthError{Op: "derive", Err: err}
	}

	params := map[string]string{
		"oauth_consumer_key":       d.cred.ConsumerKey,
		"oauth_nonce":              nonce,
		"oauth_signature_method":   "RSA-SHA256",
		"oauth_timestamp":          strconv.FormatInt(time.Now().Unix(), 10),
		"oauth_token":              d.cred.AccessToken,
		"diffie_hellman_challenge": challenge.Text(16),
	}

	// The decrypted secret prefixes the base string; this binds the signature
	// to the access-token secret without transmitting it.
	base := prepend + signatureBase(http.MethodPost, requestURL, params)
	sig, err := d.signRSA(base)
	if err != nil {
		return SessionToken{}, &AuthError{Op: "derive", Err: err}
	}
	params["oauth_signature"] = percentEncode(sig)

	resp, err := d.post(ctx, requestURL, params)
	if err != nil {
		return SessionToken{}, err
	}

	dhResponse, ok := new(big.Int).SetString(resp.DHResponse, 16)
	if !ok {
		return SessionToken{}, &AuthError{Op: "derive", Err: fmt.Errorf("malformed DH response")}
	}

	shared := new(big.Int).Exp(dhResponse, a, prime)
	prependBytes, err := hex.DecodeString(prepend)
	if err != nil {
		return SessionToken{}, &AuthError{Op: "derive", Err: fmt.Errorf("malformed prepend: %w", err)}
	}

	mac := hmac.New(sha1.New, bigIntBytes(shared))
	mac.Write(prependBytes)
	token := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if err := validateToken(token, d.cred.ConsumerKey, resp.Signature); err != nil {
		return SessionToken{}, err
	}

	expires := time.UnixMilli(resp.Expiration)
	d.logger.WithField("expires_at", expires).Debug("Derived live session token")

	return SessionToken{Token: token, ExpiresAt: expires}, nil
}

func (d *Deriver) decryptSecret() (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(d.cred.AccessTokenSecret)
	if err != nil {
		return "", fmt.Errorf("malformed access token secret: %w", err)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, d.cred.EncryptionKey, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypting access token secret: %w", err)
	}
	return hex.EncodeToString(plain), nil
}

func (d *Deriver) signRSA(base string) (string, error) {
	digest := sha256.Sum256([]byte(base))
	sig, err := rsa.SignPKCS1v15(rand.Reader, d.cred.SigningKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (d *Deriver) post(ctx context.Context, requestURL string, params map[string]string) (*lstResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, nil)
	if err != nil {
		return nil, &AuthError{Op: "derive", Err: err}
	}
	req.Header.Set("Authorization", oauthHeader(d.cred.Realm, params))
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Attempts: 1, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Attempts: 1, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Op: "derive", Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	}

	var parsed lstResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &AuthError{Op: "derive", Err: fmt.Errorf("malformed token response: %w", err)}
	}
	return &parsed, nil
}

// validateToken recomputes the broker's token signature and requires equality.
func validateToken(token, consumerKey, wantHex string) error {
	key, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return &AuthError{Op: "validate", Err: err}
	}
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(consumerKey))
	got := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(wantHex)) {
		return &AuthError{Op: "validate", Err: fmt.Errorf("live session token signature mismatch")}
	}
	return nil
}

func randomExponent() (*big.Int, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// bigIntBytes serializes a positive big integer with a leading zero byte when
// the top bit is set, matching the broker's two's-complement expectation.
func bigIntBytes(n *big.Int) []byte {
	b := n.Bytes()
	if n.BitLen()%8 == 0 && len(b) > 0 {
		return append([]byte{0}, b...)
	}
	return b
}
