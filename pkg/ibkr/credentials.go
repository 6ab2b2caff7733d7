package ibkr

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Credential holds the long-lived keys for the brokerage OAuth handshake.
// Loaded once at startup and never mutated; the short-lived session token
// derived from it lives in the Executor.
type Credential struct {
	ConsumerKey       string
	AccessToken       string
	AccessTokenSecret string // base64, RSA-encrypted with the encryption key
	DHPrimeHex        string
	Realm             string
	SigningKey        *rsa.PrivateKey
	EncryptionKey     *rsa.PrivateKey
}

// CredentialConfig is the file-path form of a Credential as it appears in
// configuration.
type CredentialConfig struct {
	ConsumerKey       string
	AccessToken       string
	AccessTokenSecret string
	DHPrimeHex        string
	Realm             string
	SigningKeyPath    string
	EncryptionKeyPath string
}

// LoadCredential reads and parses the two RSA private keys and assembles the
// immutable credential.
func LoadCredential(cfg CredentialConfig) (*Credential, error) {
	if cfg.ConsumerKey == "" || cfg.AccessToken == "" || cfg.AccessTokenSecret == "" {
		return nil, fmt.Errorf("incomplete broker credential: consumer key, access token and secret are required")
	}
	if cfg.DHPrimeHex == "" {
		return nil, fmt.Errorf("incomplete broker credential: DH prime is required")
	}

	signingKey, err := loadRSAPrivateKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}
	encryptionKey, err := loadRSAPrivateKey(cfg.EncryptionKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading encryption key: %w", err)
	}

	realm := cfg.Realm
	if realm == "" {
		realm = "limited_poa"
	}

	return &Credential{
		ConsumerKey:       cfg.ConsumerKey,
		AccessToken:       cfg.AccessToken,
		AccessTokenSecret: cfg.AccessTokenSecret,
		DHPrimeHex:        cfg.DHPrimeHex,
		Realm:             realm,
		SigningKey:        signingKey,
		EncryptionKey:     encryptionKey,
	}, nil
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRSAPrivateKey(data)
}

// ParseRSAPrivateKey accepts PKCS#1 or PKCS#8 PEM-encoded RSA private keys.
func ParseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
	}
	return key, nil
}
