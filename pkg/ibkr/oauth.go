package ibkr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// percentEncode applies RFC 3986 encoding as OAuth 1.0a requires.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// paramString joins the request parameters sorted by key into the canonical
// "k=v&k=v" form used in the signature base string.
func paramString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

// signatureBase builds method&url&params with each section percent-encoded.
func signatureBase(method, requestURL string, params map[string]string) string {
	return strings.ToUpper(method) + "&" + percentEncode(requestURL) + "&" + percentEncode(paramString(params))
}

// oauthHeader renders the Authorization header value. The realm leads; the
// remaining parameters are sorted for stable output.
func oauthHeader(realm string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+1)
	pairs = append(pairs, fmt.Sprintf("realm=%q", realm))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, params[k]))
	}
	return "OAuth " + strings.Join(pairs, ", ")
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
