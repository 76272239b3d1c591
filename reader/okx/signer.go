package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

// loginPath is the request path signed for websocket logins.
const loginPath = "/users/self/verify"

// Credentials hold the API key triple for private channels.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Complete reports whether every field is set.
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

// Sign returns base64(HMAC-SHA256(secret, timestamp+method+requestPath)).
func Sign(secret, timestamp, method, requestPath string) string {
	return SignBody(secret, timestamp, method, requestPath, "")
}

// SignBody is Sign for requests that carry a body.
func SignBody(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NewLogin builds a login frame signed for now. Call it for every attempt;
// the exchange rejects timestamps older than 30 seconds.
func NewLogin(creds Credentials, now time.Time) Login {
	ts := strconv.FormatInt(now.Unix(), 10)
	return Login{
		APIKey:     creds.APIKey,
		Passphrase: creds.Passphrase,
		Timestamp:  ts,
		Signature:  Sign(creds.SecretKey, ts, http.MethodGet, loginPath),
	}
}
