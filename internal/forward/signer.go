package forward

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"smsrelay/internal/constants"
)

// SignedRequest is the header set and body of one outbound POST
type SignedRequest struct {
	Headers http.Header
	Body    []byte
}

// SignedRequestBuilder attaches authentication headers to a JSON body
type SignedRequestBuilder struct {
	now func() time.Time
}

// NewSignedRequestBuilder creates a builder; a nil clock uses time.Now
func NewSignedRequestBuilder(now func() time.Time) *SignedRequestBuilder {
	if now == nil {
		now = time.Now
	}
	return &SignedRequestBuilder{now: now}
}

// Build signs body with secret when one is set and adds a bearer header when
// a token is set. Both may be present; with neither the request is unauthenticated.
func (b *SignedRequestBuilder) Build(body, secret, bearerToken string) SignedRequest {
	headers := make(http.Header)
	headers.Set("Content-Type", constants.ContentTypeJSON)

	if secret != "" {
		ts := b.now().Unix()
		headers.Set(constants.HeaderTimestamp, strconv.FormatInt(ts, 10))
		headers.Set(constants.HeaderSignature, Sign(secret, ts, body))
	}
	if bearerToken != "" {
		headers.Set(constants.HeaderAuthorization, "Bearer "+bearerToken)
	}

	return SignedRequest{Headers: headers, Body: []byte(body)}
}

// Sign returns the lowercase hex HMAC-SHA256 of "<timestamp>.<body>"
func Sign(secret string, timestamp int64, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time
func Verify(secret string, timestamp int64, body, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
