package forward

import (
	"testing"
	"time"

	"smsrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_KnownVector(t *testing.T) {
	sig := Sign("abc", 1700000000, `{"from":"X"}`)
	assert.Equal(t, "c7b8aee3558334586c45ceedf298aff2fba7b21ea2ea50d8206d5c247997cc35", sig)
	assert.True(t, Verify("abc", 1700000000, `{"from":"X"}`, sig))
	assert.False(t, Verify("abd", 1700000000, `{"from":"X"}`, sig))
	assert.False(t, Verify("abc", 1700000001, `{"from":"X"}`, sig))
}

func TestSignedRequestBuilder_Build(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	builder := NewSignedRequestBuilder(clock)
	body := `{"from":"X"}`

	tests := []struct {
		name          string
		secret        string
		token         string
		wantSignature bool
		wantBearer    bool
	}{
		{name: "secret only", secret: "abc", wantSignature: true},
		{name: "token only", token: "tok", wantBearer: true},
		{name: "both are sent", secret: "abc", token: "tok", wantSignature: true, wantBearer: true},
		{name: "unauthenticated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := builder.Build(body, tt.secret, tt.token)

			assert.Equal(t, []byte(body), req.Body)
			assert.Equal(t, "application/json", req.Headers.Get("Content-Type"))

			if tt.wantSignature {
				assert.Equal(t, "1700000000", req.Headers.Get("X-Timestamp"))
				assert.Equal(t, "c7b8aee3558334586c45ceedf298aff2fba7b21ea2ea50d8206d5c247997cc35", req.Headers.Get("X-Signature"))
			} else {
				assert.Empty(t, req.Headers.Get("X-Timestamp"))
				assert.Empty(t, req.Headers.Get("X-Signature"))
			}

			if tt.wantBearer {
				assert.Equal(t, "Bearer tok", req.Headers.Get("Authorization"))
			} else {
				assert.Empty(t, req.Headers.Get("Authorization"))
			}
		})
	}
}

func TestNewMessagePayload_LegacySecretPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		creds      models.Credentials
		wantSecret string
	}{
		{name: "legacy secret in body", creds: models.Credentials{LegacySecret: "s3"}, wantSecret: "s3"},
		{name: "hmac only omits the field", creds: models.Credentials{LegacySecret: "s3", UseHMACOnly: true}},
		{name: "token only", creds: models.Credentials{BearerToken: "tok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewMessagePayload(tt.creds, "+15550100", "hello", "")
			assert.Equal(t, tt.wantSecret, p.Secret)
			assert.Equal(t, "+15550100", p.From)
		})
	}
}

func TestNewTaskInput(t *testing.T) {
	creds := models.Credentials{ServerBaseURL: "https://relay.example.com/", LegacySecret: "s3", BearerToken: "tok", UseHMACOnly: true}
	in, err := NewTaskInput(creds, NewMessagePayload(creds, "+15550100", "hello", "2026-03-01T12:00:00Z"))
	require.NoError(t, err)

	assert.Equal(t, "https://relay.example.com/sms/incoming", in.Endpoint)
	assert.Equal(t, `{"from":"+15550100","body":"hello","receivedAt":"2026-03-01T12:00:00Z"}`, in.Payload)
	assert.Equal(t, "s3", in.Secret)
	assert.Equal(t, "tok", in.BearerToken)

	data, err := in.Encode()
	require.NoError(t, err)
	decoded, err := DecodeTaskInput(data)
	require.NoError(t, err)
	assert.Equal(t, in, decoded)
}

func TestDecodeTaskInput_Invalid(t *testing.T) {
	_, err := DecodeTaskInput([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeTaskInput([]byte(`{"payload":"{}"}`))
	assert.Error(t, err)
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "http://10.0.2.2:3000/sms/incoming", Endpoint(""))
	assert.Equal(t, "http://host:3000/sms/incoming", Endpoint("  http://host:3000//  "))
}
