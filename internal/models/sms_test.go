package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://10.0.2.2:3000", "http://10.0.2.2:3000"},
		{"  https://relay.example.com/  ", "https://relay.example.com"},
		{"https://relay.example.com///", "https://relay.example.com"},
		{"https://relay.example.com/api/", "https://relay.example.com/api"},
		{"   ", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeBaseURL(tt.in), tt.in)
	}
}

func TestCredentials_HasAuth(t *testing.T) {
	assert.False(t, Credentials{ServerBaseURL: "http://x"}.HasAuth())
	assert.True(t, Credentials{LegacySecret: "s"}.HasAuth())
	assert.True(t, Credentials{BearerToken: "t"}.HasAuth())
	assert.False(t, Credentials{UseHMACOnly: true}.HasAuth())
}

func TestNewLastForwardStatus(t *testing.T) {
	tests := []struct {
		name     string
		endpoint *string
		atMs     int64
		code     int
		wantOK   bool
		wantData bool
	}{
		{name: "success", endpoint: strPtr("http://x/sms/incoming"), atMs: 1700000000000, code: 200, wantOK: true, wantData: true},
		{name: "upper bound of 2xx", endpoint: strPtr("http://x"), atMs: 1, code: 299, wantOK: true, wantData: true},
		{name: "redirect is not ok", endpoint: strPtr("http://x"), atMs: 1, code: 300, wantData: true},
		{name: "transport error", endpoint: strPtr("http://x"), atMs: 1, code: 0, wantData: true},
		{name: "blank endpoint without timestamp", endpoint: strPtr("  "), code: 0},
		{name: "nothing recorded", code: 0},
		{name: "timestamp only", atMs: 5, code: 503, wantData: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := NewLastForwardStatus(tt.endpoint, tt.atMs, tt.code, nil)
			assert.Equal(t, tt.wantOK, status.OK)
			assert.Equal(t, tt.wantData, status.HasData)
			assert.Equal(t, tt.code, status.HTTPCode)
			assert.Equal(t, tt.atMs, status.AttemptAtEpochMs)
		})
	}
}

func TestConfigError(t *testing.T) {
	err := ConfigError{Message: "missing database path"}
	assert.EqualError(t, err, "missing database path")
}

func TestCredentialsUpdate_Apply(t *testing.T) {
	current := Credentials{
		ServerBaseURL: "http://old",
		BearerToken:   "tok",
		LegacySecret:  "sec",
	}

	hmacOnly := true
	updated := CredentialsUpdate{
		ServerBaseURL: strPtr(" https://relay.example.com/ "),
		LegacySecret:  strPtr(""),
		UseHMACOnly:   &hmacOnly,
	}.Apply(current)

	assert.Equal(t, "https://relay.example.com", updated.ServerBaseURL)
	assert.Equal(t, "tok", updated.BearerToken)
	assert.Empty(t, updated.LegacySecret)
	assert.True(t, updated.UseHMACOnly)

	assert.Equal(t, current, CredentialsUpdate{}.Apply(current))
}
