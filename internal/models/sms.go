package models

import (
	"strings"
	"time"
)

// IncomingMessage is one logical inbound SMS after its segments were joined.
type IncomingMessage struct {
	Sender     string
	Body       string
	ReceivedAt *time.Time
}

// Credentials are read on every enqueue and every dispatch.
type Credentials struct {
	ServerBaseURL string `json:"serverBaseUrl"`
	BearerToken   string `json:"bearerToken"`
	LegacySecret  string `json:"legacySecret"`
	UseHMACOnly   bool   `json:"useHmacOnly"`
}

// HasAuth reports whether any authentication material is configured.
func (c Credentials) HasAuth() bool {
	return c.LegacySecret != "" || c.BearerToken != ""
}

// NormalizeBaseURL trims whitespace and strips trailing slashes.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// LastForwardStatus is the outcome of the most recently completed forward attempt.
type LastForwardStatus struct {
	HasData          bool    `json:"hasData"`
	OK               bool    `json:"ok"`
	HTTPCode         int     `json:"httpCode"`
	AttemptAtEpochMs int64   `json:"attemptAtEpochMs"`
	Endpoint         *string `json:"endpoint,omitempty"`
	ErrorBody        *string `json:"errorBody,omitempty"`
}

// NewLastForwardStatus derives OK and HasData from the raw recorded fields.
func NewLastForwardStatus(endpoint *string, attemptAtEpochMs int64, httpCode int, errorBody *string) LastForwardStatus {
	hasEndpoint := endpoint != nil && strings.TrimSpace(*endpoint) != ""
	return LastForwardStatus{
		HasData:          attemptAtEpochMs > 0 || hasEndpoint,
		OK:               httpCode >= 200 && httpCode <= 299,
		HTTPCode:         httpCode,
		AttemptAtEpochMs: attemptAtEpochMs,
		Endpoint:         endpoint,
		ErrorBody:        errorBody,
	}
}

// SMSSegment is one physical part of an inbound SMS as delivered by the host.
type SMSSegment struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// MessageEvent is a host delivery event. A long SMS arrives as several
// segments that belong to one logical message.
type MessageEvent struct {
	Segments   []SMSSegment `json:"segments"`
	ReceivedAt *time.Time   `json:"receivedAt,omitempty"`
}

// CredentialsUpdate is a partial change to Credentials. Nil fields are left as they are.
type CredentialsUpdate struct {
	ServerBaseURL *string `json:"serverBaseUrl,omitempty"`
	BearerToken   *string `json:"bearerToken,omitempty"`
	LegacySecret  *string `json:"legacySecret,omitempty"`
	UseHMACOnly   *bool   `json:"useHmacOnly,omitempty"`
}

// Apply returns c with the non-nil fields of u applied.
func (u CredentialsUpdate) Apply(c Credentials) Credentials {
	if u.ServerBaseURL != nil {
		c.ServerBaseURL = NormalizeBaseURL(*u.ServerBaseURL)
	}
	if u.BearerToken != nil {
		c.BearerToken = strings.TrimSpace(*u.BearerToken)
	}
	if u.LegacySecret != nil {
		c.LegacySecret = strings.TrimSpace(*u.LegacySecret)
	}
	if u.UseHMACOnly != nil {
		c.UseHMACOnly = *u.UseHMACOnly
	}
	return c
}
