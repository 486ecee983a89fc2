package forward

import (
	"context"
	"encoding/json"
	"fmt"

	"smsrelay/internal/constants"
	"smsrelay/internal/models"
)

// CredentialStore holds the server URL and the authentication material
type CredentialStore interface {
	GetCredentials(ctx context.Context) (models.Credentials, error)
	SaveCredentials(ctx context.Context, creds models.Credentials) error
}

// StatusStore keeps the outcome of the most recently completed attempt. Last write wins.
type StatusStore interface {
	RecordLastForwardAttempt(ctx context.Context, endpoint string, atEpochMs int64, httpCode int, errorBody *string) error
	GetLastForwardStatus(ctx context.Context) (models.LastForwardStatus, error)
}

// TaskInput is what a forward task carries between enqueue and dispatch
type TaskInput struct {
	Endpoint    string `json:"endpoint"`
	Payload     string `json:"payload"`
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearerToken,omitempty"`
}

// Encode serializes the input for Task.Payload
func (in TaskInput) Encode() ([]byte, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task input: %w", err)
	}
	return data, nil
}

// DecodeTaskInput parses Task.Payload
func DecodeTaskInput(data []byte) (TaskInput, error) {
	var in TaskInput
	if err := json.Unmarshal(data, &in); err != nil {
		return TaskInput{}, fmt.Errorf("failed to decode task input: %w", err)
	}
	if in.Endpoint == "" {
		return TaskInput{}, fmt.Errorf("task input has no endpoint")
	}
	return in, nil
}

// MessagePayload is the JSON body posted to the relay server
type MessagePayload struct {
	Secret     string `json:"secret,omitempty"`
	From       string `json:"from"`
	Body       string `json:"body"`
	ReceivedAt string `json:"receivedAt,omitempty"`
}

// NewMessagePayload builds the body for creds. The legacy secret field is
// included only when a secret is set and HMAC-only mode is off.
func NewMessagePayload(creds models.Credentials, from, body, receivedAt string) MessagePayload {
	p := MessagePayload{From: from, Body: body, ReceivedAt: receivedAt}
	if creds.LegacySecret != "" && !creds.UseHMACOnly {
		p.Secret = creds.LegacySecret
	}
	return p
}

// NewTaskInput renders payload for creds into a task input addressed at the
// incoming SMS endpoint of the configured server
func NewTaskInput(creds models.Credentials, payload MessagePayload) (TaskInput, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TaskInput{}, fmt.Errorf("failed to encode message payload: %w", err)
	}
	return TaskInput{
		Endpoint:    Endpoint(creds.ServerBaseURL),
		Payload:     string(body),
		Secret:      creds.LegacySecret,
		BearerToken: creds.BearerToken,
	}, nil
}

// Endpoint returns the incoming SMS URL for a server base URL
func Endpoint(baseURL string) string {
	base := models.NormalizeBaseURL(baseURL)
	if base == "" {
		base = constants.DefaultServerBaseURL
	}
	return base + constants.IncomingSMSPath
}
