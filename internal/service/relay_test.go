package service

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/models"
	"smsrelay/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestRelay() (*Relay, *mockCredentialStore, *mockStatusStore, *mockQueue) {
	creds := &mockCredentialStore{}
	status := &mockStatusStore{}
	q := &mockQueue{}
	relay := NewRelay(creds, status, q, 0, quietLogger())
	relay.now = func() time.Time { return time.UnixMilli(1772366400123).UTC() }
	return relay, creds, status, q
}

func TestRelay_SendTestMessage(t *testing.T) {
	relay, creds, _, q := newTestRelay()
	creds.On("GetCredentials", mock.Anything).Return(models.Credentials{
		ServerBaseURL: "https://relay.example.com",
		LegacySecret:  "s3cret",
		UseHMACOnly:   true,
	}, nil)

	var captured queue.EnqueueRequest
	q.On("Enqueue", mock.Anything, mock.Anything, queue.PolicyReplace).
		Run(func(args mock.Arguments) { captured = args.Get(1).(queue.EnqueueRequest) }).
		Return(queue.EnqueueResult{Task: &queue.Task{ID: "t1"}, Created: true, Replaced: 1}, nil).
		Once()

	result, err := relay.SendTestMessage(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Created)
	q.AssertExpectations(t)

	assert.Equal(t, constants.ManualTestKey, captured.Key)
	assert.Equal(t, constants.SMSForwardTag, captured.Tag)
	assert.True(t, captured.RequiresNetwork)

	input, payload := decodeRequest(t, captured)
	assert.Equal(t, "https://relay.example.com/sms/incoming", input.Endpoint)
	assert.Equal(t, "s3cret", input.Secret)
	assert.Empty(t, payload.Secret)
	assert.Equal(t, constants.ManualTestSender, payload.From)
	assert.Equal(t, "E2E test from relay @ "+strconv.FormatInt(1772366400123, 10), payload.Body)
	assert.Equal(t, "2026-03-01T12:00:00Z", payload.ReceivedAt)
}

func TestRelay_SendTestMessageWithoutAuth(t *testing.T) {
	relay, creds, _, q := newTestRelay()
	creds.On("GetCredentials", mock.Anything).Return(models.Credentials{ServerBaseURL: "https://relay.example.com"}, nil)

	_, err := relay.SendTestMessage(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.GetCode(err))
	assert.Contains(t, apperrors.GetUserMessage(err), "bearer token")
	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestRelay_QueueState(t *testing.T) {
	tests := []struct {
		name       string
		manual     []queue.TaskInfo
		forwards   []queue.TaskInfo
		wantManual string
		wantSMS    string
	}{
		{
			name:       "nothing queued",
			manual:     []queue.TaskInfo{},
			forwards:   []queue.TaskInfo{},
			wantManual: "(none)",
			wantSMS:    "(none)",
		},
		{
			name:   "running wins over finished",
			manual: []queue.TaskInfo{{ID: "m1", State: queue.StatePending, Attempts: 2}},
			forwards: []queue.TaskInfo{
				{ID: "a", State: queue.StateSucceeded, Attempts: 1},
				{ID: "b", State: queue.StateRunning, Attempts: 3},
				{ID: "c", State: queue.StateFailed, Attempts: 1},
			},
			wantManual: "PENDING (attempts=2)",
			wantSMS:    "RUNNING (attempts=3)",
		},
		{
			name:       "latest finished task",
			manual:     []queue.TaskInfo{{State: queue.StateCancelled}, {State: queue.StateSucceeded, Attempts: 1}},
			forwards:   []queue.TaskInfo{{State: queue.StateFailed, Attempts: 1}},
			wantManual: "SUCCEEDED (attempts=1)",
			wantSMS:    "FAILED (attempts=1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, _, _, q := newTestRelay()
			q.On("ListByKey", mock.Anything, constants.ManualTestKey).Return(tt.manual, nil)
			q.On("ListByTag", mock.Anything, constants.SMSForwardTag).Return(tt.forwards, nil)

			state, err := relay.QueueState(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantManual, state.ManualTest)
			assert.Equal(t, tt.wantSMS, state.SMSForward)
			assert.Equal(t, len(tt.forwards), state.SMSForwardCount)
		})
	}
}

func TestRelay_QueueStateError(t *testing.T) {
	relay, _, _, q := newTestRelay()
	q.On("ListByKey", mock.Anything, constants.ManualTestKey).Return([]queue.TaskInfo(nil), assert.AnError)

	_, err := relay.QueueState(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRelay_CancelForwarding(t *testing.T) {
	relay, _, _, q := newTestRelay()
	q.On("CancelByTag", mock.Anything, constants.SMSForwardTag).
		Return(queue.CancelResult{Cancelled: 3, Running: []string{"r1"}}, nil).
		Once()

	result, err := relay.CancelForwarding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Cancelled)
	assert.Equal(t, []string{"r1"}, result.Running)
	q.AssertExpectations(t)
}

func TestRelay_LastStatus(t *testing.T) {
	relay, _, status, _ := newTestRelay()
	want := models.NewLastForwardStatus(strPtr("https://relay.example.com/sms/incoming"), 1700000000000, 200, nil)
	status.On("GetLastForwardStatus", mock.Anything).Return(want, nil)

	got, err := relay.LastStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.OK)
}

func TestRelay_GetCredentialsMasksSecrets(t *testing.T) {
	relay, creds, _, _ := newTestRelay()
	creds.On("GetCredentials", mock.Anything).Return(models.Credentials{
		ServerBaseURL: "https://relay.example.com",
		BearerToken:   "token-value",
		LegacySecret:  "s3cret-value",
	}, nil)

	got, err := relay.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", got.ServerBaseURL)
	assert.Equal(t, "to*********", got.BearerToken)
	assert.Equal(t, "s3**********", got.LegacySecret)
}

func TestRelay_UpdateCredentials(t *testing.T) {
	current := models.Credentials{ServerBaseURL: "https://old.example.com", LegacySecret: "old"}

	tests := []struct {
		name     string
		update   models.CredentialsUpdate
		wantSave *models.Credentials
		wantCode apperrors.ErrorCode
	}{
		{
			name:   "new url and token",
			update: models.CredentialsUpdate{ServerBaseURL: strPtr("https://new.example.com/"), BearerToken: strPtr("tok")},
			wantSave: &models.Credentials{
				ServerBaseURL: "https://new.example.com",
				BearerToken:   "tok",
				LegacySecret:  "old",
			},
		},
		{
			name:     "empty url falls back to default",
			update:   models.CredentialsUpdate{ServerBaseURL: strPtr("")},
			wantSave: &models.Credentials{LegacySecret: "old"},
		},
		{
			name:     "relative url rejected",
			update:   models.CredentialsUpdate{ServerBaseURL: strPtr("relay.example.com")},
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "unsupported scheme rejected",
			update:   models.CredentialsUpdate{ServerBaseURL: strPtr("ftp://relay.example.com")},
			wantCode: apperrors.ErrCodeInvalidInput,
		},
		{
			name:     "token with line break rejected",
			update:   models.CredentialsUpdate{BearerToken: strPtr("tok\nX-Other: 1")},
			wantCode: apperrors.ErrCodeInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay, creds, _, _ := newTestRelay()
			creds.On("GetCredentials", mock.Anything).Return(current, nil)
			if tt.wantSave != nil {
				creds.On("SaveCredentials", mock.Anything, *tt.wantSave).Return(nil).Once()
			}

			err := relay.UpdateCredentials(context.Background(), tt.update)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
				creds.AssertNotCalled(t, "SaveCredentials", mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			creds.AssertExpectations(t)
		})
	}
}

func TestRelay_UpdateCredentialsSaveFailure(t *testing.T) {
	relay, creds, _, _ := newTestRelay()
	creds.On("GetCredentials", mock.Anything).Return(models.Credentials{}, nil)
	creds.On("SaveCredentials", mock.Anything, mock.Anything).Return(assert.AnError)

	err := relay.UpdateCredentials(context.Background(), models.CredentialsUpdate{BearerToken: strPtr("tok")})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeDatabaseQuery, apperrors.GetCode(err))
}

func TestRelay_DebugInfo(t *testing.T) {
	relay, creds, status, q := newTestRelay()
	creds.On("GetCredentials", mock.Anything).Return(models.Credentials{
		ServerBaseURL: "https://relay.example.com",
		LegacySecret:  "s3cret",
		UseHMACOnly:   true,
	}, nil)
	q.On("ListByKey", mock.Anything, constants.ManualTestKey).Return([]queue.TaskInfo{}, nil)
	q.On("ListByTag", mock.Anything, constants.SMSForwardTag).
		Return([]queue.TaskInfo{{State: queue.StatePending, Attempts: 2}, {State: queue.StateSucceeded, Attempts: 1}}, nil)
	status.On("GetLastForwardStatus", mock.Anything).Return(
		models.NewLastForwardStatus(strPtr("https://relay.example.com/sms/incoming"), 1700000000000, 503, strPtr("HTTP 503: busy")), nil)

	info, err := relay.DebugInfo(context.Background())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(info), "\n")
	assert.Equal(t, []string{
		"SMS Relay Debug Info",
		"serverUrl=https://relay.example.com",
		"useHmacOnly=true",
		"work.manualTest=(none)",
		"work.smsForward=PENDING (attempts=2) count=2",
		"last.ok=false",
		"last.http=503",
		"last.when=1700000000000",
		"last.endpoint=https://relay.example.com/sms/incoming",
		"last.error=HTTP 503: busy",
	}, lines)
	assert.NotContains(t, info, "s3cret")
}
