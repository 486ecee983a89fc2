package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/forward"
	"smsrelay/internal/models"
	"smsrelay/internal/privacy"
	"smsrelay/internal/queue"
	"smsrelay/internal/validation"

	"github.com/sirupsen/logrus"
)

// RelayQueue is the part of the task queue the relay facade drives
type RelayQueue interface {
	Enqueuer
	ListByKey(ctx context.Context, key string) ([]queue.TaskInfo, error)
	ListByTag(ctx context.Context, tag string) ([]queue.TaskInfo, error)
	CancelByTag(ctx context.Context, tag string) (queue.CancelResult, error)
}

// QueueState summarizes the manual test and the SMS forwarding work
type QueueState struct {
	ManualTest      string           `json:"manualTest"`
	SMSForward      string           `json:"smsForward"`
	SMSForwardCount int              `json:"smsForwardCount"`
	ManualTestTasks []queue.TaskInfo `json:"manualTestTasks"`
	SMSForwardTasks []queue.TaskInfo `json:"smsForwardTasks"`
}

// Relay is the operator surface: manual sends, queue inspection,
// cancellation, the last forward outcome and credential management.
type Relay struct {
	creds       forward.CredentialStore
	status      forward.StatusStore
	queue       RelayQueue
	backoffBase time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

// NewRelay creates the facade
func NewRelay(creds forward.CredentialStore, status forward.StatusStore, q RelayQueue, backoffBase time.Duration, logger *logrus.Logger) *Relay {
	return &Relay{
		creds:       creds,
		status:      status,
		queue:       q,
		backoffBase: backoffBase,
		logger:      logger,
		now:         time.Now,
	}
}

// SendTestMessage queues a synthetic message from TEST under the manual-test
// key, replacing any earlier test that is still pending or running.
func (r *Relay) SendTestMessage(ctx context.Context) (queue.EnqueueResult, error) {
	creds, err := r.creds.GetCredentials(ctx)
	if err != nil {
		return queue.EnqueueResult{}, apperrors.NewDatabaseError("read credentials", err)
	}
	if !creds.HasAuth() {
		return queue.EnqueueResult{}, apperrors.NewConfigurationError("no secret or bearer token configured").
			WithUserMessage("Set a secret or a bearer token before sending a test message")
	}

	now := r.now()
	body := fmt.Sprintf("E2E test from relay @ %d", now.UnixMilli())
	receivedAt := now.Format(time.RFC3339)

	input, err := forward.NewTaskInput(creds, forward.NewMessagePayload(creds, constants.ManualTestSender, body, receivedAt))
	if err != nil {
		return queue.EnqueueResult{}, apperrors.NewUnexpectedError("build test task", err)
	}
	payload, err := input.Encode()
	if err != nil {
		return queue.EnqueueResult{}, apperrors.NewUnexpectedError("encode test task", err)
	}

	result, err := r.queue.Enqueue(ctx, queue.EnqueueRequest{
		Key:             constants.ManualTestKey,
		Tag:             constants.SMSForwardTag,
		Payload:         payload,
		RequiresNetwork: true,
		BackoffBase:     r.backoffBase,
	}, queue.PolicyReplace)
	if err != nil {
		return queue.EnqueueResult{}, err
	}

	r.logger.WithFields(logrus.Fields{
		LogFieldTaskID:   result.Task.ID,
		LogFieldKey:      constants.ManualTestKey,
		LogFieldEndpoint: privacy.MaskURL(input.Endpoint),
		LogFieldReplaced: result.Replaced + len(result.Aborted),
	}).Info("Enqueued test send")
	return result, nil
}

// QueueState reports the manual test and forwarding tasks with their summaries
func (r *Relay) QueueState(ctx context.Context) (QueueState, error) {
	manual, err := r.queue.ListByKey(ctx, constants.ManualTestKey)
	if err != nil {
		return QueueState{}, apperrors.NewDatabaseError("list manual test tasks", err)
	}
	forwards, err := r.queue.ListByTag(ctx, constants.SMSForwardTag)
	if err != nil {
		return QueueState{}, apperrors.NewDatabaseError("list forward tasks", err)
	}
	return QueueState{
		ManualTest:      queue.Summarize(manual),
		SMSForward:      queue.Summarize(forwards),
		SMSForwardCount: len(forwards),
		ManualTestTasks: manual,
		SMSForwardTasks: forwards,
	}, nil
}

// CancelForwarding cancels every pending or running task tagged sms-forward
func (r *Relay) CancelForwarding(ctx context.Context) (queue.CancelResult, error) {
	result, err := r.queue.CancelByTag(ctx, constants.SMSForwardTag)
	if err != nil {
		return queue.CancelResult{}, err
	}
	r.logger.WithFields(logrus.Fields{
		LogFieldTag:   constants.SMSForwardTag,
		LogFieldCount: result.Cancelled,
	}).Info("Cancelled sms-forward work")
	return result, nil
}

// LastStatus returns the outcome of the most recent completed attempt
func (r *Relay) LastStatus(ctx context.Context) (models.LastForwardStatus, error) {
	status, err := r.status.GetLastForwardStatus(ctx)
	if err != nil {
		return models.LastForwardStatus{}, apperrors.NewDatabaseError("read last forward status", err)
	}
	return status, nil
}

// GetCredentials returns the stored credentials with secret and token masked
func (r *Relay) GetCredentials(ctx context.Context) (models.Credentials, error) {
	creds, err := r.creds.GetCredentials(ctx)
	if err != nil {
		return models.Credentials{}, apperrors.NewDatabaseError("read credentials", err)
	}
	creds.LegacySecret = privacy.MaskSecret(creds.LegacySecret)
	creds.BearerToken = privacy.MaskSecret(creds.BearerToken)
	return creds, nil
}

// UpdateCredentials applies update to the stored credentials. Tasks already
// queued keep the credentials they were enqueued with.
func (r *Relay) UpdateCredentials(ctx context.Context, update models.CredentialsUpdate) error {
	if err := validation.ValidateCredentialsUpdate(update); err != nil {
		return err
	}

	current, err := r.creds.GetCredentials(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("read credentials", err)
	}

	next := update.Apply(current)
	if err := ValidateServerBaseURL(next.ServerBaseURL); err != nil {
		return err
	}

	if err := r.creds.SaveCredentials(ctx, next); err != nil {
		return apperrors.NewDatabaseError("save credentials", err)
	}

	r.logger.WithFields(logrus.Fields{
		LogFieldURL:  privacy.MaskURL(forward.Endpoint(next.ServerBaseURL)),
		"has_secret": next.LegacySecret != "",
		"has_token":  next.BearerToken != "",
		"hmac_only":  next.UseHMACOnly,
	}).Info("Credentials updated")
	return nil
}

// ValidateServerBaseURL accepts an empty value (the default server) or an
// absolute http(s) URL
func ValidateServerBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.NewValidationError("serverBaseUrl", "must be an absolute http(s) URL")
	}
	return nil
}

// DebugInfo renders a plain-text dump of the relay state for bug reports
func (r *Relay) DebugInfo(ctx context.Context) (string, error) {
	creds, err := r.creds.GetCredentials(ctx)
	if err != nil {
		return "", apperrors.NewDatabaseError("read credentials", err)
	}
	state, err := r.QueueState(ctx)
	if err != nil {
		return "", err
	}
	last, err := r.LastStatus(ctx)
	if err != nil {
		return "", err
	}

	endpoint := "(none)"
	if last.Endpoint != nil {
		endpoint = privacy.MaskURL(*last.Endpoint)
	}

	var sb strings.Builder
	sb.WriteString("SMS Relay Debug Info\n")
	fmt.Fprintf(&sb, "serverUrl=%s\n", privacy.MaskURL(strings.TrimSuffix(forward.Endpoint(creds.ServerBaseURL), constants.IncomingSMSPath)))
	fmt.Fprintf(&sb, "useHmacOnly=%t\n", creds.UseHMACOnly)
	fmt.Fprintf(&sb, "work.manualTest=%s\n", state.ManualTest)
	fmt.Fprintf(&sb, "work.smsForward=%s count=%d\n", state.SMSForward, state.SMSForwardCount)
	fmt.Fprintf(&sb, "last.ok=%t\n", last.OK)
	fmt.Fprintf(&sb, "last.http=%d\n", last.HTTPCode)
	fmt.Fprintf(&sb, "last.when=%d\n", last.AttemptAtEpochMs)
	fmt.Fprintf(&sb, "last.endpoint=%s\n", endpoint)
	if last.ErrorBody != nil && strings.TrimSpace(*last.ErrorBody) != "" {
		fmt.Fprintf(&sb, "last.error=%s\n", *last.ErrorBody)
	}
	return sb.String(), nil
}
