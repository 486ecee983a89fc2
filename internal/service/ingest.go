package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/forward"
	"smsrelay/internal/metrics"
	"smsrelay/internal/models"
	"smsrelay/internal/privacy"
	"smsrelay/internal/queue"

	"github.com/sirupsen/logrus"
)

// CredentialReader is the read side of forward.CredentialStore
type CredentialReader interface {
	GetCredentials(ctx context.Context) (models.Credentials, error)
}

// Enqueuer submits work to the durable queue
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest, policy queue.Policy) (queue.EnqueueResult, error)
}

// Fingerprint returns the idempotency key of a message: the lowercase hex
// SHA-256 of sender, body and receivedAt joined by newlines. A nil receivedAt
// hashes as an empty string.
func Fingerprint(sender, body string, receivedAt *string) string {
	ts := ""
	if receivedAt != nil {
		ts = *receivedAt
	}
	sum := sha256.Sum256([]byte(sender + "\n" + body + "\n" + ts))
	return hex.EncodeToString(sum[:])
}

// FormatReceivedAt renders t as RFC 3339 in UTC at second precision.
// Re-deliveries of the same message within one second share a fingerprint.
func FormatReceivedAt(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Truncate(time.Second).Format(time.RFC3339)
	return &s
}

// JoinSegments assembles the logical message of a host event. Segment bodies
// are concatenated in order; the sender comes from the first segment.
func JoinSegments(event models.MessageEvent) (models.IncomingMessage, bool) {
	if len(event.Segments) == 0 {
		return models.IncomingMessage{}, false
	}

	var body strings.Builder
	for _, seg := range event.Segments {
		body.WriteString(seg.Body)
	}

	sender := strings.TrimSpace(event.Segments[0].From)
	if sender == "" {
		sender = constants.UnknownSender
	}

	return models.IncomingMessage{
		Sender:     sender,
		Body:       body.String(),
		ReceivedAt: event.ReceivedAt,
	}, true
}

// IngestListener turns host message events into forward tasks. It never
// performs network I/O; delivery happens later in the dispatcher.
type IngestListener struct {
	creds       CredentialReader
	queue       Enqueuer
	backoffBase time.Duration
	logger      *logrus.Logger
	errLogger   *apperrors.Logger
	now         func() time.Time
}

// NewIngestListener creates a listener enqueuing into q. A zero backoffBase
// leaves the queue default in place.
func NewIngestListener(creds CredentialReader, q Enqueuer, backoffBase time.Duration, logger *logrus.Logger) *IngestListener {
	return &IngestListener{
		creds:       creds,
		queue:       q,
		backoffBase: backoffBase,
		logger:      logger,
		errLogger:   apperrors.WrapLogger(logger),
		now:         time.Now,
	}
}

// OnMessageReceived handles one host delivery event. Failures are logged and
// never returned to the host; an event without segments is ignored.
func (l *IngestListener) OnMessageReceived(ctx context.Context, event models.MessageEvent) {
	msg, ok := JoinSegments(event)
	if !ok {
		l.logger.Debug("Skipping host event: no segments")
		return
	}
	if msg.ReceivedAt == nil {
		now := l.now()
		msg.ReceivedAt = &now
	}

	metrics.IncrementCounter(metrics.IngestReceived, nil, "Inbound SMS events")
	LogIncomingSMS(ctx, l.logger, msg.Sender, msg.Body, len(event.Segments))

	if _, err := l.Ingest(ctx, msg); err != nil {
		fields := logrus.Fields{LogFieldSender: privacy.MaskSender(msg.Sender)}
		if apperrors.GetCode(err) == apperrors.ErrCodeConfiguration {
			l.errLogger.LogWarn(err, "Dropping SMS", fields)
			return
		}
		l.errLogger.LogError(err, "Failed to enqueue SMS forward", fields)
	}
}

// Ingest enqueues msg under its fingerprint with the keep-existing policy.
// It returns a configuration error, and enqueues nothing, when neither a
// secret nor a bearer token is configured.
func (l *IngestListener) Ingest(ctx context.Context, msg models.IncomingMessage) (queue.EnqueueResult, error) {
	creds, err := l.creds.GetCredentials(ctx)
	if err != nil {
		metrics.IncrementCounter(metrics.IngestDropped, map[string]string{"reason": "credentials"}, "Inbound SMS not enqueued")
		return queue.EnqueueResult{}, apperrors.Wrap(err, apperrors.ErrCodeConfiguration, "failed to read credentials")
	}
	if !creds.HasAuth() {
		metrics.IncrementCounter(metrics.IngestDropped, map[string]string{"reason": "no_auth"}, "Inbound SMS not enqueued")
		return queue.EnqueueResult{}, apperrors.NewConfigurationError("no secret or bearer token configured")
	}

	receivedAt := FormatReceivedAt(msg.ReceivedAt)
	key := Fingerprint(msg.Sender, msg.Body, receivedAt)

	ts := ""
	if receivedAt != nil {
		ts = *receivedAt
	}
	input, err := forward.NewTaskInput(creds, forward.NewMessagePayload(creds, msg.Sender, msg.Body, ts))
	if err != nil {
		return queue.EnqueueResult{}, apperrors.NewUnexpectedError("build forward task", err)
	}
	payload, err := input.Encode()
	if err != nil {
		return queue.EnqueueResult{}, apperrors.NewUnexpectedError("encode forward task", err)
	}

	result, err := l.queue.Enqueue(ctx, queue.EnqueueRequest{
		Key:             key,
		Tag:             constants.SMSForwardTag,
		Payload:         payload,
		RequiresNetwork: true,
		BackoffBase:     l.backoffBase,
	}, queue.PolicyKeep)
	if err != nil {
		return queue.EnqueueResult{}, err
	}

	if !result.Created {
		metrics.IncrementCounter(metrics.IngestDuplicates, nil, "Inbound SMS collapsed into an existing task")
	}
	l.logger.WithFields(logrus.Fields{
		LogFieldKey:      privacy.MaskFingerprint(key),
		LogFieldTaskID:   result.Task.ID,
		LogFieldCreated:  result.Created,
		LogFieldEndpoint: privacy.MaskURL(input.Endpoint),
	}).Info("Enqueued SMS forward")

	return result, nil
}
