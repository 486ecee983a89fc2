package forward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/metrics"
	"smsrelay/internal/privacy"
	"smsrelay/internal/queue"
	"smsrelay/internal/tracing"
	"smsrelay/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config bounds one delivery attempt
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxErrorBody   int64
}

// DefaultConfig returns 10s connect and read timeouts
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: constants.DefaultConnectTimeoutSec * time.Second,
		ReadTimeout:    constants.DefaultReadTimeoutSec * time.Second,
		MaxErrorBody:   constants.MaxErrorBodyBytes,
	}
}

// NewHTTPClient builds a client with the dial and response header timeouts of cfg
func NewHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
	}
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithHTTPClient replaces the outbound client
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

// WithCircuitBreaker guards sends with cb. Only transient failures count against it.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(d *Dispatcher) { d.breaker = cb }
}

// WithClock replaces the wall clock used for signing and status timestamps
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher performs one signed POST per attempt and reports the outcome.
// It implements queue.Handler.
type Dispatcher struct {
	client  *http.Client
	status  StatusStore
	builder *SignedRequestBuilder
	breaker *circuitbreaker.CircuitBreaker
	config  Config
	logger  *apperrors.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher that records every completed attempt in status
func NewDispatcher(status StatusStore, cfg Config, logger *logrus.Logger, opts ...Option) *Dispatcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.DefaultConnectTimeoutSec * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = constants.DefaultReadTimeoutSec * time.Second
	}
	if cfg.MaxErrorBody <= 0 {
		cfg.MaxErrorBody = constants.MaxErrorBodyBytes
	}

	d := &Dispatcher{
		status: status,
		config: cfg,
		logger: apperrors.WrapLogger(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = NewHTTPClient(cfg)
	}
	d.builder = NewSignedRequestBuilder(d.now)
	return d
}

// response is what survived one round trip
type response struct {
	code int
	body string
}

// errServerFailure marks a transient response so the breaker counts it
var errServerFailure = errors.New("transient server failure")

// Run implements queue.Handler
func (d *Dispatcher) Run(ctx context.Context, task *queue.Task) queue.Result {
	start := time.Now()

	input, err := DecodeTaskInput(task.Payload)
	if err != nil {
		unexpected := apperrors.NewUnexpectedError("decode forward task", err)
		d.logger.LogError(unexpected, "Failed to decode forward task", logrus.Fields{"task_id": task.ID})
		if !queue.Settle(ctx) {
			return queue.Cancelled()
		}
		detail := unexpected.Error()
		d.recordStatus(ctx, "", 0, &detail)
		return queue.Retry(0, detail)
	}

	ctx, span := tracing.StartSpan(ctx, "forward.dispatch",
		attribute.String("task.id", task.ID),
		attribute.Int("task.attempt", task.Attempts+1),
		attribute.String("http.url", privacy.MaskURL(input.Endpoint)),
	)
	defer span.End()

	resp, sendErr := d.send(ctx, input)

	// An abort that lands after Settle no longer interrupts this attempt
	if !queue.Settle(ctx) {
		tracing.SetSpanStatus(ctx, codes.Unset, "attempt cancelled")
		d.logger.WithContext(logrus.Fields{
			"task_id":  task.ID,
			"endpoint": privacy.MaskURL(input.Endpoint),
		}).Debug("Forward attempt cancelled")
		return queue.Cancelled()
	}

	var outcome Outcome
	if circuitbreaker.IsCircuitBreakerError(sendErr) {
		outcome = Retryable{Body: sendErr.Error(), Err: sendErr}
	} else {
		outcome = Classify(resp.code, resp.body, sendErr)
	}

	d.recordOutcome(ctx, task, input.Endpoint, outcome, time.Since(start))
	return Result(outcome)
}

func (d *Dispatcher) send(ctx context.Context, input TaskInput) (response, error) {
	var resp response
	do := func(ctx context.Context) error {
		var err error
		resp, err = d.post(ctx, input)
		if err != nil {
			return err
		}
		if _, retryable := Classify(resp.code, "", nil).(Retryable); retryable {
			return errServerFailure
		}
		return nil
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Execute(ctx, do)
	} else {
		err = do(ctx)
	}
	if errors.Is(err, errServerFailure) {
		return resp, nil
	}
	return resp, err
}

func (d *Dispatcher) post(ctx context.Context, input TaskInput) (response, error) {
	signed := d.builder.Build(input.Payload, input.Secret, input.BearerToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, input.Endpoint, bytes.NewReader(signed.Body))
	if err != nil {
		return response{}, fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range signed.Headers {
		req.Header[name] = values
	}
	req.ContentLength = int64(len(signed.Body))
	tracing.InjectHeaders(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	out := response{code: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// best effort; a failed read keeps whatever arrived
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, d.config.MaxErrorBody))
		if readErr != nil {
			d.logger.WithError(readErr).Debug("Failed to read error response body")
		}
		out.body = string(body)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, d.config.MaxErrorBody))
	return out, nil
}

func (d *Dispatcher) recordOutcome(ctx context.Context, task *queue.Task, endpoint string, outcome Outcome, elapsed time.Duration) {
	code, errorBody := statusFields(outcome)
	d.recordStatus(ctx, endpoint, code, errorBody)

	labels := map[string]string{"outcome": outcome.Name()}
	metrics.IncrementCounter(metrics.ForwardAttempts, nil, "Forward attempts that reached a verdict")
	metrics.IncrementCounter(metrics.ForwardOutcomes, labels, "Forward attempts by classified outcome")
	metrics.RecordTimer(metrics.ForwardLatency, elapsed, labels, "Forward attempt duration")

	tracing.AddSpanAttributes(ctx,
		attribute.Int("http.response.status_code", code),
		attribute.String("forward.outcome", outcome.Name()),
	)

	fields := logrus.Fields{
		"task_id":     task.ID,
		"key":         privacy.MaskFingerprint(task.Key),
		"attempt":     task.Attempts + 1,
		"endpoint":    privacy.MaskURL(endpoint),
		"status_code": code,
		"duration_ms": elapsed.Milliseconds(),
	}

	if err := Error(endpoint, outcome); err != nil {
		tracing.RecordError(ctx, err)
		d.logger.LogRetryableError(err, "Forward attempt failed", fields)
		return
	}

	tracing.SetSpanStatus(ctx, codes.Ok, "")
	d.logger.WithContext(fields).Info("Message forwarded")
}

// statusFields returns the code and error text recorded for an outcome
func statusFields(outcome Outcome) (int, *string) {
	switch o := outcome.(type) {
	case Success:
		return o.Code, nil
	case Fatal:
		return o.Code, nonEmpty(o.Body, "HTTP "+strconv.Itoa(o.Code))
	case Retryable:
		fallback := "transport error"
		if o.Code != 0 {
			fallback = "HTTP " + strconv.Itoa(o.Code)
		}
		return o.Code, nonEmpty(o.Body, fallback)
	default:
		s := fmt.Sprintf("unclassified outcome %T", o)
		return 0, &s
	}
}

func nonEmpty(s, fallback string) *string {
	if s == "" {
		s = fallback
	}
	return &s
}

func (d *Dispatcher) recordStatus(ctx context.Context, endpoint string, code int, errorBody *string) {
	if d.status == nil {
		return
	}
	err := d.status.RecordLastForwardAttempt(context.WithoutCancel(ctx), endpoint, d.now().UnixMilli(), code, errorBody)
	if err != nil {
		metrics.IncrementCounter(metrics.ForwardStatusWriteErr, nil, "Failed writes of the last forward status")
		d.logger.LogWarn(err, "Failed to record forward status", logrus.Fields{"endpoint": privacy.MaskURL(endpoint)})
	}
}
