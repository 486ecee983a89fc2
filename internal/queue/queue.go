package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/metrics"
	"smsrelay/internal/privacy"
	"smsrelay/internal/retry"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	errAborted  = errors.New("task aborted")
	errStopping = errors.New("queue stopping")
)

// Config controls the scheduler loop and the retry schedule
type Config struct {
	Workers            int
	PollInterval       time.Duration
	DefaultBackoffBase time.Duration
	MaxBackoff         time.Duration
	// MaxAttempts caps retries; 0 retries until success or a fatal outcome
	MaxAttempts int
}

// Option customizes a Queue
type Option func(*Queue)

// WithClock replaces the wall clock used for scheduling
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Queue drains a Store with a bounded worker pool. Tasks that require the
// network are only claimed while the NetworkMonitor reports connectivity.
type Queue struct {
	store   Store
	handler Handler
	network NetworkMonitor
	config  Config
	logger  *logrus.Logger
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelCauseFunc
	done     chan struct{}
	inflight map[string]*attempt

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a queue. A nil network monitor treats the network as always available.
func New(store Store, handler Handler, network NetworkMonitor, config Config, logger *logrus.Logger, opts ...Option) *Queue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.DefaultBackoffBase <= 0 {
		config.DefaultBackoffBase = 15 * time.Second
	}
	if config.MaxBackoff < config.DefaultBackoffBase {
		config.MaxBackoff = config.DefaultBackoffBase
	}
	if logger == nil {
		logger = logrus.New()
	}

	q := &Queue{
		store:    store,
		handler:  handler,
		network:  network,
		config:   config,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]*attempt),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start recovers tasks left RUNNING by a previous process and begins draining.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return nil
	}

	recovered, err := q.store.RecoverRunning(ctx, q.now())
	if err != nil {
		return fmt.Errorf("failed to recover running tasks: %w", err)
	}
	if recovered > 0 {
		q.logger.WithField("recovered", recovered).Info("Returned interrupted tasks to the queue")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.running = true

	go q.loop(runCtx, q.done)

	q.logger.WithFields(logrus.Fields{
		"workers":       q.config.Workers,
		"poll_interval": q.config.PollInterval.String(),
		"backoff_base":  q.config.DefaultBackoffBase.String(),
		"max_backoff":   q.config.MaxBackoff.String(),
		"max_attempts":  q.config.MaxAttempts,
	}).Info("Task queue started")
	return nil
}

// Stop halts the loop, interrupts in-flight attempts and waits for them to be
// released back to PENDING. Interrupted attempts are not counted.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel(errStopping)
	<-done
	q.wg.Wait()

	q.logger.Info("Task queue stopped")
}

// IsRunning reports whether the scheduler loop is active
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// InFlight returns the number of attempts currently executing
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Wake asks the loop to look for due work without waiting for the next tick
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists a task under req.Key, applying policy when the key is
// already active. It never blocks on the handler.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest, policy Policy) (EnqueueResult, error) {
	if req.Key == "" {
		return EnqueueResult{}, apperrors.NewValidationError("key", "task key is required")
	}

	base := req.BackoffBase
	if base <= 0 {
		base = q.config.DefaultBackoffBase
	}

	now := q.now()
	task := &Task{
		ID:              uuid.NewString(),
		Key:             req.Key,
		Tag:             req.Tag,
		Payload:         req.Payload,
		RequiresNetwork: req.RequiresNetwork,
		BackoffBase:     base,
		State:           StatePending,
		NextRunAt:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	result, err := q.store.Enqueue(ctx, task, policy)
	if err != nil {
		return EnqueueResult{}, err
	}

	for _, id := range result.Aborted {
		q.abort(id)
	}

	fields := logrus.Fields{
		"task_id": result.Task.ID,
		"key":     privacy.MaskFingerprint(req.Key),
		"tag":     req.Tag,
		"policy":  policy.String(),
	}
	if !result.Created {
		q.logger.WithFields(fields).Debug("Task already active for key; request ignored")
		return result, nil
	}

	metrics.IncrementCounter(metrics.QueueEnqueued, map[string]string{"policy": policy.String()}, "Tasks accepted by the queue")
	if result.Replaced > 0 || len(result.Aborted) > 0 {
		fields["replaced"] = result.Replaced
		fields["aborted"] = len(result.Aborted)
	}
	q.logger.WithFields(fields).Debug("Task enqueued")

	q.Wake()
	return result, nil
}

// Cancel cancels pending tasks matching f and aborts matching attempts in flight.
// Aborted attempts end CANCELLED without recording a forward status.
func (q *Queue) Cancel(ctx context.Context, f Filter) (CancelResult, error) {
	result, err := q.store.Cancel(ctx, f, q.now())
	if err != nil {
		return CancelResult{}, err
	}
	for _, id := range result.Running {
		q.abort(id)
	}

	q.logger.WithFields(logrus.Fields{
		"key":       privacy.MaskFingerprint(f.Key),
		"tag":       f.Tag,
		"cancelled": result.Cancelled,
		"aborted":   len(result.Running),
	}).Info("Tasks cancelled")
	return result, nil
}

// CancelByTag cancels all active tasks carrying tag
func (q *Queue) CancelByTag(ctx context.Context, tag string) (CancelResult, error) {
	if tag == "" {
		return CancelResult{}, apperrors.NewValidationError("tag", "tag is required")
	}
	return q.Cancel(ctx, Filter{Tag: tag})
}

// CancelByKey cancels all active tasks for key
func (q *Queue) CancelByKey(ctx context.Context, key string) (CancelResult, error) {
	if key == "" {
		return CancelResult{}, apperrors.NewValidationError("key", "key is required")
	}
	return q.Cancel(ctx, Filter{Key: key})
}

// List returns the observable state of tasks matching f, oldest first
func (q *Queue) List(ctx context.Context, f Filter) ([]TaskInfo, error) {
	tasks, err := q.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.Info())
	}
	return infos, nil
}

func (q *Queue) ListByKey(ctx context.Context, key string) ([]TaskInfo, error) {
	return q.List(ctx, Filter{Key: key})
}

func (q *Queue) ListByTag(ctx context.Context, tag string) ([]TaskInfo, error) {
	return q.List(ctx, Filter{Tag: tag})
}

// Counts returns the number of tasks in each state
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	return q.store.CountByState(ctx)
}

// PurgeFinished deletes terminal tasks that finished before olderThan
func (q *Queue) PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	return q.store.PurgeFinished(ctx, olderThan)
}

func (q *Queue) abort(id string) {
	q.mu.Lock()
	a, ok := q.inflight[id]
	q.mu.Unlock()
	if !ok {
		return
	}

	if a.abort() {
		q.logger.WithField("task_id", id).Debug("Aborting in-flight attempt")
		return
	}
	q.logger.WithField("task_id", id).Debug("Attempt already settled; keeping its verdict")
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	q.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
		q.safeTick(ctx)
	}
}

func (q *Queue) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", r).Error("Recovered from panic in queue loop")
		}
	}()
	q.tick(ctx)
}

func (q *Queue) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	q.mu.Lock()
	free := q.config.Workers - len(q.inflight)
	q.mu.Unlock()
	if free <= 0 {
		return
	}

	networkUp := q.network == nil || q.network.Available(ctx)

	tasks, err := q.store.ClaimDue(ctx, q.now(), free, networkUp)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.WithError(err).Error("Failed to claim due tasks")
		}
		return
	}

	for _, task := range tasks {
		attemptCtx, a := newAttempt(ctx)

		q.mu.Lock()
		q.inflight[task.ID] = a
		q.mu.Unlock()

		q.wg.Add(1)
		go q.execute(attemptCtx, a, task)
	}
}

func (q *Queue) execute(ctx context.Context, a *attempt, task *Task) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, task.ID)
		q.mu.Unlock()
		q.Wake()
	}()
	defer a.cancel(nil)

	log := q.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"key":     privacy.MaskFingerprint(task.Key),
		"attempt": task.Attempts + 1,
	})
	log.Debug("Running task attempt")

	result := q.runHandler(ctx, task)
	cause := context.Cause(ctx)
	if a.isSettled() {
		cause = nil
	}
	completion := q.completionFor(task, result, cause, q.now())

	final, err := q.store.Complete(context.WithoutCancel(ctx), task.ID, completion)
	if err != nil {
		log.WithError(err).Error("Failed to record task completion")
		return
	}

	metrics.IncrementCounter(metrics.QueueCompleted, map[string]string{"state": string(final)}, "Task attempts completed by resulting state")

	fields := logrus.Fields{
		"verdict":  result.Verdict.String(),
		"state":    string(final),
		"attempts": completion.Attempts,
	}
	if result.HTTPCode != 0 {
		fields["http_code"] = result.HTTPCode
	}
	if final == StatePending && completion.Attempts > task.Attempts {
		fields["next_run_at"] = completion.NextRunAt.Format(time.RFC3339)
	}
	if final == StateFailed {
		log.WithFields(fields).Warn("Task failed permanently")
		return
	}
	log.WithFields(fields).Debug("Task attempt finished")
}

func (q *Queue) runHandler(ctx context.Context, task *Task) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"task_id": task.ID,
				"panic":   r,
			}).Error("Task handler panicked")
			result = Retry(0, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return q.handler.Run(ctx, task)
}

// completionFor maps an attempt result to the state written back to the store.
// cause is non-nil when the attempt context was cancelled.
func (q *Queue) completionFor(task *Task, result Result, cause error, now time.Time) Completion {
	c := Completion{
		Attempts:     task.Attempts,
		NextRunAt:    task.NextRunAt,
		LastError:    result.Detail,
		LastHTTPCode: result.HTTPCode,
		At:           now,
	}

	interrupted := cause != nil && (result.Verdict == VerdictCancelled || result.Verdict == VerdictRetry)
	if interrupted {
		if errors.Is(cause, errAborted) {
			c.State = StateCancelled
			c.LastError = "cancelled"
			return c
		}
		c.State = StatePending
		c.NextRunAt = now
		c.LastError = task.LastError
		c.LastHTTPCode = task.LastHTTPCode
		return c
	}

	switch result.Verdict {
	case VerdictSuccess:
		c.State = StateSucceeded
		c.Attempts++
		c.LastError = ""
	case VerdictFailure:
		c.State = StateFailed
		c.Attempts++
	case VerdictCancelled:
		c.State = StateCancelled
	default:
		if result.Verdict != VerdictRetry && c.LastError == "" {
			c.LastError = "unknown handler verdict"
		}
		c.Attempts++
		backoff := q.backoffFor(task)
		if backoff.Exhausted(c.Attempts) {
			c.State = StateFailed
			return c
		}
		c.State = StatePending
		c.NextRunAt = now.Add(backoff.GetNextDelay(c.Attempts))
	}
	return c
}

func (q *Queue) backoffFor(task *Task) *retry.Backoff {
	base := task.BackoffBase
	if base <= 0 {
		base = q.config.DefaultBackoffBase
	}
	maxDelay := q.config.MaxBackoff
	if maxDelay < base {
		maxDelay = base
	}
	return retry.NewBackoff(retry.ForwardBackoffConfig(base, maxDelay, q.config.MaxAttempts))
}
