package queue_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smsrelay/internal/database"
	"smsrelay/internal/queue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tickFor = 5 * time.Millisecond
)

type switchableNetwork struct {
	up atomic.Bool
}

func (n *switchableNetwork) Available(ctx context.Context) bool { return n.up.Load() }

func setupQueue(t *testing.T, handler queue.Handler, network queue.NetworkMonitor, cfg queue.Config) (*queue.Queue, *database.Database) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.DefaultBackoffBase == 0 {
		cfg.DefaultBackoffBase = time.Hour
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Hour
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}

	q := queue.New(db, handler, network, cfg, logger)
	return q, db
}

func startQueue(t *testing.T, q *queue.Queue) {
	t.Helper()
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
}

func waitForState(t *testing.T, q *queue.Queue, key string, want queue.State) queue.TaskInfo {
	t.Helper()
	var last queue.TaskInfo
	require.Eventually(t, func() bool {
		tasks, err := q.ListByKey(context.Background(), key)
		if err != nil || len(tasks) == 0 {
			return false
		}
		last = tasks[len(tasks)-1]
		return last.State == want
	}, waitFor, tickFor, "task %s never reached %s", key, want)
	return last
}

func request(key string) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Key:             key,
		Tag:             "sms-forward",
		Payload:         []byte(`{"from":"+15550100","body":"hi"}`),
		RequiresNetwork: true,
	}
}

func TestQueue_KeepCollapsesIdenticalRequests(t *testing.T) {
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		return queue.Succeeded(200)
	}), nil, queue.Config{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, request("fp-1"), queue.PolicyKeep)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := q.Enqueue(ctx, request("fp-1"), queue.PolicyKeep)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	other, err := q.Enqueue(ctx, request("fp-2"), queue.PolicyKeep)
	require.NoError(t, err)
	assert.True(t, other.Created)

	tasks, err := q.ListByKey(ctx, "fp-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.StatePending, tasks[0].State)

	tagged, err := q.ListByTag(ctx, "sms-forward")
	require.NoError(t, err)
	assert.Len(t, tagged, 2)
}

func TestQueue_EnqueueRequiresKey(t *testing.T) {
	q, _ := setupQueue(t, nil, nil, queue.Config{})
	_, err := q.Enqueue(context.Background(), queue.EnqueueRequest{}, queue.PolicyKeep)
	assert.Error(t, err)
}

func TestQueue_SuccessfulAttempt(t *testing.T) {
	var gotPayload atomic.Value
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		gotPayload.Store(string(task.Payload))
		return queue.Succeeded(200)
	}), nil, queue.Config{})
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), request("fp-ok"), queue.PolicyKeep)
	require.NoError(t, err)

	info := waitForState(t, q, "fp-ok", queue.StateSucceeded)
	assert.Equal(t, 1, info.Attempts)
	assert.NotNil(t, info.FinishedAt)
	assert.Equal(t, `{"from":"+15550100","body":"hi"}`, gotPayload.Load())
}

func TestQueue_FatalAttemptIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		calls.Add(1)
		return queue.Failed(401, "unauthorized")
	}), nil, queue.Config{DefaultBackoffBase: 10 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), request("fp-401"), queue.PolicyKeep)
	require.NoError(t, err)

	info := waitForState(t, q, "fp-401", queue.StateFailed)
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, 401, info.LastHTTPCode)
	assert.Equal(t, "unauthorized", info.LastError)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_RetriesWithIncreasingDelay(t *testing.T) {
	base := 20 * time.Millisecond

	var mu sync.Mutex
	var attemptTimes []time.Time
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		mu.Lock()
		attemptTimes = append(attemptTimes, time.Now())
		n := len(attemptTimes)
		mu.Unlock()

		if n <= 3 {
			return queue.Retry(503, "service unavailable")
		}
		return queue.Succeeded(200)
	}), nil, queue.Config{DefaultBackoffBase: base, MaxBackoff: time.Second})
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), request("fp-503"), queue.PolicyKeep)
	require.NoError(t, err)

	info := waitForState(t, q, "fp-503", queue.StateSucceeded)
	assert.Equal(t, 4, info.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attemptTimes, 4)
	for i := 1; i < len(attemptTimes); i++ {
		minGap := base<<(i-1) - 2*time.Millisecond
		gap := attemptTimes[i].Sub(attemptTimes[i-1])
		assert.GreaterOrEqual(t, gap, minGap, "gap before attempt %d", i+1)
	}
}

func TestQueue_MaxAttemptsBoundsRetries(t *testing.T) {
	var calls atomic.Int32
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		calls.Add(1)
		return queue.Retry(0, "connection refused")
	}), nil, queue.Config{DefaultBackoffBase: 5 * time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 3})
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), request("fp-down"), queue.PolicyKeep)
	require.NoError(t, err)

	info := waitForState(t, q, "fp-down", queue.StateFailed)
	assert.Equal(t, 3, info.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_NetworkGate(t *testing.T) {
	network := &switchableNetwork{}
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		return queue.Succeeded(200)
	}), network, queue.Config{})
	startQueue(t, q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, request("needs-net"), queue.PolicyKeep)
	require.NoError(t, err)

	offline := request("offline-ok")
	offline.RequiresNetwork = false
	_, err = q.Enqueue(ctx, offline, queue.PolicyKeep)
	require.NoError(t, err)

	waitForState(t, q, "offline-ok", queue.StateSucceeded)

	tasks, err := q.ListByKey(ctx, "needs-net")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.StatePending, tasks[0].State)

	network.up.Store(true)
	waitForState(t, q, "needs-net", queue.StateSucceeded)
}

func TestQueue_CancelByTagAbortsInFlight(t *testing.T) {
	started := make(chan struct{})
	var causeSeen atomic.Bool
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		close(started)
		<-ctx.Done()
		causeSeen.Store(context.Cause(ctx) != nil)
		return queue.Cancelled()
	}), nil, queue.Config{})
	startQueue(t, q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, request("fp-slow"), queue.PolicyKeep)
	require.NoError(t, err)
	<-started

	res, err := q.CancelByTag(ctx, "sms-forward")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cancelled)
	assert.Len(t, res.Running, 1)

	info := waitForState(t, q, "fp-slow", queue.StateCancelled)
	assert.Equal(t, 0, info.Attempts)
	assert.True(t, causeSeen.Load())

	_, err = q.CancelByTag(ctx, "")
	assert.Error(t, err)
}

func TestQueue_CancelAfterSettleKeepsVerdict(t *testing.T) {
	tests := []struct {
		name         string
		result       queue.Result
		want         queue.State
		wantAttempts int
	}{
		{name: "success", result: queue.Succeeded(200), want: queue.StateSucceeded, wantAttempts: 1},
		{name: "fatal", result: queue.Failed(401, "HTTP 401"), want: queue.StateFailed, wantAttempts: 1},
		{name: "retry under cancel request", result: queue.Retry(503, "HTTP 503"), want: queue.StateCancelled, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settled := make(chan bool, 1)
			proceed := make(chan struct{})
			var ctxErr atomic.Value
			q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
				settled <- queue.Settle(ctx)
				<-proceed
				ctxErr.Store(fmt.Sprint(ctx.Err()))
				return tt.result
			}), nil, queue.Config{})
			startQueue(t, q)
			ctx := context.Background()

			_, err := q.Enqueue(ctx, request("fp-settled"), queue.PolicyKeep)
			require.NoError(t, err)
			require.True(t, <-settled)

			res, err := q.CancelByTag(ctx, "sms-forward")
			require.NoError(t, err)
			assert.Len(t, res.Running, 1)
			close(proceed)

			info := waitForState(t, q, "fp-settled", tt.want)
			assert.Equal(t, tt.wantAttempts, info.Attempts)
			assert.Equal(t, "<nil>", ctxErr.Load())
		})
	}
}

func TestQueue_CancelBeforeSettleAborts(t *testing.T) {
	started := make(chan struct{})
	var settled atomic.Bool
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		close(started)
		<-ctx.Done()
		settled.Store(queue.Settle(ctx))
		return queue.Cancelled()
	}), nil, queue.Config{})
	startQueue(t, q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, request("fp-unsettled"), queue.PolicyKeep)
	require.NoError(t, err)
	<-started

	_, err = q.CancelByTag(ctx, "sms-forward")
	require.NoError(t, err)

	info := waitForState(t, q, "fp-unsettled", queue.StateCancelled)
	assert.Equal(t, 0, info.Attempts)
	assert.False(t, settled.Load())
}

func TestQueue_CancelPending(t *testing.T) {
	q, _ := setupQueue(t, nil, nil, queue.Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, request("fp-a"), queue.PolicyKeep)
	require.NoError(t, err)

	res, err := q.CancelByKey(ctx, "fp-a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cancelled)

	tasks, err := q.ListByKey(ctx, "fp-a")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED (attempts=0)", queue.Summarize(tasks))
}

func TestQueue_ReplaceAbortsRunningAttempt(t *testing.T) {
	var calls atomic.Int32
	firstStarted := make(chan struct{})
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		if calls.Add(1) == 1 {
			close(firstStarted)
			<-ctx.Done()
			return queue.Cancelled()
		}
		return queue.Succeeded(200)
	}), nil, queue.Config{})
	startQueue(t, q)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, request("manual-test"), queue.PolicyReplace)
	require.NoError(t, err)
	<-firstStarted

	second, err := q.Enqueue(ctx, request("manual-test"), queue.PolicyReplace)
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.Equal(t, []string{first.Task.ID}, second.Aborted)

	waitForState(t, q, "manual-test", queue.StateSucceeded)

	tasks, err := q.ListByKey(ctx, "manual-test")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, queue.StateCancelled, tasks[0].State)
	assert.Equal(t, queue.StateSucceeded, tasks[1].State)
}

func TestQueue_StopReleasesInFlightTasks(t *testing.T) {
	started := make(chan struct{})
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		close(started)
		<-ctx.Done()
		return queue.Cancelled()
	}), nil, queue.Config{})
	require.NoError(t, q.Start(context.Background()))
	assert.True(t, q.IsRunning())

	_, err := q.Enqueue(context.Background(), request("fp-stop"), queue.PolicyKeep)
	require.NoError(t, err)
	<-started
	assert.Equal(t, 1, q.InFlight())

	q.Stop()
	assert.False(t, q.IsRunning())
	assert.Equal(t, 0, q.InFlight())

	tasks, err := q.ListByKey(context.Background(), "fp-stop")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.StatePending, tasks[0].State)
	assert.Equal(t, 0, tasks[0].Attempts)
}

func TestQueue_StartRecoversInterruptedTasks(t *testing.T) {
	var calls atomic.Int32
	q, db := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		calls.Add(1)
		return queue.Succeeded(200)
	}), nil, queue.Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, request("fp-crash"), queue.PolicyKeep)
	require.NoError(t, err)

	claimed, err := db.ClaimDue(ctx, time.Now(), 10, true)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	startQueue(t, q)
	waitForState(t, q, "fp-crash", queue.StateSucceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_HandlerPanicIsRetried(t *testing.T) {
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		panic("boom")
	}), nil, queue.Config{})
	startQueue(t, q)

	_, err := q.Enqueue(context.Background(), request("fp-panic"), queue.PolicyKeep)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tasks, err := q.ListByKey(context.Background(), "fp-panic")
		return err == nil && len(tasks) == 1 && tasks[0].Attempts == 1
	}, waitFor, tickFor)

	tasks, err := q.ListByKey(context.Background(), "fp-panic")
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, tasks[0].State)
	assert.Contains(t, tasks[0].LastError, "boom")
}

func TestQueue_PerKeySerialization(t *testing.T) {
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	q, _ := setupQueue(t, queue.HandlerFunc(func(ctx context.Context, task *queue.Task) queue.Result {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		active.Add(-1)
		return queue.Succeeded(200)
	}), nil, queue.Config{})
	startQueue(t, q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, request("same"), queue.PolicyKeep)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.InFlight() == 1 }, waitFor, tickFor)

	// a pending follow-up for the same key must wait for the running one
	res, err := q.Enqueue(ctx, request("same"), queue.PolicyReplace)
	require.NoError(t, err)
	assert.True(t, res.Created)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
	close(release)

	waitForState(t, q, "same", queue.StateSucceeded)
}
