package queue

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle state of a queued task
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further attempt will be made
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Policy decides what happens when a key already has an active task
type Policy int

const (
	// PolicyKeep ignores the new request while a task for the key is pending or running.
	PolicyKeep Policy = iota
	// PolicyReplace cancels the pending task, aborts a running one and queues the new request.
	PolicyReplace
)

func (p Policy) String() string {
	switch p {
	case PolicyKeep:
		return "KEEP"
	case PolicyReplace:
		return "REPLACE"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Task is one persisted unit of work
type Task struct {
	ID              string
	Key             string
	Tag             string
	Payload         []byte
	RequiresNetwork bool
	BackoffBase     time.Duration
	State           State
	Attempts        int
	NextRunAt       time.Time
	LastError       string
	LastHTTPCode    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}

// Info returns the observable view of the task
func (t *Task) Info() TaskInfo {
	return TaskInfo{
		ID:           t.ID,
		Key:          t.Key,
		Tag:          t.Tag,
		State:        t.State,
		Attempts:     t.Attempts,
		NextRunAt:    t.NextRunAt,
		LastError:    t.LastError,
		LastHTTPCode: t.LastHTTPCode,
		CreatedAt:    t.CreatedAt,
		FinishedAt:   t.FinishedAt,
	}
}

// TaskInfo is what the query surface exposes; it never carries the payload
type TaskInfo struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Tag          string     `json:"tag,omitempty"`
	State        State      `json:"state"`
	Attempts     int        `json:"attempts"`
	NextRunAt    time.Time  `json:"nextRunAt"`
	LastError    string     `json:"lastError,omitempty"`
	LastHTTPCode int        `json:"lastHttpCode,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// EnqueueRequest describes a submission. A zero BackoffBase uses the queue default.
type EnqueueRequest struct {
	Key             string
	Tag             string
	Payload         []byte
	RequiresNetwork bool
	BackoffBase     time.Duration
}

// EnqueueResult reports what the store did with a submission
type EnqueueResult struct {
	// Task is the newly inserted task, or the existing active one under PolicyKeep
	Task *Task
	// Created is false when PolicyKeep collapsed the request into an existing task
	Created bool
	// Replaced counts pending tasks cancelled by PolicyReplace
	Replaced int
	// Aborted lists running task IDs whose in-flight attempt must be stopped
	Aborted []string
}

// Filter selects tasks by key or tag. Empty fields match everything.
type Filter struct {
	Key string
	Tag string
}

// CancelResult reports what a cancellation touched
type CancelResult struct {
	Cancelled int
	Running   []string
}

// Completion is the state written back after an attempt
type Completion struct {
	State        State
	Attempts     int
	NextRunAt    time.Time
	LastError    string
	LastHTTPCode int
	At           time.Time
}

// Store persists tasks. Implementations must honor the per-key rules:
// at most one PENDING and at most one RUNNING task per key, and a task whose
// cancellation was requested always completes as CANCELLED.
type Store interface {
	Enqueue(ctx context.Context, task *Task, policy Policy) (EnqueueResult, error)
	// ClaimDue atomically moves up to limit due PENDING tasks whose key has no
	// RUNNING task to RUNNING. When networkUp is false only tasks that do not
	// require the network are claimed.
	ClaimDue(ctx context.Context, now time.Time, limit int, networkUp bool) ([]*Task, error)
	Complete(ctx context.Context, id string, c Completion) (State, error)
	Cancel(ctx context.Context, f Filter, at time.Time) (CancelResult, error)
	// RecoverRunning returns RUNNING tasks left by a previous process to PENDING.
	RecoverRunning(ctx context.Context, at time.Time) (int64, error)
	List(ctx context.Context, f Filter) ([]*Task, error)
	CountByState(ctx context.Context) (map[State]int, error)
	PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error)
}

// Verdict is a handler's decision about one attempt
type Verdict int

const (
	VerdictSuccess Verdict = iota + 1
	VerdictFailure
	VerdictRetry
	VerdictCancelled
)

func (v Verdict) String() string {
	switch v {
	case VerdictSuccess:
		return "success"
	case VerdictFailure:
		return "failure"
	case VerdictRetry:
		return "retry"
	case VerdictCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is returned by a Handler for every attempt
type Result struct {
	Verdict  Verdict
	HTTPCode int
	Detail   string
}

func Succeeded(code int) Result { return Result{Verdict: VerdictSuccess, HTTPCode: code} }

func Failed(code int, detail string) Result {
	return Result{Verdict: VerdictFailure, HTTPCode: code, Detail: detail}
}

func Retry(code int, detail string) Result {
	return Result{Verdict: VerdictRetry, HTTPCode: code, Detail: detail}
}

func Cancelled() Result { return Result{Verdict: VerdictCancelled} }

// Handler executes one attempt of a task. It must return promptly once ctx is done.
type Handler interface {
	Run(ctx context.Context, task *Task) Result
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, task *Task) Result

func (f HandlerFunc) Run(ctx context.Context, task *Task) Result { return f(ctx, task) }

// NetworkMonitor gates tasks that require connectivity
type NetworkMonitor interface {
	Available(ctx context.Context) bool
}

// Summarize renders the most relevant state of a task list: a RUNNING task,
// else a PENDING one, else the most recent. Returns "(none)" for an empty list.
func Summarize(tasks []TaskInfo) string {
	if len(tasks) == 0 {
		return "(none)"
	}
	pick := tasks[len(tasks)-1]
	found := false
	for _, want := range []State{StateRunning, StatePending} {
		for _, t := range tasks {
			if t.State == want {
				pick = t
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	return fmt.Sprintf("%s (attempts=%d)", pick.State, pick.Attempts)
}
