package queue

import (
	"context"
	"sync"
)

type attemptKey struct{}

// attempt tracks one running handler call. Once the handler settles, an
// abort no longer interrupts it and its verdict is kept.
type attempt struct {
	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	settled bool
	aborted bool
}

func newAttempt(parent context.Context) (context.Context, *attempt) {
	ctx, cancel := context.WithCancelCause(parent)
	a := &attempt{cancel: cancel}
	return context.WithValue(ctx, attemptKey{}, a), a
}

// abort cancels the attempt unless it has already settled
func (a *attempt) abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return false
	}
	a.aborted = true
	a.cancel(errAborted)
	return true
}

func (a *attempt) settle(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted || ctx.Err() != nil {
		return false
	}
	a.settled = true
	return true
}

func (a *attempt) isSettled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

// Settle commits the attempt running under ctx to the verdict its handler is
// about to return. It reports false when the attempt was aborted or stopped
// first; the handler must then return Cancelled without recording anything.
// Outside a queue attempt it only reports whether ctx is still live.
func Settle(ctx context.Context) bool {
	a, ok := ctx.Value(attemptKey{}).(*attempt)
	if !ok {
		return ctx.Err() == nil
	}
	return a.settle(ctx)
}
