package main

import (
	"sync"
	"time"
)

// RateLimiter is a sliding window limiter keyed by client IP
type RateLimiter struct {
	mu          sync.RWMutex
	requests    map[string][]time.Time
	limit       int
	window      time.Duration
	lastCleanup time.Time
}

// NewRateLimiter allows limit requests per window for each IP. A limit <= 0 rejects everything.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 0 {
		limit = 0
	}
	return &RateLimiter{
		requests:    make(map[string][]time.Time),
		limit:       limit,
		window:      window,
		lastCleanup: time.Now(),
	}
}

// Allow records a request from ip and reports whether it is within the limit
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.limit == 0 {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastCleanup) >= rl.window {
		rl.cleanup(cutoff)
		rl.lastCleanup = now
	}

	recent := prune(rl.requests[ip], cutoff)
	if len(recent) >= rl.limit {
		rl.requests[ip] = recent
		return false
	}
	rl.requests[ip] = append(recent, now)
	return true
}

// cleanup drops IPs without requests inside the window. Caller holds mu.
func (rl *RateLimiter) cleanup(cutoff time.Time) {
	for ip, times := range rl.requests {
		if recent := prune(times, cutoff); len(recent) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = recent
		}
	}
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
