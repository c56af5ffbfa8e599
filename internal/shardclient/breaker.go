package shardclient

import (
	"sync"
	"time"
)

// breakerState mirrors replication_engine_v3.go's V3CircuitBreaker: a
// three-value state machine (closed/open/half-open).
type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a per-shard circuit breaker guarding calls to a Shard Actor.
// Failures accumulate within a sliding WindowMs (spec.md §4.10); once
// FailureThreshold is reached inside that window it trips open, turns
// half-open once Cooldown has passed (letting calls through as probes, see
// Allow), and SuccessThreshold consecutive probe successes close it again. Unlike the teacher's lock-free atomics,
// this one takes a mutex around the failure window bookkeeping, since
// expiring old failures needs a read-reset-write that atomics alone can't
// give consistently; shard RPC volume never makes that contention matter.
type Breaker struct {
	mu            sync.Mutex
	state         breakerState
	failures      []int64 // unix nanos of each failure currently inside windowNanos
	successes     int64
	lastFailure   int64 // unix nanos

	failureThreshold int64
	successThreshold int64
	windowNanos      int64
	cooldown         int64 // nanos
}

// NewBreaker constructs a Breaker with the given thresholds, sliding
// failure window, and open-state cooldown.
func NewBreaker(failureThreshold, successThreshold int64, window, cooldown time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		windowNanos:      window.Nanoseconds(),
		cooldown:         cooldown.Nanoseconds(),
	}
}

// Allow reports whether a call may proceed. An open breaker within its
// cooldown rejects; past cooldown it transitions to half-open and allows
// the probing caller through (subsequent concurrent callers during the
// same window also see half-open and are allowed, matching
// V3CircuitBreaker's behavior: probe concurrency is bounded by the shard
// client's own connection pool, not the breaker).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Now().UnixNano()-b.lastFailure > b.cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	default: // half-open
		return true
	}
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.successThreshold {
		b.state = stateClosed
		b.failures = nil
		b.successes = 0
	}
}

// RecordFailure registers a failed call. A failure observed while
// half-open immediately reopens the breaker. Otherwise the failure is
// appended to the sliding window and failures older than WindowMs are
// dropped before comparing the count against FailureThreshold, so a
// failure that happened outside the window never counts toward tripping.
func (b *Breaker) RecordFailure() {
	now := time.Now().UnixNano()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.lastFailure = now
		b.successes = 0
		b.failures = nil
		return
	}

	b.lastFailure = now
	b.failures = append(b.failures, now)
	cutoff := now - b.windowNanos
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	b.failures = kept

	if int64(len(b.failures)) >= b.failureThreshold {
		b.state = stateOpen
		b.successes = 0
	}
}

// State returns a human-readable state name, for /metrics and /health.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	default:
		return "half_open"
	}
}
