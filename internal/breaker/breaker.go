// Package breaker implements the three-state circuit breaker (component
// C3) that wraps the upstream client: closed, open, half_open, with the
// metrics and manual operator controls §4.3 requires.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rivalapexmediation/auctiontracker/internal/tracing"
	"github.com/rivalapexmediation/auctiontracker/internal/upstream"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Clock abstracts time.Now so tests can drive state transitions
// deterministically, the same pattern used throughout this codebase for
// every time-dependent component.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// MetricsSink receives the breaker's state on every transition, if
// configured. internal/metrics.Metrics satisfies this.
type MetricsSink interface {
	SetCircuitBreakerState(state string)
}

// Metrics is the operator-facing snapshot required by §4.3.
type Metrics struct {
	TotalRequests        int64
	SuccessfulRequests   int64
	FailedRequests       int64
	FastFailures         int64
	SuccessfulRecoveries int64
	SuccessRate          float64
	State                State
	LastFailureTime      time.Time
	NextAttemptTime      time.Time
	Enabled              bool
}

// Breaker wraps an upstream.Client operation with circuit-breaking.
type Breaker struct {
	mu sync.Mutex

	failureThreshold  int
	openTimeout       time.Duration
	halfOpenSuccesses int
	clock             Clock
	metrics           MetricsSink

	// enabled is read via the Feature Flags store by the composition
	// root before each construction; when false the breaker is a pure
	// pass-through that still counts requests for observability.
	enabled bool

	state              State
	consecutiveFails   int
	halfOpenSuccessCnt int
	nextAttemptTime    time.Time
	lastFailureTime    time.Time

	totalRequests        int64
	successfulRequests   int64
	failedRequests       int64
	fastFailures         int64
	successfulRecoveries int64
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithClock injects a Clock for deterministic tests.
func WithClock(c Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithMetrics wires a sink that records every state transition (§6's
// circuit_breaker_state gauge). Optional: a nil sink (the default) is a
// no-op.
func WithMetrics(m MetricsSink) Option {
	return func(b *Breaker) { b.metrics = m }
}

// New builds a Breaker with the spec's documented defaults
// (failureThreshold=5, openTimeout=60s, halfOpenSuccesses=2), enabled by
// default.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold:  5,
		openTimeout:       60 * time.Second,
		halfOpenSuccesses: 2,
		clock:             realClock{},
		state:             Closed,
		enabled:           true,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.reportState()
	return b
}

// reportState pushes the current state to the configured sink, if any.
// Caller must hold b.mu (or be constructing the Breaker, before any other
// goroutine can observe it).
func (b *Breaker) reportState() {
	if b.metrics != nil {
		b.metrics.SetCircuitBreakerState(string(b.state))
	}
}

// SetEnabled toggles pass-through mode (feature-flag gate, §4.3).
func (b *Breaker) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// Allow reports whether a call may proceed, transitioning open→half_open
// when openTimeout has elapsed. It does not itself count the request or
// record its outcome; Do does both.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *Breaker) allowLocked() bool {
	if !b.enabled {
		return true
	}
	switch b.state {
	case Open:
		if !b.clock.Now().Before(b.nextAttemptTime) {
			b.state = HalfOpen
			b.halfOpenSuccessCnt = 0
			b.reportState()
			return true
		}
		return false
	default:
		return true
	}
}

// Do runs fn under breaker protection, classifying the resulting error
// type (if any) into success/failure bookkeeping. et is ignored ("" counts
// as success) when err is nil.
func (b *Breaker) Do(fn func() (upstream.ErrorType, error)) (upstream.ErrorType, error) {
	_, span := tracing.StartSpan(context.Background(), "breaker.Do", nil)
	defer span.End()

	b.mu.Lock()
	if !b.enabled {
		b.totalRequests++
		b.mu.Unlock()
		et, err := fn()
		b.mu.Lock()
		if err == nil || upstream.IsBusinessOutcome(et) {
			b.successfulRequests++
		} else {
			b.failedRequests++
			b.lastFailureTime = b.clock.Now()
		}
		span.SetAttr("breaker_state", string(b.state))
		b.mu.Unlock()
		return et, err
	}
	if !b.allowLocked() {
		b.totalRequests++
		b.fastFailures++
		nextAttempt := b.nextAttemptTime
		b.mu.Unlock()
		span.SetAttr("breaker_state", string(Open))
		return upstream.CircuitOpen, &OpenError{NextAttemptTime: nextAttempt}
	}
	wasHalfOpen := b.state == HalfOpen
	b.totalRequests++
	b.mu.Unlock()

	et, err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || upstream.IsBusinessOutcome(et) {
		b.successfulRequests++
		if wasHalfOpen {
			b.halfOpenSuccessCnt++
			if b.halfOpenSuccessCnt >= b.halfOpenSuccesses {
				b.state = Closed
				b.consecutiveFails = 0
				b.successfulRecoveries++
				b.reportState()
			}
		} else if b.state == Closed {
			b.consecutiveFails = 0
		}
		span.SetAttr("breaker_state", string(b.state))
		return et, err
	}

	// Transport/infra fault.
	b.failedRequests++
	b.lastFailureTime = b.clock.Now()

	if wasHalfOpen {
		b.open()
		span.SetAttr("breaker_state", string(b.state))
		return et, err
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.open()
	}
	span.SetAttr("breaker_state", string(b.state))
	return et, err
}

func (b *Breaker) open() {
	b.state = Open
	b.consecutiveFails = 0
	b.halfOpenSuccessCnt = 0
	b.nextAttemptTime = b.clock.Now().Add(b.openTimeout)
	b.reportState()
}

// ForceOpen manually opens the breaker.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open()
}

// ForceClose manually closes the breaker and resets its failure counter.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFails = 0
	b.halfOpenSuccessCnt = 0
	b.reportState()
}

// ResetMetrics zeroes the operator-facing counters without changing state.
func (b *Breaker) ResetMetrics() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRequests = 0
	b.successfulRequests = 0
	b.failedRequests = 0
	b.fastFailures = 0
	b.successfulRecoveries = 0
}

// Snapshot returns the current Metrics.
func (b *Breaker) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rate float64
	if b.totalRequests > 0 {
		rate = float64(b.successfulRequests) / float64(b.totalRequests)
	}

	return Metrics{
		TotalRequests:        b.totalRequests,
		SuccessfulRequests:   b.successfulRequests,
		FailedRequests:       b.failedRequests,
		FastFailures:         b.fastFailures,
		SuccessfulRecoveries: b.successfulRecoveries,
		SuccessRate:          rate,
		State:                b.state,
		LastFailureTime:      b.lastFailureTime,
		NextAttemptTime:      b.nextAttemptTime,
		Enabled:              b.enabled,
	}
}

// OpenError is returned by Do when the breaker short-circuits the call.
type OpenError struct {
	NextAttemptTime time.Time
}

func (e *OpenError) Error() string { return "breaker: circuit open" }
