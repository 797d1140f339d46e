// Package resilience provides the circuit breaker, retrying dispatcher and
// static fallback chain that guard provider calls.
package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"aigate/internal/storage"
	"aigate/internal/telemetry"
)

// CircuitState represents the circuit breaker state
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // Normal operation
	StateOpen     CircuitState = "open"      // Failures exceeded threshold
	StateHalfOpen CircuitState = "half_open" // Testing if recovered
)

// Store entry lifetimes. An expired state entry reads as closed.
const (
	failuresTTL = 5 * time.Minute
	openTTL     = time.Hour
	halfOpenTTL = 5 * time.Minute
	closedTTL   = time.Hour
)

// Defaults
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 60 * time.Second
)

// CircuitStatus represents the current status of a circuit
type CircuitStatus struct {
	Service   string       `json:"service"`
	State     CircuitState `json:"state"`
	Failures  int64        `json:"failures"`
	Successes int64        `json:"successes"`
	OpenedAt  time.Time    `json:"opened_at,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern for one logical service.
// All state lives in the shared store, so every process using the same store
// observes the same circuit.
type CircuitBreaker struct {
	store            storage.Store
	service          string
	failureThreshold int64
	successThreshold int64
	timeout          time.Duration
	now              func() time.Time
	logger           telemetry.Logger
	metrics          *telemetry.Metrics
}

// BreakerOption customizes a CircuitBreaker
type BreakerOption func(*CircuitBreaker)

// WithThresholds sets the failure count that opens the circuit and the
// half-open success count that closes it
func WithThresholds(failures, successes int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if failures > 0 {
			cb.failureThreshold = int64(failures)
		}
		if successes > 0 {
			cb.successThreshold = int64(successes)
		}
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.timeout = d
		}
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerLogger sets the logger
func WithBreakerLogger(l telemetry.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = telemetry.OrNop(l) }
}

// WithBreakerMetrics sets the metrics sink
func WithBreakerMetrics(m *telemetry.Metrics) BreakerOption {
	return func(cb *CircuitBreaker) { cb.metrics = m }
}

// NewCircuitBreaker creates a new circuit breaker for service
func NewCircuitBreaker(store storage.Store, service string, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		store:            store,
		service:          service,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		timeout:          DefaultOpenTimeout,
		now:              time.Now,
		logger:           telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Service returns the logical service name
func (cb *CircuitBreaker) Service() string {
	return cb.service
}

func (cb *CircuitBreaker) key(part string) string {
	return "circuit_breaker:" + cb.service + ":" + part
}

// IsOpen reports whether calls must be rejected. An open circuit whose timeout
// has elapsed moves to half-open here and admits the caller as its first probe.
// Half-open admits at most successThreshold probes. Store failures read as closed.
func (cb *CircuitBreaker) IsOpen(ctx context.Context) bool {
	allowed, _ := cb.Admit(ctx)
	return !allowed
}

// Admit reports whether a call may proceed and whether it holds a half-open
// probe slot. A probe holder must finish with RecordSuccess, RecordFailure or
// ReleaseProbe, or the slot stays taken until the half-open state expires.
func (cb *CircuitBreaker) Admit(ctx context.Context) (allowed, probe bool) {
	switch cb.state(ctx) {
	case StateOpen:
		raw, ok, err := cb.store.Get(ctx, cb.key("opened_at"))
		if err != nil {
			cb.storeError("read opened_at", err)
			return true, false
		}
		openedAt := ""
		if ok {
			openedAt = string(raw)
			if cb.now().Sub(parseMillis(openedAt)) <= cb.timeout {
				return false, false
			}
		}

		claimed, err := cb.store.Add(ctx, cb.key("transition:"+openedAt), []byte("1"), openTTL)
		if err != nil {
			cb.storeError("claim half-open transition", err)
			return true, false
		}
		if claimed {
			cb.halfOpen(ctx)
		}
		return cb.admitProbe(ctx)

	case StateHalfOpen:
		return cb.admitProbe(ctx)
	}
	return true, false
}

func (cb *CircuitBreaker) admitProbe(ctx context.Context) (allowed, probe bool) {
	n, err := cb.store.Increment(ctx, cb.key("probes"), 1, halfOpenTTL)
	if err != nil {
		cb.storeError("count probe", err)
		return true, false
	}
	if n > cb.successThreshold {
		// rejected callers hold no slot
		if _, err := cb.store.Increment(ctx, cb.key("probes"), -1, halfOpenTTL); err != nil {
			cb.storeError("return rejected probe", err)
		}
		return false, false
	}
	return true, true
}

// ReleaseProbe returns a probe slot taken by Admit when the call ended without
// an outcome for the breaker (unsupported capability, caller cancellation).
// It is a no-op unless the circuit is still half-open.
func (cb *CircuitBreaker) ReleaseProbe(ctx context.Context) {
	if cb.state(ctx) != StateHalfOpen {
		return
	}
	if _, err := cb.store.Increment(ctx, cb.key("probes"), -1, halfOpenTTL); err != nil {
		cb.storeError("release probe", err)
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	switch cb.state(ctx) {
	case StateHalfOpen:
		n, err := cb.store.Increment(ctx, cb.key("successes"), 1, halfOpenTTL)
		if err != nil {
			cb.storeError("count success", err)
			return
		}
		if n >= cb.successThreshold {
			cb.close(ctx)
		}
	case StateClosed:
		if err := cb.store.Forget(ctx, cb.key("failures")); err != nil {
			cb.storeError("reset failures", err)
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	switch cb.state(ctx) {
	case StateHalfOpen:
		cb.open(ctx)
	case StateClosed:
		n, err := cb.store.Increment(ctx, cb.key("failures"), 1, failuresTTL)
		if err != nil {
			cb.storeError("count failure", err)
			return
		}
		if n >= cb.failureThreshold {
			cb.open(ctx)
		}
	}
}

// Status returns the circuit state for monitoring
func (cb *CircuitBreaker) Status(ctx context.Context) CircuitStatus {
	status := CircuitStatus{
		Service:   cb.service,
		State:     cb.state(ctx),
		Failures:  cb.counter(ctx, "failures"),
		Successes: cb.counter(ctx, "successes"),
	}
	if raw, ok, err := cb.store.Get(ctx, cb.key("opened_at")); err == nil && ok {
		status.OpenedAt = parseMillis(string(raw))
	}
	cb.metrics.UpdateCircuitBreakerState(cb.service, string(status.State))
	return status
}

// Reset forces the circuit closed and clears its counters
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	for _, part := range []string{"state", "opened_at", "failures", "successes", "probes"} {
		if err := cb.store.Forget(ctx, cb.key(part)); err != nil {
			return fmt.Errorf("resetting circuit %s: %w", cb.service, err)
		}
	}
	cb.metrics.UpdateCircuitBreakerState(cb.service, string(StateClosed))
	return nil
}

func (cb *CircuitBreaker) state(ctx context.Context) CircuitState {
	raw, ok, err := cb.store.Get(ctx, cb.key("state"))
	if err != nil {
		cb.storeError("read state", err)
		return StateClosed
	}
	if !ok {
		return StateClosed
	}
	switch s := CircuitState(raw); s {
	case StateOpen, StateHalfOpen:
		return s
	}
	return StateClosed
}

func (cb *CircuitBreaker) counter(ctx context.Context, part string) int64 {
	raw, ok, err := cb.store.Get(ctx, cb.key(part))
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n
}

func (cb *CircuitBreaker) open(ctx context.Context) {
	openedAt := strconv.FormatInt(cb.now().UnixMilli(), 10)
	cb.put(ctx, "state", string(StateOpen), openTTL)
	cb.put(ctx, "opened_at", openedAt, openTTL)
	cb.forget(ctx, "failures", "successes", "probes")

	cb.logger.Warn("circuit opened", "service", cb.service, "timeout", cb.timeout.String())
	cb.metrics.UpdateCircuitBreakerState(cb.service, string(StateOpen))
}

func (cb *CircuitBreaker) halfOpen(ctx context.Context) {
	cb.put(ctx, "state", string(StateHalfOpen), halfOpenTTL)
	cb.forget(ctx, "successes")

	cb.logger.Info("circuit half-open", "service", cb.service)
	cb.metrics.UpdateCircuitBreakerState(cb.service, string(StateHalfOpen))
}

func (cb *CircuitBreaker) close(ctx context.Context) {
	cb.put(ctx, "state", string(StateClosed), closedTTL)
	cb.forget(ctx, "failures", "successes", "opened_at", "probes")

	cb.logger.Info("circuit closed", "service", cb.service)
	cb.metrics.UpdateCircuitBreakerState(cb.service, string(StateClosed))
}

func (cb *CircuitBreaker) put(ctx context.Context, part, value string, ttl time.Duration) {
	if err := cb.store.Put(ctx, cb.key(part), []byte(value), ttl); err != nil {
		cb.storeError("write "+part, err)
	}
}

func (cb *CircuitBreaker) forget(ctx context.Context, parts ...string) {
	for _, part := range parts {
		if err := cb.store.Forget(ctx, cb.key(part)); err != nil {
			cb.storeError("clear "+part, err)
		}
	}
}

func (cb *CircuitBreaker) storeError(op string, err error) {
	cb.logger.Warn("circuit breaker store unavailable, failing open",
		"service", cb.service, "op", op, "error", err)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
