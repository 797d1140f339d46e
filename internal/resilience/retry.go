package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"aigate/internal/domain"
	"aigate/internal/telemetry"
)

// RetryConfig configuration for retry logic
type RetryConfig struct {
	MaxRetries  int // total attempts, including the first
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool
}

// DefaultRetryConfig returns the standard policy: 3 attempts, 100ms doubling to 1s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  time.Second,
	}
}

// AttemptError carries retry context for a failed dispatch
type AttemptError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", e.Service, e.Attempts, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Dispatcher runs provider calls behind a circuit breaker with retries
type Dispatcher struct {
	breaker *CircuitBreaker
	config  RetryConfig
	sleep   func(ctx context.Context, d time.Duration) error
	logger  telemetry.Logger
	metrics *telemetry.Metrics
}

// DispatcherOption customizes a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithSleep replaces the backoff wait, for tests
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(l telemetry.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = telemetry.OrNop(l) }
}

// WithDispatcherMetrics sets the metrics sink
func WithDispatcherMetrics(m *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher guarded by breaker
func NewDispatcher(breaker *CircuitBreaker, config RetryConfig, opts ...DispatcherOption) *Dispatcher {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	d := &Dispatcher{
		breaker: breaker,
		config:  config,
		sleep:   sleepContext,
		logger:  telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Breaker returns the dispatcher's circuit breaker
func (d *Dispatcher) Breaker() *CircuitBreaker {
	return d.breaker
}

// Execute runs fn until it succeeds or the retry policy gives up.
//
// An open circuit fails fast with a service_unavailable error and no attempt.
// Client errors are recorded as a breaker failure and returned at once;
// unsupported-capability errors, configuration errors and caller cancellation
// are returned without an outcome, handing back any half-open probe slot.
// Everything else is retried with exponential backoff, and only the final
// failure is recorded.
func (d *Dispatcher) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	service := d.breaker.Service()

	allowed, probe := d.breaker.Admit(ctx)
	if !allowed {
		return &domain.ProviderError{
			Kind:     domain.KindServiceUnavailable,
			Provider: domain.Provider(service),
			Op:       "dispatch",
		}
	}

	recorded := false
	if probe {
		defer func() {
			if !recorded {
				d.breaker.ReleaseProbe(context.WithoutCancel(ctx))
			}
		}()
	}

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			d.breaker.RecordSuccess(ctx)
			recorded = true
			return nil
		}
		lastErr = err

		switch {
		case domain.IsUnsupported(err):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case domain.IsClientError(err):
			d.breaker.RecordFailure(ctx)
			recorded = true
			return &AttemptError{Service: service, Attempts: attempt, Err: err}
		case errors.Is(err, domain.ErrConfiguration):
			return &AttemptError{Service: service, Attempts: attempt, Err: err}
		}

		if attempt == d.config.MaxRetries {
			break
		}

		backoff := calculateBackoff(attempt, d.config.BackoffBase, d.config.BackoffMax, d.config.Jitter)
		d.logger.Debug("retrying provider call",
			"service", service, "attempt", attempt, "backoff", backoff.String(), "error", err)
		d.metrics.RecordRetryAttempt(service, string(domain.KindOf(err)))

		if err := d.sleep(ctx, backoff); err != nil {
			return err
		}
	}

	d.breaker.RecordFailure(ctx)
	recorded = true
	return &AttemptError{Service: service, Attempts: d.config.MaxRetries, Err: lastErr}
}

// calculateBackoff returns min(base * 2^(attempt-1), max) for a 1-indexed attempt,
// with optional ±25% jitter
func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := max
	if shift := attempt - 1; shift < 32 {
		if b := base << shift; b > 0 && b < max {
			backoff = b
		}
	}

	if jitter {
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff = backoff + time.Duration(jitterAmount)
	}

	if backoff < 0 {
		backoff = base
	}

	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
