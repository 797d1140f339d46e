package resilience

import (
	"context"
	"errors"
	"fmt"

	"aigate/internal/domain"
	"aigate/internal/telemetry"
)

// FallbackStep is one provider in a fallback chain: its dispatcher and the
// call to run through it
type FallbackStep struct {
	Provider   domain.Provider
	Dispatcher *Dispatcher
	Call       func(ctx context.Context) error
}

// FallbackChain tries the primary step, then each fallback in order
type FallbackChain struct {
	steps   []FallbackStep
	logger  telemetry.Logger
	metrics *telemetry.Metrics
}

// NewFallbackChain creates a chain; steps[0] is the primary
func NewFallbackChain(steps []FallbackStep, logger telemetry.Logger, metrics *telemetry.Metrics) *FallbackChain {
	return &FallbackChain{
		steps:   steps,
		logger:  telemetry.OrNop(logger),
		metrics: metrics,
	}
}

// ShouldFallback reports whether err from one provider justifies trying the
// next. Request faults and cancellation would fail the same way everywhere.
func ShouldFallback(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case domain.IsClientError(err), domain.IsUnsupported(err):
		return false
	case errors.Is(err, domain.ErrConfiguration):
		return false
	}
	return true
}

// Execute runs the steps in order and returns the provider that succeeded.
// When every step fails, the returned error joins each step's error.
func (fc *FallbackChain) Execute(ctx context.Context) (domain.Provider, error) {
	if len(fc.steps) == 0 {
		return "", fmt.Errorf("%w: empty fallback chain", domain.ErrConfiguration)
	}

	primary := fc.steps[0].Provider
	var errs []error

	for i, step := range fc.steps {
		if i > 0 {
			fc.logger.Warn("falling back to next provider",
				"primary", primary, "fallback", step.Provider, "error", errs[len(errs)-1])
			fc.metrics.RecordFallbackInvocation(string(primary), string(step.Provider))
		}

		err := step.Dispatcher.Execute(ctx, step.Call)
		if err == nil {
			if i > 0 {
				fc.metrics.RecordFallbackSuccess(string(step.Provider))
			}
			return step.Provider, nil
		}

		errs = append(errs, err)
		if !ShouldFallback(err) {
			break
		}
	}

	if len(errs) == 1 {
		return "", errs[0]
	}
	return "", fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}
