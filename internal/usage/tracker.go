package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aigate/internal/domain"
	"aigate/internal/telemetry"
)

// Sink persists usage records
type Sink interface {
	RecordUsage(ctx context.Context, record *domain.UsageRecord) error
	ListUsage(ctx context.Context, filter domain.UsageFilter) ([]*domain.UsageRecord, error)
}

// Request describes one completed chat call
type Request struct {
	Provider domain.Provider
	Model    string
	Messages []domain.Message
	Response string
	Duration time.Duration
	Cached   bool
}

// Tracker turns completed calls into usage records
type Tracker struct {
	sink    Sink
	costs   *CostCalculator
	enabled bool
	now     func() time.Time
	logger  telemetry.Logger
	metrics *telemetry.Metrics
}

// TrackerOption customizes a Tracker
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger
func WithTrackerLogger(l telemetry.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = telemetry.OrNop(l) }
}

// WithTrackerMetrics sets the metrics sink
func WithTrackerMetrics(m *telemetry.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithTrackerClock replaces the time source
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker writing to sink
func NewTracker(sink Sink, costs *CostCalculator, enabled bool, opts ...TrackerOption) *Tracker {
	if costs == nil {
		costs = NewCostCalculator()
	}
	t := &Tracker{
		sink:    sink,
		costs:   costs,
		enabled: enabled && sink != nil,
		now:     time.Now,
		logger:  telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enabled reports whether records are written
func (t *Tracker) Enabled() bool {
	return t.enabled
}

// Costs returns the tracker's price table
func (t *Tracker) Costs() *CostCalculator {
	return t.costs
}

// Build computes tokens and cost for req without persisting anything
func (t *Tracker) Build(req Request) *domain.UsageRecord {
	tokens := CalculateRequestTokens(req.Messages, req.Response)
	messages := make([]domain.Message, len(req.Messages))
	copy(messages, req.Messages)

	return &domain.UsageRecord{
		ID:           uuid.NewString(),
		Provider:     req.Provider,
		Model:        req.Model,
		Messages:     messages,
		Response:     req.Response,
		InputTokens:  tokens.Input,
		OutputTokens: tokens.Output,
		TotalTokens:  tokens.Total,
		Cost:         t.costs.Calculate(req.Provider, req.Model, tokens.Input, tokens.Output),
		DurationMs:   req.Duration.Milliseconds(),
		Cached:       req.Cached,
		CreatedAt:    t.now().UTC(),
	}
}

// Track records req when tracking is enabled and returns the record
func (t *Tracker) Track(ctx context.Context, req Request) (*domain.UsageRecord, error) {
	record := t.Build(req)
	t.metrics.RecordRequest(string(record.Provider), record.Model, record.Cached, nil,
		req.Duration, record.InputTokens, record.OutputTokens, record.Cost)

	if !t.enabled {
		return record, nil
	}
	if err := t.sink.RecordUsage(ctx, record); err != nil {
		t.logger.Error("failed to record usage", "provider", record.Provider, "model", record.Model, "error", err)
		return record, fmt.Errorf("recording usage: %w", err)
	}
	t.logger.Debug("usage recorded",
		"id", record.ID, "provider", record.Provider, "model", record.Model,
		"total_tokens", record.TotalTokens, "cost", record.Cost, "cached", record.Cached)
	return record, nil
}

// List returns the records matching filter
func (t *Tracker) List(ctx context.Context, filter domain.UsageFilter) ([]*domain.UsageRecord, error) {
	if t.sink == nil {
		return nil, nil
	}
	records, err := t.sink.ListUsage(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing usage: %w", err)
	}
	return records, nil
}
