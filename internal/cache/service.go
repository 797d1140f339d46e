// Package cache implements the deterministic response cache: fingerprint keys,
// TTL-bounded entries in the shared store and hit/miss accounting.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"aigate/internal/domain"
	"aigate/internal/storage"
	"aigate/internal/telemetry"
)

const (
	keyPrefix     = "ai:"
	hitsKey       = "ai:cache:hits"
	missesKey     = "ai:cache:misses"
	generationKey = "ai:cache:generation"

	// DefaultTTL is how long an entry lives when Put is given no ttl
	DefaultTTL = 3600 * time.Second
)

// Parameters that vary between otherwise identical requests
var volatileParams = map[string]struct{}{
	"stream": {},
	"user":   {},
	"n":      {},
}

// Stats is a snapshot of cache accounting
type Stats struct {
	Enabled    bool    `json:"enabled"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Generation int64   `json:"generation"`
}

// Service is the response cache
type Service struct {
	store   storage.Store
	enabled bool
	ttl     time.Duration
	logger  telemetry.Logger
	metrics *telemetry.Metrics
}

// Option customizes a Service
type Option func(*Service)

// WithTTL sets the default entry lifetime
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithEnabled switches the cache on or off
func WithEnabled(enabled bool) Option {
	return func(s *Service) { s.enabled = enabled }
}

// WithLogger sets the logger
func WithLogger(l telemetry.Logger) Option {
	return func(s *Service) { s.logger = telemetry.OrNop(l) }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates an enabled cache over store
func NewService(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		enabled: true,
		ttl:     DefaultTTL,
		logger:  telemetry.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether lookups and writes are performed
func (s *Service) Enabled() bool {
	return s.enabled
}

// GenerateKey fingerprints a request. Volatile parameters are dropped and map
// keys are serialized in sorted order, so parameter insertion order never
// changes the key.
func GenerateKey(provider domain.Provider, messages []domain.Message, params domain.Parameters) (string, error) {
	stable := make(map[string]any, len(params))
	for k, v := range params {
		if _, skip := volatileParams[k]; skip {
			continue
		}
		stable[k] = v
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	payload, err := json.Marshal(struct {
		Provider   domain.Provider  `json:"provider"`
		Messages   []domain.Message `json:"messages"`
		Parameters map[string]any   `json:"parameters"`
	}{provider, messages, stable})
	if err != nil {
		return "", fmt.Errorf("encoding cache key payload: %w", err)
	}

	sum := blake2b.Sum256(payload)
	return keyPrefix + hex.EncodeToString(sum[:]), nil
}

// Get returns the cached response for key. Store failures read as a miss.
func (s *Service) Get(ctx context.Context, key string) (*domain.ChatResponse, bool) {
	if !s.enabled {
		return nil, false
	}
	raw, ok, err := s.store.Get(ctx, s.entryKey(ctx, key))
	if err != nil {
		s.storeError("get", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var resp domain.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.logger.Warn("discarding unreadable cache entry", "key", key, "error", err)
		return nil, false
	}
	return &resp, true
}

// Put stores resp under key. A zero ttl uses the service default.
func (s *Service) Put(ctx context.Context, key string, resp *domain.ChatResponse, ttl time.Duration) error {
	if !s.enabled || resp == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := s.store.Put(ctx, s.entryKey(ctx, key), raw, ttl); err != nil {
		s.storeError("put", err)
	}
	return nil
}

// Has reports whether a live entry exists for key
func (s *Service) Has(ctx context.Context, key string) bool {
	if !s.enabled {
		return false
	}
	ok, err := s.store.Has(ctx, s.entryKey(ctx, key))
	if err != nil {
		s.storeError("has", err)
		return false
	}
	return ok
}

// Forget removes the entry for key
func (s *Service) Forget(ctx context.Context, key string) error {
	if err := s.store.Forget(ctx, s.entryKey(ctx, key)); err != nil {
		return fmt.Errorf("forgetting cache entry: %w", err)
	}
	return nil
}

// Flush invalidates every entry written so far by moving to a new key
// generation. Old entries stay in the store until their TTL runs out.
func (s *Service) Flush(ctx context.Context) error {
	gen, err := s.store.Increment(ctx, generationKey, 1, 0)
	if err != nil {
		return fmt.Errorf("flushing cache: %w", err)
	}
	s.logger.Info("cache flushed", "generation", gen)
	s.metrics.RecordCacheFlush()
	return nil
}

// RecordHit counts a cache hit
func (s *Service) RecordHit(ctx context.Context, provider domain.Provider) {
	s.count(ctx, hitsKey)
	s.metrics.RecordCacheHit(string(provider))
}

// RecordMiss counts a cache miss
func (s *Service) RecordMiss(ctx context.Context, provider domain.Provider) {
	s.count(ctx, missesKey)
	s.metrics.RecordCacheMiss(string(provider))
}

// HitRate returns hits/(hits+misses) as a percentage rounded to two places,
// or 0 when nothing has been recorded
func (s *Service) HitRate(ctx context.Context) float64 {
	return hitRate(s.read(ctx, hitsKey), s.read(ctx, missesKey))
}

// Stats returns the current accounting snapshot
func (s *Service) Stats(ctx context.Context) Stats {
	hits, misses := s.read(ctx, hitsKey), s.read(ctx, missesKey)
	return Stats{
		Enabled:    s.enabled,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate(hits, misses),
		Generation: s.read(ctx, generationKey),
	}
}

// ResetStats clears the hit and miss counters
func (s *Service) ResetStats(ctx context.Context) error {
	for _, k := range []string{hitsKey, missesKey} {
		if err := s.store.Forget(ctx, k); err != nil {
			return fmt.Errorf("resetting cache stats: %w", err)
		}
	}
	return nil
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return math.Round(float64(hits)/float64(total)*100*100) / 100
}

func (s *Service) entryKey(ctx context.Context, key string) string {
	gen := s.read(ctx, generationKey)
	return keyPrefix + strconv.FormatInt(gen, 10) + ":" + strings.TrimPrefix(key, keyPrefix)
}

func (s *Service) count(ctx context.Context, key string) {
	if _, err := s.store.Increment(ctx, key, 1, 0); err != nil {
		s.storeError("count "+key, err)
	}
}

func (s *Service) read(ctx context.Context, key string) int64 {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.storeError("read "+key, err)
		return 0
	}
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n
}

func (s *Service) storeError(op string, err error) {
	s.logger.Warn("cache store unavailable, treating as miss", "op", op, "error", err)
}
