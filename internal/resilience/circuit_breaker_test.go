package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aigate/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(store storage.Store) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewCircuitBreaker(store, "openai", WithClock(clock.Now)), clock
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cb, clock := newBreaker(storage.NewMemoryStore())

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		cb.RecordFailure(ctx)
		if cb.IsOpen(ctx) {
			t.Fatalf("circuit opened after %d failures", i+1)
		}
	}

	cb.RecordFailure(ctx)
	if !cb.IsOpen(ctx) {
		t.Fatal("circuit should be open after 5 failures")
	}
	if s := cb.Status(ctx); s.State != StateOpen || s.OpenedAt.IsZero() {
		t.Errorf("status = %+v", s)
	}

	clock.Advance(DefaultOpenTimeout)
	if !cb.IsOpen(ctx) {
		t.Fatal("circuit must stay open until the timeout is exceeded")
	}

	clock.Advance(time.Second)
	if cb.IsOpen(ctx) {
		t.Fatal("first check after timeout should admit a probe")
	}
	if s := cb.Status(ctx); s.State != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", s.State)
	}

	cb.RecordSuccess(ctx)
	if s := cb.Status(ctx); s.State != StateHalfOpen || s.Successes != 1 {
		t.Fatalf("status after one success = %+v", s)
	}

	cb.RecordSuccess(ctx)
	s := cb.Status(ctx)
	if s.State != StateClosed || s.Failures != 0 || s.Successes != 0 {
		t.Errorf("status after two successes = %+v, want closed with counters reset", s)
	}
	if cb.IsOpen(ctx) {
		t.Error("closed circuit must admit calls")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	cb, _ := newBreaker(storage.NewMemoryStore())

	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx)
	}
	cb.RecordSuccess(ctx)
	for i := 0; i < 4; i++ {
		cb.RecordFailure(ctx)
	}

	if cb.IsOpen(ctx) {
		t.Error("failures interrupted by a success must not open the circuit")
	}
	if got := cb.Status(ctx).Failures; got != 4 {
		t.Errorf("failures = %d, want 4", got)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	cb, clock := newBreaker(storage.NewMemoryStore())

	for i := 0; i < DefaultFailureThreshold; i++ {
		cb.RecordFailure(ctx)
	}
	firstOpened := cb.Status(ctx).OpenedAt

	clock.Advance(DefaultOpenTimeout + time.Second)
	if cb.IsOpen(ctx) {
		t.Fatal("expected a probe to be admitted")
	}

	cb.RecordFailure(ctx)
	s := cb.Status(ctx)
	if s.State != StateOpen {
		t.Fatalf("state = %s, want open", s.State)
	}
	if !s.OpenedAt.After(firstOpened) {
		t.Errorf("openedAt should move forward on reopen: %v -> %v", firstOpened, s.OpenedAt)
	}
	if !cb.IsOpen(ctx) {
		t.Error("reopened circuit must reject calls")
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	ctx := context.Background()
	cb, clock := newBreaker(storage.NewMemoryStore())

	for i := 0; i < DefaultFailureThreshold; i++ {
		cb.RecordFailure(ctx)
	}
	clock.Advance(DefaultOpenTimeout + time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cb.IsOpen(ctx) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != DefaultSuccessThreshold {
		t.Errorf("admitted probes = %d, want %d", got, DefaultSuccessThreshold)
	}
}

func TestCircuitBreaker_SharedStateAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := NewCircuitBreaker(store, "anthropic")
	b := NewCircuitBreaker(store, "anthropic")
	other := NewCircuitBreaker(store, "groq")

	for i := 0; i < DefaultFailureThreshold; i++ {
		a.RecordFailure(ctx)
	}

	if !b.IsOpen(ctx) {
		t.Error("breakers for the same service must share state")
	}
	if other.IsOpen(ctx) {
		t.Error("breakers for different services must be independent")
	}
}

func TestCircuitBreaker_ConcurrentFailuresAreCounted(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(storage.NewMemoryStore(), "ollama", WithThresholds(100, 2))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure(ctx)
		}()
	}
	wg.Wait()

	if got := cb.Status(ctx).Failures; got != 50 {
		t.Errorf("failures = %d, want 50 (no lost updates)", got)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	cb, _ := newBreaker(storage.NewMemoryStore())
	for i := 0; i < DefaultFailureThreshold; i++ {
		cb.RecordFailure(ctx)
	}

	if err := cb.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if cb.IsOpen(ctx) {
		t.Error("reset circuit must be closed")
	}
}

// brokenStore fails every operation
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (brokenStore) Put(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (brokenStore) Has(context.Context, string) (bool, error) { return false, errStoreDown }
func (brokenStore) Forget(context.Context, string) error      { return errStoreDown }
func (brokenStore) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (brokenStore) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errStoreDown
}

func TestCircuitBreaker_FailsOpenWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(brokenStore{}, "openai")

	for i := 0; i < 10; i++ {
		cb.RecordFailure(ctx)
	}
	if cb.IsOpen(ctx) {
		t.Error("an unreachable store must read as a closed circuit")
	}
	if s := cb.Status(ctx); s.State != StateClosed {
		t.Errorf("state = %s, want closed", s.State)
	}
}

func TestCircuitBreaker_ReleaseProbe(t *testing.T) {
	ctx := context.Background()
	cb, clock := newBreaker(storage.NewMemoryStore())
	for i := 0; i < DefaultFailureThreshold; i++ {
		cb.RecordFailure(ctx)
	}
	clock.Advance(DefaultOpenTimeout + time.Second)

	for i := 0; i < DefaultSuccessThreshold; i++ {
		if allowed, probe := cb.Admit(ctx); !allowed || !probe {
			t.Fatalf("probe %d: allowed=%v probe=%v", i+1, allowed, probe)
		}
	}
	for i := 0; i < 3; i++ {
		if allowed, _ := cb.Admit(ctx); allowed {
			t.Fatal("budget exhausted, call must be rejected")
		}
	}

	cb.ReleaseProbe(ctx)
	if allowed, probe := cb.Admit(ctx); !allowed || !probe {
		t.Errorf("released slot not reusable: allowed=%v probe=%v", allowed, probe)
	}
	if allowed, _ := cb.Admit(ctx); allowed {
		t.Error("only the released slot may be reused")
	}
}

func TestCircuitBreaker_ReleaseProbeOutsideHalfOpen(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cb, _ := newBreaker(store)

	cb.ReleaseProbe(ctx)
	if ok, _ := store.Has(ctx, "circuit_breaker:openai:probes"); ok {
		t.Error("release on a closed circuit must not touch the probe counter")
	}
	if allowed, probe := cb.Admit(ctx); !allowed || probe {
		t.Errorf("closed circuit: allowed=%v probe=%v, want true/false", allowed, probe)
	}
}
