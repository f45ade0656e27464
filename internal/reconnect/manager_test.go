package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcp-funnel/core/internal/config"
)

type fakeClock struct {
	mu     sync.Mutex
	fired  chan struct{}
	delays []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{fired: make(chan struct{}, 1024)} }

func (c *fakeClock) Now() time.Time { return time.Time{} }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	c.fired <- struct{}{}
	return ch
}

type zeroRand struct{}

func (zeroRand) Float64() float64 { return 0.5 } // midpoint: no jitter skew

func TestBackoffDelay_ExponentialGrowthCappedAtMax(t *testing.T) {
	policy := config.ReconnectPolicy{
		MaxAttempts: 100, InitialDelayMs: 1000, MaxDelayMs: 8000,
		BackoffMultiplier: 2, Jitter: 0,
	}
	m := New("test", policy, func(ctx context.Context) error { return nil }, WithRand(zeroRand{}))

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1000 * time.Millisecond},
		{2, 2000 * time.Millisecond},
		{3, 4000 * time.Millisecond},
		{4, 8000 * time.Millisecond}, // capped
		{5, 8000 * time.Millisecond}, // capped
	}
	for _, c := range cases {
		got := m.backoffDelay(c.attempt)
		if got != c.want {
			t.Errorf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffDelay_JitterNeverNegative(t *testing.T) {
	policy := config.ReconnectPolicy{
		MaxAttempts: 10, InitialDelayMs: 100, MaxDelayMs: 1000,
		BackoffMultiplier: 2, Jitter: 1.0,
	}
	negRand := negativeRand{}
	m := New("test", policy, func(ctx context.Context) error { return nil }, WithRand(negRand))

	if d := m.backoffDelay(1); d < 0 {
		t.Fatalf("delay went negative: %v", d)
	}
}

type negativeRand struct{}

func (negativeRand) Float64() float64 { return 0 } // uniform(-1,+1) -> -1, max negative jitter

func TestManager_RunExhaustsMaxAttempts(t *testing.T) {
	// Mirrors the reconnect-schedule scenario: {initial:1000, max:30000,
	// mult:2, jitter:0, maxAttempts:5} produces successive delays
	// 1000, 2000, 4000, 8000, 16000ms across its first five losses, and
	// only the sixth loss transitions to Failed.
	policy := config.ReconnectPolicy{
		MaxAttempts: 5, InitialDelayMs: 1000, MaxDelayMs: 30000, BackoffMultiplier: 2, Jitter: 0,
	}
	var dialCount int32
	dial := func(ctx context.Context) error {
		atomic.AddInt32(&dialCount, 1)
		return errors.New("boom")
	}
	clock := newFakeClock()
	m := New("test", policy, dial, WithClock(clock), WithRand(zeroRand{}))

	err := m.Run(context.Background())
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if m.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", m.State())
	}
	// Six dials: five losses each followed by a backoff wait, a sixth
	// loss that exceeds MaxAttempts and fails without waiting.
	if atomic.LoadInt32(&dialCount) != 6 {
		t.Fatalf("expected 6 dial attempts, got %d", dialCount)
	}
	wantDelays := []time.Duration{
		1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond,
		8000 * time.Millisecond, 16000 * time.Millisecond,
	}
	if len(clock.delays) != len(wantDelays) {
		t.Fatalf("expected %d backoff waits, got %d: %v", len(wantDelays), len(clock.delays), clock.delays)
	}
	for i, want := range wantDelays {
		if clock.delays[i] != want {
			t.Errorf("delay %d: got %v, want %v", i, clock.delays[i], want)
		}
	}
}

func TestManager_RunStopsCleanlyOnCancel(t *testing.T) {
	policy := config.ReconnectPolicy{MaxAttempts: 1000, InitialDelayMs: 1, MaxDelayMs: 1}
	ctx, cancel := context.WithCancel(context.Background())
	dial := func(ctx context.Context) error {
		cancel()
		return errors.New("boom")
	}
	m := New("test", policy, dial, WithClock(newFakeClock()), WithRand(zeroRand{}))

	err := m.Run(ctx)
	if err != nil {
		t.Fatalf("expected nil error on cancellation, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected StateDisconnected, got %v", m.State())
	}
}

func TestManager_RunStopsWithoutBackoffOnCleanTerminalError(t *testing.T) {
	policy := config.ReconnectPolicy{MaxAttempts: 1000, InitialDelayMs: 1, MaxDelayMs: 1}
	var dialCount int32
	dial := func(ctx context.Context) error {
		atomic.AddInt32(&dialCount, 1)
		return &TerminalError{Err: errors.New("normal closure"), Clean: true}
	}
	m := New("test", policy, dial, WithClock(newFakeClock()), WithRand(zeroRand{}))

	err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("expected nil error on clean terminal close, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected StateDisconnected, got %v", m.State())
	}
	if atomic.LoadInt32(&dialCount) != 1 {
		t.Fatalf("expected exactly one dial attempt (no retry), got %d", dialCount)
	}
}

func TestManager_RunSurfacesNonCleanTerminalErrorWithoutRetry(t *testing.T) {
	policy := config.ReconnectPolicy{MaxAttempts: 1000, InitialDelayMs: 1, MaxDelayMs: 1}
	var dialCount int32
	boom := errors.New("protocol error")
	dial := func(ctx context.Context) error {
		atomic.AddInt32(&dialCount, 1)
		return &TerminalError{Err: boom}
	}
	m := New("test", policy, dial, WithClock(newFakeClock()), WithRand(zeroRand{}))

	err := m.Run(context.Background())
	var term *TerminalError
	if !errors.As(err, &term) || !errors.Is(err, boom) {
		t.Fatalf("expected TerminalError wrapping %v, got %v", boom, err)
	}
	if m.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", m.State())
	}
	if atomic.LoadInt32(&dialCount) != 1 {
		t.Fatalf("expected exactly one dial attempt (no retry), got %d", dialCount)
	}
}

func TestManager_MarkConnectedResetsAttemptCounter(t *testing.T) {
	policy := config.ReconnectPolicy{MaxAttempts: 5, InitialDelayMs: 1, MaxDelayMs: 1, BackoffMultiplier: 1}
	m := New("test", policy, func(ctx context.Context) error { return nil })
	m.attempt = 4
	m.MarkConnected()
	if m.attempt != 0 {
		t.Fatalf("expected attempt reset to 0, got %d", m.attempt)
	}
	if m.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %v", m.State())
	}
}
