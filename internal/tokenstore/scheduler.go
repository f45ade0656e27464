package tokenstore

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// defaultSkew is how far ahead of expiry the scheduler proactively
// refreshes a token.
const defaultSkew = 60 * time.Second

// Scheduler proactively refreshes tokens before they expire, retrying
// with exponential backoff bounded by the token's remaining life so a
// flaky refresh endpoint can't spin forever past the point the token
// has already gone bad.
type Scheduler struct {
	store ITokenStorage
	skew  time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	refresh map[string]RefreshFunc
}

// NewScheduler creates a Scheduler backed by store. skew <= 0 uses
// defaultSkew.
func NewScheduler(store ITokenStorage, skew time.Duration) *Scheduler {
	if skew <= 0 {
		skew = defaultSkew
	}
	return &Scheduler{
		store:   store,
		skew:    skew,
		timers:  make(map[string]*time.Timer),
		refresh: make(map[string]RefreshFunc),
	}
}

// Schedule arranges for key's token to be refreshed via fn, skew before
// its expiry. Call this whenever a token is stored or refreshed so the
// next cycle is armed.
func (s *Scheduler) Schedule(key string, tok TokenData, fn RefreshFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresh[key] = fn
	if existing, ok := s.timers[key]; ok {
		existing.Stop()
	}

	if tok.ExpiresAt.IsZero() {
		// Non-expiring token (provider omitted expires_in): nothing to
		// schedule.
		delete(s.timers, key)
		return
	}

	delay := time.Until(tok.ExpiresAt) - s.skew
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() { s.runRefresh(key, 0) })
}

// Cancel stops any scheduled refresh for key, e.g. when its token is cleared.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	delete(s.refresh, key)
}

// Stop cancels every scheduled refresh.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler) runRefresh(key string, retry int) {
	s.mu.Lock()
	fn, ok := s.refresh[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	current, err := s.store.Retrieve(ctx, key)
	if err != nil {
		slog.Warn("tokenstore: refresh skipped, no stored token", "key", key, "err", err)
		return
	}

	refreshed, err := fn(ctx, current)
	if err != nil {
		s.retryAfterBackoff(key, current, retry, err)
		return
	}

	if err := s.store.Store(ctx, key, refreshed); err != nil {
		slog.Error("tokenstore: failed to persist refreshed token", "key", key, "err", err)
		return
	}
	s.Schedule(key, refreshed, fn)
	slog.Info("tokenstore: refreshed token", "key", key)
}

// retryAfterBackoff retries a failed refresh with exponential backoff,
// but never past the token's own remaining lifetime: once that's gone,
// retrying a refresh for an already-dead token doesn't help anyone.
func (s *Scheduler) retryAfterBackoff(key string, current TokenData, retry int, cause error) {
	if !current.ExpiresAt.IsZero() && time.Now().After(current.ExpiresAt) {
		slog.Error("tokenstore: giving up on refresh, token already expired",
			"key", key, "err", cause)
		return
	}

	backoff := time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(retry)), float64(time.Minute)))
	slog.Warn("tokenstore: refresh failed, retrying", "key", key, "in", backoff, "err", cause)

	s.mu.Lock()
	s.timers[key] = time.AfterFunc(backoff, func() { s.runRefresh(key, retry+1) })
	s.mu.Unlock()
}
