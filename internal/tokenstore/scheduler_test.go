package tokenstore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RefreshesBeforeExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Store(ctx, "srv1", TokenData{AccessToken: "old", ExpiresAt: time.Now().Add(30 * time.Millisecond)})

	var refreshed int32
	sched := NewScheduler(store, 20*time.Millisecond)
	defer sched.Stop()

	done := make(chan struct{})
	fn := func(ctx context.Context, current TokenData) (TokenData, error) {
		atomic.AddInt32(&refreshed, 1)
		close(done)
		return TokenData{AccessToken: "new", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	tok, _ := store.Retrieve(ctx, "srv1")
	sched.Schedule("srv1", tok, fn)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh callback never fired")
	}

	if atomic.LoadInt32(&refreshed) != 1 {
		t.Fatalf("expected 1 refresh, got %d", refreshed)
	}
	got, err := store.Retrieve(ctx, "srv1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got.AccessToken != "new" {
		t.Fatalf("expected refreshed token to be persisted, got %q", got.AccessToken)
	}
}

func TestScheduler_NonExpiringTokenNotScheduled(t *testing.T) {
	store := NewMemoryStore()
	sched := NewScheduler(store, time.Minute)
	defer sched.Stop()

	called := make(chan struct{}, 1)
	sched.Schedule("srv1", TokenData{AccessToken: "abc"}, func(ctx context.Context, cur TokenData) (TokenData, error) {
		called <- struct{}{}
		return cur, nil
	})

	select {
	case <-called:
		t.Fatal("refresh should not fire for a non-expiring token")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduler_CancelStopsTimer(t *testing.T) {
	store := NewMemoryStore()
	sched := NewScheduler(store, 10*time.Millisecond)
	defer sched.Stop()

	called := make(chan struct{}, 1)
	store.Store(context.Background(), "srv1", TokenData{ExpiresAt: time.Now().Add(20 * time.Millisecond)})
	tok, _ := store.Retrieve(context.Background(), "srv1")
	sched.Schedule("srv1", tok, func(ctx context.Context, cur TokenData) (TokenData, error) {
		called <- struct{}{}
		return cur, nil
	})
	sched.Cancel("srv1")

	select {
	case <-called:
		t.Fatal("refresh should not fire after Cancel")
	case <-time.After(100 * time.Millisecond):
	}
}
