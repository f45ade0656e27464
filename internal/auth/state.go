package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mcp-funnel/core/internal/eventlog"
)

// pendingAuthFlowTTL bounds how long an authorization-code flow may sit
// between redirect and callback before its state is discarded
// (5 minutes).
const pendingAuthFlowTTL = 5 * time.Minute

// PendingAuthFlow holds the CSRF state for one in-flight authorization
// request, keyed by its state token.
type PendingAuthFlow struct {
	ServerName   string
	CodeVerifier string
	CreatedAt    time.Time
}

// stateStore is an in-memory CSRF state table with TTL cleanup,
// generalized from oauth.StateStore's fixed 10-minute window to the
// a 5-minute authorization-code deadline and a periodic sweep
// instead of cleanup-on-write only.
type stateStore struct {
	mu      sync.Mutex
	entries map[string]PendingAuthFlow
	ttl     time.Duration
	key     string
	logger  *eventlog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// newStateStore creates a state store for the named server's pending
// authorization-code flows. logger, if non-nil, receives an
// auth:oauth_state_expired event for every state the periodic sweep
// discards.
func newStateStore(ttl time.Duration, key string, logger *eventlog.Logger) *stateStore {
	if ttl <= 0 {
		ttl = pendingAuthFlowTTL
	}
	s := &stateStore{
		entries:   make(map[string]PendingAuthFlow),
		ttl:       ttl,
		key:       key,
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Create generates a new state token and records the pending flow.
func (s *stateStore) Create(serverName, codeVerifier string) (string, error) {
	token, err := generateStateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[token] = PendingAuthFlow{
		ServerName:   serverName,
		CodeVerifier: codeVerifier,
		CreatedAt:    time.Now(),
	}
	s.mu.Unlock()
	return token, nil
}

// Validate consumes and returns the pending flow for state, if present
// and not expired.
func (s *stateStore) Validate(state string) (PendingAuthFlow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return PendingAuthFlow{}, false
	}
	delete(s.entries, state)

	if time.Since(entry.CreatedAt) > s.ttl {
		return PendingAuthFlow{}, false
	}
	return entry, true
}

func (s *stateStore) sweepLoop() {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *stateStore) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for k, v := range s.entries {
		if now.Sub(v.CreatedAt) > s.ttl {
			expired = append(expired, k)
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()

	if s.logger == nil || len(expired) == 0 {
		return
	}
	for _, state := range expired {
		s.logger.Emit(eventlog.LevelWarn, EventOAuthStateExpired, map[string]any{
			"serverName": s.key,
			"state":      state,
		})
	}
}

func (s *stateStore) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

func generateStateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
