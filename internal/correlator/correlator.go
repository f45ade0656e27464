// Package correlator maps outgoing JSON-RPC request IDs to the callers
// waiting on their responses. Grounded on the channel-based
// register/resolve pattern in approval.Manager, generalized from a
// single approval ID to an arbitrary-cardinality request table with a
// periodic timeout sweep instead of one timer per entry.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Register when the correlator has already been
// shut down (e.g. the owning connection dropped).
var ErrClosed = errors.New("correlator: closed")

// ErrTimeout is delivered to a waiter whose deadline elapsed before a
// response arrived.
var ErrTimeout = errors.New("correlator: request timed out")

// ErrConnectionLost is delivered to every outstanding waiter when
// RejectAll is invoked after a transport drops.
var ErrConnectionLost = errors.New("correlator: connection lost")

// ErrDuplicateID is returned by Register when id already has an
// outstanding, unresolved entry. The correlator only enforces id
// uniqueness at insertion; generating ids is the caller's job.
var ErrDuplicateID = errors.New("correlator: id already registered")

// Result is what a waiter receives: either a raw JSON-RPC result/error
// payload, or an error describing why none arrived.
type Result struct {
	Payload json.RawMessage
	Err     error
}

type pendingEntry struct {
	ch       chan Result
	deadline time.Time
	resolved bool
}

// Correlator tracks in-flight requests for one connection.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// New creates a Correlator and starts its background timeout sweep.
// sweepInterval controls how often expired entries are scanned for;
// callers typically pass a fraction of their shortest expected timeout.
func New(sweepInterval time.Duration) *Correlator {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	c := &Correlator{
		pending:       make(map[string]*pendingEntry),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Register records a new in-flight request id and returns a channel that
// receives exactly one Result: the matched response, a timeout, or a
// rejection from Close/RejectAll. timeout <= 0 means no deadline.
func (c *Correlator) Register(id string, timeout time.Duration) (<-chan Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateID
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	ch := make(chan Result, 1)
	c.pending[id] = &pendingEntry{ch: ch, deadline: deadline}
	return ch, nil
}

// Resolve delivers payload to the waiter registered under id. It is a
// no-op if id is unknown (late or duplicate response) or already
// resolved, matching single-resolve semantics.
func (c *Correlator) Resolve(id string, payload json.RawMessage) {
	c.deliver(id, Result{Payload: payload})
}

// Reject delivers err to the waiter registered under id. No-op if id is
// unknown or already resolved.
func (c *Correlator) Reject(id string, err error) {
	c.deliver(id, Result{Err: err})
}

func (c *Correlator) deliver(id string, res Result) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if !ok || entry.resolved {
		c.mu.Unlock()
		return
	}
	entry.resolved = true
	delete(c.pending, id)
	c.mu.Unlock()

	entry.ch <- res
}

// RejectAll delivers ErrConnectionLost to every outstanding waiter. Used
// when the owning transport loses its connection and none of its
// in-flight requests can ever be answered.
func (c *Correlator) RejectAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.mu.Unlock()

	for _, entry := range pending {
		if entry.resolved {
			continue
		}
		entry.resolved = true
		entry.ch <- Result{Err: ErrConnectionLost}
	}
}

// Wait blocks on ch until a Result arrives or ctx is cancelled.
func Wait(ctx context.Context, ch <-chan Result) (json.RawMessage, error) {
	select {
	case res := <-ch:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the sweep goroutine and rejects every outstanding waiter.
func (c *Correlator) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.RejectAll()
}

// Len reports the number of in-flight requests, for observability.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *Correlator) sweepExpired() {
	now := time.Now()

	c.mu.Lock()
	var expired []*pendingEntry
	for id, entry := range c.pending {
		if entry.deadline.IsZero() || now.Before(entry.deadline) {
			continue
		}
		entry.resolved = true
		expired = append(expired, entry)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, entry := range expired {
		entry.ch <- Result{Err: ErrTimeout}
	}
}
