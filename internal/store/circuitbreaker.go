// -------------------------------------------------------------------------------
// CircuitBreakerStore - Durable Store Degradation
//
// Project: Yggdrasil
//
// The durable record is a recovery aid, not the source of truth for a running
// request. While the backing store is unreachable every call fails fast with
// ErrDBUnavailable; the progress reporter logs that and keeps notifying, so an
// outage never stalls packaging. After OpenTimeout a single call probes the
// store and closes the circuit on success.
//
// closed -> open (threshold reached) -> half-open (probe) -> closed | open
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

var breakerStateNames = [...]string{"closed", "open", "half-open"}

func (s breakerState) String() string {
	if int(s) < len(breakerStateNames) {
		return breakerStateNames[s]
	}
	return "unknown"
}

// CircuitBreakerStore guards a Store.
type CircuitBreakerStore struct {
	inner     Store
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

var _ Store = (*CircuitBreakerStore)(nil)

// NewCircuitBreakerStore wraps inner.
func NewCircuitBreakerStore(inner Store, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		inner:     inner,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.OpenTimeout,
	}
}

// IsHealthy reports whether the circuit is closed.
func (cb *CircuitBreakerStore) IsHealthy() bool {
	return cb.State() == breakerClosed.String()
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreakerStore) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// -------------------------------------------------------------------------
// GUARD
// -------------------------------------------------------------------------

// guard runs call unless the circuit rejects it, then feeds the outcome back.
// Errors that open the circuit are reported as ErrDBUnavailable.
func guard[T any](cb *CircuitBreakerStore, call func() (T, error)) (T, error) {
	var zero T
	if !cb.admit() {
		return zero, ErrDBUnavailable
	}
	v, err := call()
	if !tripsBreaker(err) {
		cb.succeeded()
		return v, err
	}
	if cb.failed() {
		return zero, ErrDBUnavailable
	}
	return zero, err
}

// admit decides whether a call may reach the store. An open circuit past its
// cooldown lets exactly one probe through.
func (cb *CircuitBreakerStore) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.moveTo(breakerProbing)
		return true
	case breakerProbing:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreakerStore) succeeded() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == breakerProbing {
		cb.moveTo(breakerClosed)
	}
}

// failed counts a store failure and reports whether the circuit is now open.
func (cb *CircuitBreakerStore) failed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == breakerProbing || cb.failures >= cb.threshold {
		cb.openedAt = time.Now()
		if cb.state != breakerOpen {
			cb.moveTo(breakerOpen)
		}
	}
	return cb.state == breakerOpen
}

// moveTo must be called with cb.mu held.
func (cb *CircuitBreakerStore) moveTo(to breakerState) {
	from := cb.state
	cb.state = to
	telemetry.CircuitBreakerState.Set(float64(to))
	telemetry.CircuitBreakerTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()

	switch to {
	case breakerClosed:
		slog.Info("Circuit breaker: durable store recovered")
	case breakerOpen:
		slog.Warn("Circuit breaker: durable store unreachable, records are not persisted",
			"failures", cb.failures, "retry_after", cb.cooldown)
	case breakerProbing:
		slog.Info("Circuit breaker: probing durable store")
	}
}

// tripsBreaker reports whether err counts against the store. Missing records
// and cancelled callers do not.
func tripsBreaker(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

// -------------------------------------------------------------------------
// STORE
// -------------------------------------------------------------------------

func (cb *CircuitBreakerStore) Put(ctx context.Context, st *model.RequestState) error {
	_, err := guard(cb, func() (struct{}, error) { return struct{}{}, cb.inner.Put(ctx, st) })
	return err
}

func (cb *CircuitBreakerStore) Get(ctx context.Context, id string) (*model.RequestState, error) {
	return guard(cb, func() (*model.RequestState, error) { return cb.inner.Get(ctx, id) })
}

func (cb *CircuitBreakerStore) Delete(ctx context.Context, id string) error {
	_, err := guard(cb, func() (struct{}, error) { return struct{}{}, cb.inner.Delete(ctx, id) })
	return err
}

func (cb *CircuitBreakerStore) ListIDs(ctx context.Context) ([]string, error) {
	return guard(cb, func() ([]string, error) { return cb.inner.ListIDs(ctx) })
}

// Close closes the wrapped store whatever the circuit state.
func (cb *CircuitBreakerStore) Close() error {
	return cb.inner.Close()
}
