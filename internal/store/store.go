// -------------------------------------------------------------------------------
// Store - Durable Request State
//
// Project: Yggdrasil
//
// Persists the state of every preservation request that has not yet reached a
// terminal state. Records are written on each non-terminal transition and
// removed on success or failure, so anything left in the store after a crash
// is work that still needs an operator or the reconcile command.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"errors"

	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

// -------------------------------------------------------------------------
// ERRORS
// -------------------------------------------------------------------------

var (
	// ErrNotFound is returned when no state is stored for an id.
	ErrNotFound = errors.New("request state not found")

	// ErrDBUnavailable is returned by the circuit breaker while the backing
	// store is considered down.
	ErrDBUnavailable = errors.New("durable store unavailable")
)

// -------------------------------------------------------------------------
// INTERFACE
// -------------------------------------------------------------------------

// Store is the key/value contract for request lifecycle records, keyed by
// request id.
type Store interface {
	Put(ctx context.Context, st *model.RequestState) error
	Get(ctx context.Context, id string) (*model.RequestState, error)
	Delete(ctx context.Context, id string) error
	ListIDs(ctx context.Context) ([]string, error)
	Close() error
}

// keyPrefix namespaces request records in flat key spaces.
const keyPrefix = "request/"

func recordKey(id string) []byte {
	return []byte(keyPrefix + id)
}
