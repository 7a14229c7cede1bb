// -------------------------------------------------------------------------------
// BadgerStore - Embedded On-Disk Key/Value Store
//
// Project: Yggdrasil
//
// Default durable store. Request states are CBOR-encoded under request/<id>
// keys in a local badger database; no external service is needed.
// -------------------------------------------------------------------------------

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v3"

	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

// BadgerStore implements Store on top of badger.
type BadgerStore struct {
	db *badger.DB
}

// Compile-time check.
var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a badger database in dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(slogAdapter{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Put stores st under its request id, replacing any previous record.
func (s *BadgerStore) Put(_ context.Context, st *model.RequestState) error {
	val, err := encodeState(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(st.ID()), val)
	})
}

// Get loads the state stored for id.
func (s *BadgerStore) Get(_ context.Context, id string) (*model.RequestState, error) {
	var st *model.RequestState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			st, err = decodeState(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Delete removes the state for id. Deleting a missing id is not an error.
func (s *BadgerStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
}

// ListIDs returns the ids of all stored states in key order.
func (s *BadgerStore) ListIDs(_ context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return ids, err
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// -------------------------------------------------------------------------
// LOGGING
// -------------------------------------------------------------------------

// slogAdapter routes badger's printf-style logging into slog.
type slogAdapter struct{}

func (slogAdapter) Errorf(f string, v ...interface{}) {
	slog.Error("Badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogAdapter) Warningf(f string, v ...interface{}) {
	slog.Warn("Badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogAdapter) Infof(f string, v ...interface{}) {
	slog.Debug("Badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogAdapter) Debugf(f string, v ...interface{}) {
	slog.Debug("Badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}
