package store

import (
	"context"
	"sync"

	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

// mockStore is a configurable Store for breaker tests.
type mockStore struct {
	mu        sync.Mutex
	callCount int
	putErr    error
	getErr    error
	getResp   *model.RequestState
	deleteErr error
	listResp  []string
	closed    bool
}

var _ Store = (*mockStore)(nil)

func (m *mockStore) Put(_ context.Context, _ *model.RequestState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	return m.putErr
}

func (m *mockStore) Get(_ context.Context, _ string) (*model.RequestState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	return m.getResp, m.getErr
}

func (m *mockStore) Delete(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	return m.deleteErr
}

func (m *mockStore) ListIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	return m.listResp, nil
}

func (m *mockStore) Close() error {
	m.closed = true
	return nil
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}
