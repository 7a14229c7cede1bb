// -------------------------------------------------------------------------------
// Manager - Packer Registry and Sweep
//
// Project: Yggdrasil
//
// Owns one Packer per collection, created on first use, and a periodic sweep
// that re-checks flush conditions so that an idle collection still flushes
// once its batch is old enough.
// -------------------------------------------------------------------------------

package packaging

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

// Manager routes requests to the Packer of their collection.
type Manager struct {
	cfg      config.PackagingConfig
	uploader Uploader
	reporter Reporter
	opts     []Option

	mu      sync.Mutex
	packers map[string]*Packer
}

// NewManager creates a Manager. opts are passed to every Packer it creates.
func NewManager(cfg config.PackagingConfig, uploader Uploader, reporter Reporter, opts ...Option) *Manager {
	return &Manager{
		cfg:      cfg,
		uploader: uploader,
		reporter: reporter,
		opts:     opts,
		packers:  make(map[string]*Packer),
	}
}

// AddToContainer writes st into the batch of collection, then flushes the
// batch if that write made it due.
func (m *Manager) AddToContainer(ctx context.Context, collection string, st *model.RequestState) error {
	p := m.packer(collection)
	if err := p.WriteRecord(ctx, st); err != nil {
		return err
	}
	p.VerifyConditions(ctx)
	return nil
}

// Sweep checks every Packer once and returns the number of flushed batches.
// The Packer set is snapshotted under the lock; the checks run outside it.
func (m *Manager) Sweep(ctx context.Context) int {
	flushed := 0
	for _, p := range m.snapshot() {
		if ctx.Err() != nil {
			break
		}
		if p.VerifyConditions(ctx) {
			flushed++
		}
	}
	return flushed
}

// Run sweeps every interval until ctx is cancelled. Open batches are left on
// disk at shutdown.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Sweep: started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweep: stopped", "open_batches", m.openBatches())
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				slog.Info("Sweep: flushed batches", "count", n)
			}
		}
	}
}

// Collections returns the collections that have a Packer, sorted.
func (m *Manager) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.packers))
	for id := range m.packers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// packer returns the Packer for collection, creating it on first use.
func (m *Manager) packer(collection string) *Packer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packers[collection]
	if !ok {
		p = NewPacker(collection, m.cfg, m.uploader, m.reporter, m.opts...)
		m.packers[collection] = p
	}
	return p
}

func (m *Manager) snapshot() []*Packer {
	m.mu.Lock()
	defer m.mu.Unlock()
	packers := make([]*Packer, 0, len(m.packers))
	for _, p := range m.packers {
		packers = append(packers, p)
	}
	return packers
}

func (m *Manager) openBatches() int {
	n := 0
	for _, p := range m.snapshot() {
		if p.HasBatch() {
			n++
		}
	}
	return n
}
