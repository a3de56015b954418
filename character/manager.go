package character

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/openrp/charcore/config"
	"github.com/openrp/charcore/schema"
	"go.uber.org/zap"
)

var (
	ErrNotLoaded = errors.New("character: record not loaded")
	ErrAttached  = errors.New("character: record attached to a session")
)

// Store is the persistence surface the manager depends on, implemented by
// the persist package.
type Store interface {
	// Create inserts a new record and assigns its durable ID before returning.
	Create(ctx context.Context, rec *Record) error
	// Load materializes a record by ID.
	Load(ctx context.Context, id int64) (*Record, error)
	// Save writes a record's current state.
	Save(ctx context.Context, rec *Record) error
	// MarkDeleted tombstones the stored row.
	MarkDeleted(ctx context.Context, id int64) error
}

// Manager owns the loaded-record table. Records stay loaded after their
// owner disconnects (Detached) and are only removed by explicit unload,
// deletion, or idle eviction.
type Manager struct {
	mu      sync.RWMutex
	records map[int64]*Record
	loading map[int64]chan struct{}

	registry *schema.Registry
	store    Store
	emitter  Emitter
	cfg      config.CoreConfig
	logger   *zap.Logger
}

// NewManager creates a Manager over a frozen registry.
func NewManager(reg *schema.Registry, store Store, cfg config.CoreConfig, logger *zap.Logger) *Manager {
	return &Manager{
		records:  make(map[int64]*Record),
		loading:  make(map[int64]chan struct{}),
		registry: reg,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetEmitter wires the sync dispatcher for all managed records.
func (m *Manager) SetEmitter(e Emitter) {
	m.emitter = e
}

// Create validates initial against the registry, persists the new record
// synchronously so its ID is durable before returning, and adds it to the
// loaded set in Detached state.
func (m *Manager) Create(ctx context.Context, accountID int64, initial map[string]interface{}) (*Record, error) {
	rec := New(m.registry, m.cfg.AttribMax)
	rec.AccountID = accountID

	for key, value := range initial {
		norm, err := m.registry.Validate(key, value)
		if err != nil {
			return nil, err
		}
		rec.SetLoadedValue(key, norm)
	}

	if err := m.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("character: create: %w", err)
	}
	rec.SetEmitter(m.emitter)
	rec.SetState(StateDetached)

	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()

	m.logger.Info("character created",
		zap.Int64("char_id", rec.ID),
		zap.Int64("account_id", accountID))
	return rec, nil
}

// Get returns the loaded record for id, or nil.
func (m *Manager) Get(id int64) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id]
}

// Load returns the record for id, materializing it from the store when it is
// not already loaded. Concurrent loads of the same ID share one store call.
// The wait is bounded by the configured load timeout so a stalled store
// surfaces as a load failure rather than a hang.
func (m *Manager) Load(ctx context.Context, id int64) (*Record, error) {
	for {
		m.mu.Lock()
		if rec, ok := m.records[id]; ok {
			m.mu.Unlock()
			return rec, nil
		}
		if ch, ok := m.loading[id]; ok {
			m.mu.Unlock()
			select {
			case <-ch:
				continue // loader finished; re-check the table
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.loading[id] = ch
		m.mu.Unlock()

		loadCtx := ctx
		var cancel context.CancelFunc
		if m.cfg.LoadTimeout > 0 {
			loadCtx, cancel = context.WithTimeout(ctx, m.cfg.LoadTimeout)
		}
		rec, err := m.store.Load(loadCtx, id)
		if cancel != nil {
			cancel()
		}

		m.mu.Lock()
		delete(m.loading, id)
		close(ch)
		if err == nil {
			rec.SetEmitter(m.emitter)
			rec.SetState(StateDetached)
			m.records[id] = rec
		}
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		m.logger.Info("character loaded", zap.Int64("char_id", id))
		return rec, nil
	}
}

// Attach marks a loaded record Active when its owning session connects.
// Runs under the manager lock so it serializes against Unload: a record
// cannot be evicted between the lookup and the state transition.
func (m *Manager) Attach(id int64) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotLoaded
	}
	if rec.State() == StateDeleted {
		return nil, ErrRecordDeleted
	}
	rec.SetState(StateActive)
	rec.Touch()
	return rec, nil
}

// Detach marks a record Detached when its owning session ends. Session
// variables are discarded; the record stays loaded and addressable.
func (m *Manager) Detach(id int64) {
	rec := m.Get(id)
	if rec == nil {
		return
	}
	rec.ClearSessionVars()
	if rec.State() == StateActive {
		rec.SetState(StateDetached)
	}
	rec.Touch()
}

// Unload flushes a record if dirty and removes it from the loaded set. A
// failed save keeps the record loaded so no state is lost. The state is
// re-checked under the manager lock before removal, so an owner attaching
// concurrently keeps the record and Unload returns ErrAttached.
func (m *Manager) Unload(ctx context.Context, id int64) error {
	rec := m.Get(id)
	if rec == nil {
		return ErrNotLoaded
	}
	if rec.State() == StateActive {
		return ErrAttached
	}
	if rec.Dirty() {
		if err := m.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("character: unload save: %w", err)
		}
	}
	m.mu.Lock()
	if rec.State() == StateActive {
		m.mu.Unlock()
		return ErrAttached
	}
	delete(m.records, id)
	m.mu.Unlock()
	m.logger.Info("character unloaded", zap.Int64("char_id", id))
	return nil
}

// Delete tombstones a record and synchronously marks the stored row deleted.
// The record stays in the loaded set as a read-only tombstone.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	rec := m.Get(id)
	if rec == nil {
		return ErrNotLoaded
	}
	if err := m.store.MarkDeleted(ctx, id); err != nil {
		return err
	}
	rec.Delete()
	m.logger.Info("character deleted", zap.Int64("char_id", id))
	return nil
}

// All returns a snapshot of every loaded record.
func (m *Manager) All() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// Count returns the loaded-set size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// EvictIdle unloads detached records idle longer than the configured window.
// Dirty records are saved first and kept loaded if the save fails. Run from
// a scheduler ticker.
func (m *Manager) EvictIdle(ctx context.Context) int {
	if m.cfg.EvictAfter <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.cfg.EvictAfter)
	evicted := 0
	for _, rec := range m.All() {
		if rec.State() != StateDetached || rec.LastActive().After(cutoff) {
			continue
		}
		if err := m.Unload(ctx, rec.ID); err != nil {
			// ErrAttached means the owner won a reconnect race; not a fault.
			if !errors.Is(err, ErrAttached) {
				m.logger.Warn("eviction skipped, save failed",
					zap.Int64("char_id", rec.ID),
					zap.Error(err))
			}
			continue
		}
		evicted++
	}
	if evicted > 0 {
		m.logger.Info("evicted idle characters", zap.Int("count", evicted))
	}
	return evicted
}
