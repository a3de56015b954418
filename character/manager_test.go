package character

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openrp/charcore/config"
	"github.com/openrp/charcore/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store for manager tests.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]map[string]interface{}
	deleted map[int64]bool
	saves   int32
	failSave bool
	loadDelay time.Duration
	loadCalls int32
	reg     *schema.Registry
}

func newFakeStore(reg *schema.Registry) *fakeStore {
	return &fakeStore{rows: make(map[int64]map[string]interface{}), deleted: make(map[int64]bool), reg: reg}
}

func (s *fakeStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.rows[rec.ID] = rec.Values()
	return nil
}

func (s *fakeStore) Load(ctx context.Context, id int64) (*Record, error) {
	atomic.AddInt32(&s.loadCalls, 1)
	if s.loadDelay > 0 {
		select {
		case <-time.After(s.loadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.rows[id]
	if !ok {
		return nil, errors.New("not found")
	}
	rec := New(s.reg, 100)
	rec.ID = id
	for k, v := range values {
		rec.SetLoadedValue(k, v)
	}
	return rec, nil
}

func (s *fakeStore) Save(ctx context.Context, rec *Record) error {
	if s.failSave {
		return errors.New("store down")
	}
	atomic.AddInt32(&s.saves, 1)
	s.mu.Lock()
	s.rows[rec.ID] = rec.Values()
	s.mu.Unlock()
	rec.ClearDirty()
	return nil
}

func (s *fakeStore) MarkDeleted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id] = true
	return nil
}

func testManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	reg := testRegistry(t)
	store := newFakeStore(reg)
	cfg := config.CoreConfig{AttribMax: 100, EvictAfter: time.Minute, LoadTimeout: time.Second}
	return NewManager(reg, store, cfg, zap.NewNop()), store
}

func TestManager_Create_ValidatesInitial(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Create(context.Background(), 1, map[string]interface{}{"ghost": 1})
	assert.ErrorIs(t, err, schema.ErrUnknownField)

	_, err = m.Create(context.Background(), 1, map[string]interface{}{"hp": "lots"})
	assert.ErrorIs(t, err, schema.ErrTypeMismatch)
}

func TestManager_Create_DurableIDBeforeReturn(t *testing.T) {
	m, store := testManager(t)
	rec, err := m.Create(context.Background(), 1, map[string]interface{}{schema.FieldName: "Ada"})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	store.mu.Lock()
	_, persisted := store.rows[rec.ID]
	store.mu.Unlock()
	assert.True(t, persisted)
	assert.Equal(t, StateDetached, rec.State())
	assert.Same(t, rec, m.Get(rec.ID))
}

func TestManager_Load_Materializes(t *testing.T) {
	m, _ := testManager(t)
	rec, err := m.Create(context.Background(), 1, map[string]interface{}{schema.FieldName: "Ada"})
	require.NoError(t, err)
	id := rec.ID

	require.NoError(t, m.Unload(context.Background(), id))
	assert.Nil(t, m.Get(id))

	loaded, err := m.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Ada", loaded.Get(schema.FieldName, nil))
	assert.Equal(t, StateDetached, loaded.State())
}

func TestManager_Load_SharedSingleStoreCall(t *testing.T) {
	m, store := testManager(t)
	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	id := rec.ID
	require.NoError(t, m.Unload(context.Background(), id))
	store.loadDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Load(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.loadCalls))
}

func TestManager_Load_TimeoutBounded(t *testing.T) {
	reg := testRegistry(t)
	store := newFakeStore(reg)
	store.loadDelay = time.Second
	cfg := config.CoreConfig{AttribMax: 100, LoadTimeout: 20 * time.Millisecond}
	m := NewManager(reg, store, cfg, zap.NewNop())

	start := time.Now()
	_, err := m.Load(context.Background(), 99)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestManager_AttachDetach_Lifecycle(t *testing.T) {
	m, _ := testManager(t)
	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)

	attached, err := m.Attach(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, attached.State())

	require.NoError(t, rec.SetSessionVar("tmp", 1))
	m.Detach(rec.ID)
	assert.Equal(t, StateDetached, rec.State())
	// Session vars discarded; record stays loaded.
	assert.Nil(t, rec.GetSessionVar("tmp", nil))
	assert.NotNil(t, m.Get(rec.ID))
}

func TestManager_Attach_NotLoaded(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.Attach(404)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestManager_Attach_Deleted(t *testing.T) {
	m, _ := testManager(t)
	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(context.Background(), rec.ID))
	_, err = m.Attach(rec.ID)
	assert.ErrorIs(t, err, ErrRecordDeleted)
}

func TestManager_Unload_SavesDirty(t *testing.T) {
	m, store := testManager(t)
	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Set("hp", 42))

	require.NoError(t, m.Unload(context.Background(), rec.ID))
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.saves))
}

func TestManager_Unload_SaveFailureKeepsLoaded(t *testing.T) {
	m, store := testManager(t)
	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Set("hp", 42))
	store.failSave = true

	assert.Error(t, m.Unload(context.Background(), rec.ID))
	assert.NotNil(t, m.Get(rec.ID))
	assert.True(t, rec.Dirty())
}

func TestManager_Unload_RefusesAttached(t *testing.T) {
	m, _ := testManager(t)
	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	_, err = m.Attach(rec.ID)
	require.NoError(t, err)

	// An attached record cannot be pulled out from under its session.
	assert.ErrorIs(t, m.Unload(context.Background(), rec.ID), ErrAttached)
	assert.NotNil(t, m.Get(rec.ID))

	m.Detach(rec.ID)
	require.NoError(t, m.Unload(context.Background(), rec.ID))
	assert.Nil(t, m.Get(rec.ID))
}

func TestManager_Delete_TombstoneStaysLoaded(t *testing.T) {
	m, store := testManager(t)
	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), rec.ID))
	assert.True(t, store.deleted[rec.ID])
	assert.Equal(t, StateDeleted, rec.State())
	assert.NotNil(t, m.Get(rec.ID))
}

func TestManager_EvictIdle_OnlyIdleDetached(t *testing.T) {
	reg := testRegistry(t)
	store := newFakeStore(reg)
	cfg := config.CoreConfig{AttribMax: 100, EvictAfter: 10 * time.Millisecond}
	m := NewManager(reg, store, cfg, zap.NewNop())

	idle, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	active, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	_, err = m.Attach(active.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	evicted := m.EvictIdle(context.Background())
	assert.Equal(t, 1, evicted)
	assert.Nil(t, m.Get(idle.ID))
	assert.NotNil(t, m.Get(active.ID))
}

func TestManager_EvictIdle_DirtySaveFailureKeepsLoaded(t *testing.T) {
	reg := testRegistry(t)
	store := newFakeStore(reg)
	cfg := config.CoreConfig{AttribMax: 100, EvictAfter: 10 * time.Millisecond}
	m := NewManager(reg, store, cfg, zap.NewNop())

	rec, err := m.Create(context.Background(), 1, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Set("hp", 42))
	store.failSave = true

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, m.EvictIdle(context.Background()))
	assert.NotNil(t, m.Get(rec.ID))
}
