package persist

import (
	"context"
	"testing"
	"time"

	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/config"
	"github.com/openrp/charcore/inventory"
	"github.com/openrp/charcore/model"
	"github.com/openrp/charcore/schema"
	"github.com/openrp/charcore/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testCoreConfig() config.CoreConfig {
	return config.CoreConfig{
		AttribMax: 100,
		BagWidth:  4,
		BagHeight: 4,
	}
}

func newTestRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	schema.RegisterDefaults(reg)
	reg.MustRegister(schema.FieldDef{Key: "title", Kind: schema.KindString, Default: "", Persisted: true, Visibility: schema.Public, Mutable: true})
	reg.MustRegister(schema.FieldDef{Key: "mood", Kind: schema.KindString, Default: "neutral", Persisted: false, Visibility: schema.Public, Mutable: true})
	reg.Freeze()
	return reg
}

func newTestCatalog(t *testing.T) *inventory.Catalog {
	t.Helper()
	cat := inventory.NewCatalog()
	require.NoError(t, cat.Register(&inventory.Definition{ID: "potion", Name: "Potion", MaxStack: 10, Weight: 0.5}))
	require.NoError(t, cat.Register(&inventory.Definition{ID: "sword", Name: "Sword", W: 1, H: 3, Weight: 3}))
	return cat
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	s := NewStore(db, newTestRegistry(t), newTestCatalog(t), testCoreConfig(), zap.NewNop())
	return s, db
}

func createTestRecord(t *testing.T, s *Store) *character.Record {
	t.Helper()
	rec := character.New(s.reg, s.cfg.AttribMax)
	rec.AccountID = 1
	require.NoError(t, rec.Set(schema.FieldName, "Aria"))
	require.NoError(t, s.Create(context.Background(), rec))
	return rec
}

func TestStore_Create_AssignsIDAndBag(t *testing.T) {
	s, _ := newTestStore(t)
	rec := createTestRecord(t, s)

	assert.Greater(t, rec.ID, int64(0))
	bag := rec.Bag()
	require.NotNil(t, bag)
	w, h := bag.Size()
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, h)
	assert.Equal(t, rec.ID, bag.Owner())
}

func TestStore_Load_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Load(context.Background(), 424242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveLoad_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec := createTestRecord(t, s)

	require.NoError(t, rec.Set(schema.FieldDesc, "a wandering scholar"))
	require.NoError(t, rec.Set(schema.FieldFaction, "guild"))
	require.NoError(t, rec.Set("title", "Archivist"))
	require.NoError(t, rec.Set("mood", "curious")) // not persisted
	require.NoError(t, rec.SetAttrib("strength", 10))
	require.NoError(t, rec.GiveMoney(250))
	require.NoError(t, rec.Set(schema.FieldData, map[string]interface{}{"quest": "chapter-2"}))
	rec.Ledger().Add("potion:minor", "strength", 5)
	rec.Ledger().Add("blessing", "wisdom", 3)

	bag := rec.Bag()
	_, err := bag.Add(s.catalog.Get("potion"), 3, map[string]interface{}{"quality": "fine"}, nil)
	require.NoError(t, err)
	_, err = bag.Add(s.catalog.Get("sword"), 1, nil, &inventory.Pos{X: 3, Y: 0})
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, rec))

	loaded, err := s.Load(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, "Aria", loaded.Get(schema.FieldName, nil))
	assert.Equal(t, "a wandering scholar", loaded.Get(schema.FieldDesc, nil))
	assert.Equal(t, "guild", loaded.Get(schema.FieldFaction, nil))
	assert.Equal(t, "Archivist", loaded.Get("title", nil))
	assert.Equal(t, "neutral", loaded.Get("mood", nil), "non-persisted field falls back to default")
	assert.Equal(t, int64(250), loaded.Money())
	assert.Equal(t, map[string]interface{}{"quest": "chapter-2"}, loaded.Get(schema.FieldData, nil))

	assert.Equal(t, rec.Ledger().All(), loaded.Ledger().All())
	assert.Equal(t, 15.0, loaded.Attrib("strength"))

	loadedBag := loaded.Bag()
	require.NotNil(t, loadedBag)
	assert.True(t, loadedBag.HasItem("potion", 3))
	assert.True(t, loadedBag.HasItem("sword", 1))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			assert.Equal(t, bag.Occupied(x, y), loadedBag.Occupied(x, y), "cell (%d,%d)", x, y)
		}
	}

	pot := loadedBag.Items()[0]
	if pot.Def.ID != "potion" {
		pot = loadedBag.Items()[1]
	}
	assert.Equal(t, "fine", pot.Data["quality"])

	assert.False(t, loaded.Dirty(), "hydration must not mark the record dirty")
}

func TestStore_Save_ClearsDirty(t *testing.T) {
	s, _ := newTestStore(t)
	rec := createTestRecord(t, s)
	require.NoError(t, rec.Set(schema.FieldDesc, "changed"))
	require.True(t, rec.Dirty())

	require.NoError(t, s.Save(context.Background(), rec))
	assert.False(t, rec.Dirty())
}

func TestStore_Save_FailureKeepsDirtyAndBacksOff(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	rec := createTestRecord(t, s)
	require.NoError(t, rec.Set(schema.FieldDesc, "doomed"))

	require.NoError(t, db.Migrator().DropTable(&model.Character{}))
	defer func() {
		require.NoError(t, model.AutoMigrate(db))
	}()

	err := s.Save(ctx, rec)
	require.Error(t, err)
	assert.True(t, rec.Dirty(), "failed save must leave the record dirty")

	// The failure schedules a retry in the future, so an immediate flush
	// skips the record.
	assert.Equal(t, 0, s.Flush(ctx, []*character.Record{rec}))
}

func TestStore_MarkDeleted_TombstonesOnLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec := createTestRecord(t, s)

	require.NoError(t, s.MarkDeleted(ctx, rec.ID))

	loaded, err := s.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, character.StateDeleted, loaded.State())
	assert.Equal(t, "Aria", loaded.Get(schema.FieldName, nil), "reads keep working")
	assert.ErrorIs(t, loaded.Set(schema.FieldName, "Nope"), character.ErrRecordDeleted)
}

func TestStore_MarkDeleted_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.MarkDeleted(context.Background(), 99999), ErrNotFound)
}

func TestStore_Load_SkipsUnknownDefinition(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	rec := createTestRecord(t, s)

	_, err := rec.Bag().Add(s.catalog.Get("potion"), 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, rec))

	// An item whose definition was removed from the catalog.
	orphan := &model.Item{
		ID:          "00000000-0000-0000-0000-000000000001",
		InventoryID: rec.Bag().ID(),
		DefID:       "retired_relic",
		X:           2,
		Y:           2,
		Qty:         1,
	}
	require.NoError(t, db.Create(orphan).Error)

	loaded, err := s.Load(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Bag().HasItem("potion", 1))
	assert.False(t, loaded.Bag().Occupied(2, 2), "unknown item must be skipped")
}

func TestStore_Flush_SavesOnlyDirtyRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	clean := createTestRecord(t, s)
	require.NoError(t, s.Save(ctx, clean))

	dirty := createTestRecord(t, s)
	require.NoError(t, dirty.Set(schema.FieldDesc, "pending"))

	saved := s.Flush(ctx, []*character.Record{clean, dirty})
	assert.Equal(t, 1, saved)
	assert.False(t, dirty.Dirty())

	loaded, err := s.Load(ctx, dirty.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", loaded.Get(schema.FieldDesc, nil))
}

func TestStore_Save_Concurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec := createTestRecord(t, s)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			done <- s.Save(ctx, rec)
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent saves deadlocked")
		}
	}
}
