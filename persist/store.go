package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/config"
	"github.com/openrp/charcore/inventory"
	"github.com/openrp/charcore/model"
	"github.com/openrp/charcore/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("persist: character not found")

const (
	retryBase = 2 * time.Second
	retryCap  = 5 * time.Minute
)

// Store maps character records to and from the database. Saves of the same
// record are serialized on a per-record lock; failed saves keep the record
// dirty and back off before the next attempt.
type Store struct {
	db      *gorm.DB
	reg     *schema.Registry
	catalog *inventory.Catalog
	cfg     config.CoreConfig
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // per-record save serialization
	retry map[int64]*retryState
}

type retryState struct {
	failures  int
	nextRetry time.Time
}

// NewStore creates a Store.
func NewStore(db *gorm.DB, reg *schema.Registry, catalog *inventory.Catalog, cfg config.CoreConfig, logger *zap.Logger) *Store {
	return &Store{
		db:      db,
		reg:     reg,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
		retry:   make(map[int64]*retryState),
	}
}

// Create inserts the character row and its personal bag, assigning durable
// IDs before returning. Implements character.Store.
func (s *Store) Create(ctx context.Context, rec *character.Record) error {
	row, err := s.toRow(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		rec.ID = row.ID

		bag := &model.Inventory{CharID: &row.ID, W: s.cfg.BagWidth, H: s.cfg.BagHeight}
		if err := tx.Create(bag).Error; err != nil {
			return err
		}
		rec.AddInventory(inventory.NewGrid(bag.ID, bag.W, bag.H))
		return nil
	})
}

// Load materializes a record by ID. Implements character.Store.
func (s *Store) Load(ctx context.Context, id int64) (*character.Record, error) {
	var row model.Character
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persist: load %d: %w", id, err)
	}

	rec := character.New(s.reg, s.cfg.AttribMax)
	rec.ID = row.ID
	rec.AccountID = row.AccountID
	s.fromRow(rec, &row)

	var invRows []model.Inventory
	if err := s.db.WithContext(ctx).Where("char_id = ?", id).Order("id").Find(&invRows).Error; err != nil {
		return nil, fmt.Errorf("persist: load inventories %d: %w", id, err)
	}
	for _, invRow := range invRows {
		g := inventory.NewGrid(invRow.ID, invRow.W, invRow.H)
		if invRow.MaxWeight > 0 {
			g.SetMaxWeight(invRow.MaxWeight)
		}
		if err := s.loadItems(ctx, g); err != nil {
			return nil, err
		}
		rec.AddInventory(g)
	}

	if row.Deleted {
		rec.Delete()
	}
	// Hydration is not a mutation.
	rec.ClearDirty()
	return rec, nil
}

func (s *Store) loadItems(ctx context.Context, g *inventory.Grid) error {
	var itemRows []model.Item
	if err := s.db.WithContext(ctx).Where("inventory_id = ?", g.ID()).Find(&itemRows).Error; err != nil {
		return fmt.Errorf("persist: load items for inventory %d: %w", g.ID(), err)
	}
	for _, ir := range itemRows {
		def := s.catalog.Get(ir.DefID)
		if def == nil {
			s.logger.Warn("skipping item with unknown definition",
				zap.String("item_id", ir.ID),
				zap.String("def_id", ir.DefID))
			continue
		}
		var data map[string]interface{}
		if len(ir.Data) > 0 {
			if err := json.Unmarshal(ir.Data, &data); err != nil {
				s.logger.Warn("dropping malformed item data",
					zap.String("item_id", ir.ID),
					zap.Error(err))
			}
		}
		it := &inventory.Item{ID: ir.ID, Def: def, X: ir.X, Y: ir.Y, Qty: ir.Qty, Data: data}
		if err := g.Restore(it); err != nil {
			s.logger.Warn("skipping item with invalid placement",
				zap.String("item_id", ir.ID),
				zap.Error(err))
		}
	}
	return nil
}

// Save writes the record's full state. Idempotent; concurrent saves of the
// same record serialize on a per-record lock. Implements character.Store.
func (s *Store) Save(ctx context.Context, rec *character.Record) error {
	lock := s.recordLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	wasDirty := rec.ClearDirty()
	if err := s.save(ctx, rec); err != nil {
		if wasDirty {
			rec.MarkDirty()
		}
		s.noteFailure(rec.ID)
		return err
	}
	s.noteSuccess(rec.ID)
	return nil
}

func (s *Store) save(ctx context.Context, rec *character.Record) error {
	row, err := s.toRow(rec)
	if err != nil {
		return err
	}
	row.ID = rec.ID
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Character{}).Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"name":       row.Name,
				"desc":       row.Desc,
				"faction":    row.Faction,
				"class":      row.Class,
				"model_path": row.ModelPath,
				"money":      row.Money,
				"attribs":    row.Attribs,
				"boosts":     row.Boosts,
				"data":       row.Data,
			}).Error; err != nil {
			return err
		}
		for _, g := range rec.Inventories() {
			if err := s.saveGrid(tx, rec.ID, g); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) saveGrid(tx *gorm.DB, charID int64, g *inventory.Grid) error {
	w, h := g.Size()
	owner := g.Owner()
	var ownerPtr *int64
	if owner != 0 {
		ownerPtr = &owner
	}
	invRow := &model.Inventory{ID: g.ID(), CharID: ownerPtr, W: w, H: h}
	if err := tx.Save(invRow).Error; err != nil {
		return err
	}
	// Rewrite item rows wholesale; grids are small and this keeps placement
	// exactly consistent with memory.
	if err := tx.Where("inventory_id = ?", g.ID()).Delete(&model.Item{}).Error; err != nil {
		return err
	}
	for _, it := range g.Items() {
		var blob []byte
		if it.Data != nil {
			var err error
			blob, err = json.Marshal(it.Data)
			if err != nil {
				return err
			}
		}
		itemRow := &model.Item{
			ID:          it.ID,
			InventoryID: g.ID(),
			DefID:       it.Def.ID,
			X:           it.X,
			Y:           it.Y,
			Qty:         it.Qty,
			Data:        blob,
		}
		if err := tx.Create(itemRow).Error; err != nil {
			return err
		}
	}
	return nil
}

// MarkDeleted tombstones the stored row. Implements character.Store.
func (s *Store) MarkDeleted(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&model.Character{}).Where("id = ?", id).Update("deleted", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Flush saves every dirty record in recs, honoring per-record retry backoff.
// Returns the number of successful saves. Run from the periodic flush ticker
// and at orderly shutdown.
func (s *Store) Flush(ctx context.Context, recs []*character.Record) int {
	saved := 0
	now := time.Now()
	for _, rec := range recs {
		if !rec.Dirty() {
			continue
		}
		if !s.readyForRetry(rec.ID, now) {
			continue
		}
		if err := s.Save(ctx, rec); err != nil {
			s.logger.Error("flush save failed, will retry",
				zap.Int64("char_id", rec.ID),
				zap.Error(err))
			continue
		}
		saved++
	}
	return saved
}

func (s *Store) recordLock(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

func (s *Store) readyForRetry(id int64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retry[id]
	return !ok || !now.Before(st.nextRetry)
}

func (s *Store) noteFailure(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.retry[id]
	if !ok {
		st = &retryState{}
		s.retry[id] = st
	}
	backoff := retryBase << st.failures
	if backoff > retryCap || backoff <= 0 {
		backoff = retryCap
	}
	st.failures++
	st.nextRetry = time.Now().Add(backoff)
}

func (s *Store) noteSuccess(id int64) {
	s.mu.Lock()
	delete(s.retry, id)
	s.mu.Unlock()
}

// toRow serializes field values into a character row. Built-in fields map to
// typed columns; any other persisted field rides in the data blob.
func (s *Store) toRow(rec *character.Record) (*model.Character, error) {
	row := &model.Character{AccountID: rec.AccountID}

	getString := func(key string) string {
		v, _ := rec.Get(key, nil).(string)
		return v
	}
	row.Name = getString(schema.FieldName)
	row.Desc = getString(schema.FieldDesc)
	row.Faction = getString(schema.FieldFaction)
	row.Class = getString(schema.FieldClass)
	row.ModelPath = getString(schema.FieldModel)
	row.Money = rec.Money()

	attribs, _ := rec.Get(schema.FieldAttribs, nil).(map[string]interface{})
	blob, err := json.Marshal(attribs)
	if err != nil {
		return nil, err
	}
	row.Attribs = blob

	boosts, err := json.Marshal(rec.Ledger().All())
	if err != nil {
		return nil, err
	}
	row.Boosts = boosts

	// Custom data plus non-built-in persisted fields.
	data, _ := rec.Get(schema.FieldData, nil).(map[string]interface{})
	extra := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		extra[k] = v
	}
	for key, value := range rec.Values() {
		def, ok := s.reg.Get(key)
		if !ok || !def.Persisted || isBuiltin(key) {
			continue
		}
		extra["field:"+key] = value
	}
	dataBlob, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	row.Data = dataBlob
	return row, nil
}

// fromRow hydrates field values from a character row.
func (s *Store) fromRow(rec *character.Record, row *model.Character) {
	rec.SetLoadedValue(schema.FieldName, row.Name)
	rec.SetLoadedValue(schema.FieldDesc, row.Desc)
	rec.SetLoadedValue(schema.FieldFaction, row.Faction)
	rec.SetLoadedValue(schema.FieldClass, row.Class)
	rec.SetLoadedValue(schema.FieldModel, row.ModelPath)
	rec.SetLoadedValue(schema.FieldMoney, float64(row.Money))

	if len(row.Attribs) > 0 {
		var attribs map[string]interface{}
		if err := json.Unmarshal(row.Attribs, &attribs); err == nil && attribs != nil {
			rec.SetLoadedValue(schema.FieldAttribs, attribs)
		}
	}

	if len(row.Boosts) > 0 {
		var boosts map[string]map[string]float64
		if err := json.Unmarshal(row.Boosts, &boosts); err == nil {
			for attribKey, sources := range boosts {
				for source, amount := range sources {
					rec.Ledger().Add(source, attribKey, amount)
				}
			}
		}
	}

	if len(row.Data) > 0 {
		var extra map[string]interface{}
		if err := json.Unmarshal(row.Data, &extra); err == nil {
			data := make(map[string]interface{})
			for k, v := range extra {
				if key, ok := fieldKey(k); ok {
					if norm, err := s.reg.Validate(key, v); err == nil {
						rec.SetLoadedValue(key, norm)
					}
					continue
				}
				data[k] = v
			}
			rec.SetLoadedValue(schema.FieldData, data)
		}
	}
}

func isBuiltin(key string) bool {
	switch key {
	case schema.FieldName, schema.FieldDesc, schema.FieldFaction, schema.FieldClass,
		schema.FieldModel, schema.FieldMoney, schema.FieldAttribs, schema.FieldData:
		return true
	}
	return false
}

func fieldKey(dataKey string) (string, bool) {
	const prefix = "field:"
	if len(dataKey) > len(prefix) && dataKey[:len(prefix)] == prefix {
		return dataKey[len(prefix):], true
	}
	return "", false
}
