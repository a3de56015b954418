package character

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrp/charcore/attrib"
	"github.com/openrp/charcore/inventory"
	"github.com/openrp/charcore/schema"
)

var (
	ErrRecordDeleted     = errors.New("character: record deleted")
	ErrImmutableField    = errors.New("character: field is not mutable")
	ErrInsufficientFunds = errors.New("character: insufficient funds")
)

// State is the lifecycle state of a loaded record.
type State int32

const (
	StateLoading State = iota
	StateActive
	StateDetached
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateDetached:
		return "detached"
	case StateDeleted:
		return "deleted"
	}
	return "unknown"
}

// Emitter fans visible mutations out to observers. Implementations must not
// block the mutation path.
type Emitter interface {
	EmitField(rec *Record, key string, value interface{})
	EmitBoost(rec *Record, ch attrib.Change)
	EmitItem(rec *Record, ev inventory.Event)
}

// Record is one loaded character: registered field values, a boost ledger,
// inventories, and ephemeral session variables. All mutations funnel through
// Set (and the inventory/ledger methods), which serialize on the record's
// lock, mark it dirty, and hand visible changes to the Emitter.
type Record struct {
	ID        int64
	AccountID int64

	mu          sync.RWMutex
	state       State
	values      map[string]interface{}
	sessionVars map[string]interface{}
	ledger      *attrib.Ledger
	inventories []*inventory.Grid
	lastActive  time.Time

	registry  *schema.Registry
	emitter   Emitter
	attribMax float64
	dirty     atomic.Bool
}

// New creates an empty record bound to a frozen registry. The persistence
// adapter and manager hydrate it before use.
func New(reg *schema.Registry, attribMax float64) *Record {
	r := &Record{
		state:       StateLoading,
		values:      make(map[string]interface{}),
		sessionVars: make(map[string]interface{}),
		ledger:      attrib.NewLedger(),
		registry:    reg,
		attribMax:   attribMax,
		lastActive:  time.Now(),
	}
	r.ledger.OnChange(func(ch attrib.Change) {
		r.dirty.Store(true)
		if r.emitter != nil {
			r.emitter.EmitBoost(r, ch)
		}
	})
	return r
}

// SetEmitter wires the sync dispatcher. Called once during setup.
func (r *Record) SetEmitter(e Emitter) {
	r.emitter = e
}

// Registry returns the schema this record was built against.
func (r *Record) Registry() *schema.Registry { return r.registry }

// Ledger returns the record's boost ledger.
func (r *Record) Ledger() *attrib.Ledger { return r.ledger }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState transitions the lifecycle state. Deleted is terminal.
func (r *Record) SetState(s State) {
	r.mu.Lock()
	if r.state != StateDeleted {
		r.state = s
	}
	r.mu.Unlock()
}

// Get returns the current value for key, falling back to def and then to the
// field's registered default. Never errors for a registered key.
func (r *Record) Get(key string, def interface{}) interface{} {
	r.mu.RLock()
	v, ok := r.values[key]
	r.mu.RUnlock()
	if ok {
		return v
	}
	if def != nil {
		return def
	}
	if fd, ok := r.registry.Get(key); ok {
		return fd.Default
	}
	return nil
}

// Set validates value against the registry, stores it, marks the record
// dirty, emits the change, and runs the field's OnChange. Two concurrent Set
// calls on the same key serialize on the record lock; the later one wins and
// its packet is also the last one emitted.
func (r *Record) Set(key string, value interface{}) error {
	fd, ok := r.registry.Get(key)
	if !ok {
		return fmt.Errorf("%w: %q", schema.ErrUnknownField, key)
	}
	if !fd.Mutable {
		return fmt.Errorf("%w: %q", ErrImmutableField, key)
	}
	norm, err := r.registry.Validate(key, value)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state == StateDeleted {
		r.mu.Unlock()
		return ErrRecordDeleted
	}
	old := r.values[key]
	r.values[key] = norm
	r.lastActive = time.Now()
	if fd.Persisted {
		r.dirty.Store(true)
	}
	// Emit before releasing the lock so packets leave in commit order and
	// observers converge on the winning value. Sends are non-blocking, so a
	// slow connection cannot stall the mutation path from here.
	if r.emitter != nil {
		r.emitter.EmitField(r, key, norm)
	}
	r.mu.Unlock()

	if fd.OnChange != nil {
		fd.OnChange(r.ID, old, norm)
	}
	return nil
}

// GetSessionVar returns an ephemeral variable, or def when unset.
func (r *Record) GetSessionVar(key string, def interface{}) interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.sessionVars[key]; ok {
		return v
	}
	return def
}

// SetSessionVar stores an ephemeral variable. Session variables are never
// persisted and are discarded when the owning session ends.
func (r *Record) SetSessionVar(key string, value interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateDeleted {
		return ErrRecordDeleted
	}
	r.sessionVars[key] = value
	return nil
}

// ClearSessionVars drops all session variables. Called on detach.
func (r *Record) ClearSessionVars() {
	r.mu.Lock()
	r.sessionVars = make(map[string]interface{})
	r.mu.Unlock()
}

// Delete tombstones the record: reads keep working, writes fail with
// ErrRecordDeleted. The state is terminal.
func (r *Record) Delete() {
	r.mu.Lock()
	r.state = StateDeleted
	r.mu.Unlock()
	r.dirty.Store(true)
}

// Attrib returns the effective value for an attribute: the persisted base
// from the attribs table plus active boosts, clamped to [0, attribMax].
func (r *Record) Attrib(key string) float64 {
	base := 0.0
	if t, ok := r.Get(schema.FieldAttribs, nil).(map[string]interface{}); ok {
		if v, ok := t[key].(float64); ok {
			base = v
		}
	}
	return r.ledger.Effective(key, base, r.attribMax)
}

// SetAttrib updates the persisted base value of one attribute.
func (r *Record) SetAttrib(key string, base float64) error {
	cur, _ := r.Get(schema.FieldAttribs, nil).(map[string]interface{})
	next := make(map[string]interface{}, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = base
	return r.Set(schema.FieldAttribs, next)
}

// Money returns the current balance.
func (r *Record) Money() int64 {
	v, _ := r.Get(schema.FieldMoney, nil).(float64)
	return int64(v)
}

// GiveMoney credits amount to the balance.
func (r *Record) GiveMoney(amount int64) error {
	return r.Set(schema.FieldMoney, float64(r.Money()+amount))
}

// TakeMoney debits amount, failing with ErrInsufficientFunds when the
// balance would go negative.
func (r *Record) TakeMoney(amount int64) error {
	cur := r.Money()
	if cur < amount {
		return ErrInsufficientFunds
	}
	return r.Set(schema.FieldMoney, float64(cur-amount))
}

// AddInventory attaches a grid to the record and wires its dirty/event hooks
// into the record's mutation path. The first attached grid is the personal
// bag.
func (r *Record) AddInventory(g *inventory.Grid) {
	g.SetOwner(r.ID)
	g.SetHooks(func(ev inventory.Event) {
		if r.emitter != nil {
			r.emitter.EmitItem(r, ev)
		}
	}, func() {
		r.dirty.Store(true)
	})
	r.mu.Lock()
	r.inventories = append(r.inventories, g)
	r.mu.Unlock()
}

// Bag returns the canonical personal inventory, or nil before hydration.
func (r *Record) Bag() *inventory.Grid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.inventories) == 0 {
		return nil
	}
	return r.inventories[0]
}

// Inventories returns a snapshot of all attached grids.
func (r *Record) Inventories() []*inventory.Grid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*inventory.Grid, len(r.inventories))
	copy(out, r.inventories)
	return out
}

// Values returns a copy of all explicitly set field values. Used by the
// persistence adapter and snapshots.
func (r *Record) Values() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// SetLoadedValue stores a value during hydration, bypassing OnChange and
// sync. The persistence adapter validates values before calling this.
func (r *Record) SetLoadedValue(key string, value interface{}) {
	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
}

// Touch refreshes the activity clock used by eviction.
func (r *Record) Touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

// LastActive returns the last mutation/attach time.
func (r *Record) LastActive() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActive
}

// Dirty reports whether the record has unsaved changes.
func (r *Record) Dirty() bool { return r.dirty.Load() }

// MarkDirty flags the record for the next flush cycle.
func (r *Record) MarkDirty() { r.dirty.Store(true) }

// ClearDirty clears the dirty flag, returning whether it was set. The
// persistence adapter calls this when a save starts and restores the flag if
// the save fails.
func (r *Record) ClearDirty() bool { return r.dirty.Swap(false) }
