package inventory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNoSpace       = errors.New("inventory: no space")
	ErrItemNotFound  = errors.New("inventory: item not found")
	ErrInsufficient  = errors.New("inventory: insufficient quantity")
	ErrNotAuthorized = errors.New("inventory: not authorized")
	ErrOutOfBounds   = errors.New("inventory: placement out of bounds")
	ErrOverlap       = errors.New("inventory: placement overlaps")
	ErrTooHeavy      = errors.New("inventory: weight limit exceeded")
)

// Pos is an explicit placement origin.
type Pos struct {
	X, Y int
}

// Item is one placed item instance.
type Item struct {
	ID   string
	Def  *Definition
	X, Y int
	Qty  int
	Data map[string]interface{}
}

// EventType classifies grid mutations for sync fan-out.
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
	EventMoved
)

// Event describes one observable grid mutation.
type Event struct {
	Type        EventType
	InventoryID int64
	ItemID      string
	DefID       string
	X, Y        int
	Qty         int
}

// EventFunc receives grid events. It may run while the grid's lock is held,
// so it must not block and must not call back into the grid.
type EventFunc func(Event)

// AuthFunc is the transfer authorization predicate supplied by surrounding
// gameplay code (distance checks, lock state, permissions). A nil return
// allows the transfer; an error denies it with a reason.
type AuthFunc func(item *Item, src, dst *Grid) error

// Grid is a width × height bin-packed item container. All operations are
// safe for concurrent use; Transfer coordinates two grids by locking them in
// ascending ID order.
type Grid struct {
	id        int64
	w, h      int
	maxWeight float64 // 0 = unlimited

	mu      sync.Mutex
	ownerID int64 // owning character, 0 = detached world container
	items   map[string]*Item
	onEvent EventFunc
	onDirty func()
}

// NewGrid creates an empty grid.
func NewGrid(id int64, w, h int) *Grid {
	return &Grid{
		id:    id,
		w:     w,
		h:     h,
		items: make(map[string]*Item),
	}
}

// ID returns the grid's stable identifier.
func (g *Grid) ID() int64 { return g.id }

// Size returns the grid dimensions in cells.
func (g *Grid) Size() (w, h int) { return g.w, g.h }

// SetMaxWeight configures the weight cap checked at Add/Transfer time.
// Lowering the cap does not evict items already placed.
func (g *Grid) SetMaxWeight(max float64) {
	g.mu.Lock()
	g.maxWeight = max
	g.mu.Unlock()
}

// SetHooks wires the event and dirty callbacks. Called once during setup.
func (g *Grid) SetHooks(onEvent EventFunc, onDirty func()) {
	g.onEvent = onEvent
	g.onDirty = onDirty
}

// Owner returns the owning character ID (0 = detached).
func (g *Grid) Owner() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ownerID
}

// SetOwner assigns or clears (0) the owning character.
func (g *Grid) SetOwner(charID int64) {
	g.mu.Lock()
	g.ownerID = charID
	g.mu.Unlock()
}

// Add places qty units of def. With at == nil, placement is first-fit
// scanning rows top-to-bottom and cells left-to-right. Stackable definitions
// merge into existing stacks up to MaxStack before opening new ones. The add
// is all-or-nothing: if the full quantity cannot be placed, nothing changes
// and ErrNoSpace (or ErrTooHeavy) is returned.
func (g *Grid) Add(def *Definition, qty int, data map[string]interface{}, at *Pos) ([]*Item, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("inventory: invalid quantity %d", qty)
	}
	g.mu.Lock()
	items, err := g.addLocked(def, qty, data, at)
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	g.markDirty()
	for _, it := range items {
		g.emit(Event{Type: EventAdded, InventoryID: g.id, ItemID: it.ID, DefID: def.ID, X: it.X, Y: it.Y, Qty: it.Qty})
	}
	return items, nil
}

func (g *Grid) addLocked(def *Definition, qty int, data map[string]interface{}, at *Pos) ([]*Item, error) {
	if g.maxWeight > 0 && g.weightLocked()+def.Weight*float64(qty) > g.maxWeight {
		return nil, ErrTooHeavy
	}

	remaining := qty
	var touched []*Item
	type merge struct {
		it    *Item
		added int
	}
	var merges []merge

	// Merge into existing stacks first. Explicit positions skip merging:
	// the caller asked for a concrete cell.
	if def.Stackable() && at == nil {
		for _, it := range g.items {
			if remaining == 0 {
				break
			}
			if it.Def.ID != def.ID || it.Qty >= def.MaxStack {
				continue
			}
			room := def.MaxStack - it.Qty
			if room > remaining {
				room = remaining
			}
			it.Qty += room
			remaining -= room
			merges = append(merges, merge{it: it, added: room})
			touched = append(touched, it)
		}
	}

	// Plan new placements before committing any of them.
	type placement struct{ x, y, qty int }
	var plan []placement
	planned := make([][]bool, g.h)
	for i := range planned {
		planned[i] = make([]bool, g.w)
	}
	for remaining > 0 {
		n := 1
		if def.Stackable() {
			n = remaining
			if n > def.MaxStack {
				n = def.MaxStack
			}
		}
		var x, y int
		var ok bool
		if at != nil {
			x, y = at.X, at.Y
			ok = g.fitsLocked(def, x, y, "") && !plannedOverlap(planned, def, x, y)
			at = nil // explicit position only applies to the first placement
		} else {
			x, y, ok = g.firstFitLocked(def, planned)
		}
		if !ok {
			// Roll back stack merges so the failed add leaves no trace.
			for _, m := range merges {
				m.it.Qty -= m.added
			}
			return nil, ErrNoSpace
		}
		plan = append(plan, placement{x: x, y: y, qty: n})
		markPlanned(planned, def, x, y)
		remaining -= n
	}

	for _, p := range plan {
		it := &Item{
			ID:   uuid.NewString(),
			Def:  def,
			X:    p.x,
			Y:    p.y,
			Qty:  p.qty,
			Data: cloneData(data),
		}
		g.items[it.ID] = it
		touched = append(touched, it)
	}
	return touched, nil
}

// firstFitLocked scans rows then columns for the first origin where def fits,
// avoiding both placed items and cells reserved by the current plan.
func (g *Grid) firstFitLocked(def *Definition, planned [][]bool) (int, int, bool) {
	fw, fh := def.Footprint()
	for y := 0; y+fh <= g.h; y++ {
		for x := 0; x+fw <= g.w; x++ {
			if g.fitsLocked(def, x, y, "") && !plannedOverlap(planned, def, x, y) {
				return x, y, true
			}
		}
	}
	return 0, 0, false
}

// fitsLocked reports whether def placed at (x, y) stays in bounds and
// overlaps no item other than exclude.
func (g *Grid) fitsLocked(def *Definition, x, y int, exclude string) bool {
	fw, fh := def.Footprint()
	if x < 0 || y < 0 || x+fw > g.w || y+fh > g.h {
		return false
	}
	for _, it := range g.items {
		if it.ID == exclude {
			continue
		}
		iw, ih := it.Def.Footprint()
		if x < it.X+iw && it.X < x+fw && y < it.Y+ih && it.Y < y+fh {
			return false
		}
	}
	return true
}

func plannedOverlap(planned [][]bool, def *Definition, x, y int) bool {
	if planned == nil {
		return false
	}
	fw, fh := def.Footprint()
	for dy := 0; dy < fh; dy++ {
		for dx := 0; dx < fw; dx++ {
			if planned[y+dy][x+dx] {
				return true
			}
		}
	}
	return false
}

func markPlanned(planned [][]bool, def *Definition, x, y int) {
	fw, fh := def.Footprint()
	for dy := 0; dy < fh; dy++ {
		for dx := 0; dx < fw; dx++ {
			planned[y+dy][x+dx] = true
		}
	}
}

// Remove decrements qty from the identified item, deleting it when the stack
// is depleted.
func (g *Grid) Remove(itemID string, qty int) error {
	g.mu.Lock()
	it, ok := g.items[itemID]
	if !ok {
		g.mu.Unlock()
		return ErrItemNotFound
	}
	if it.Qty < qty {
		g.mu.Unlock()
		return ErrInsufficient
	}
	it.Qty -= qty
	removed := it.Qty == 0
	if removed {
		delete(g.items, itemID)
	}
	left := it.Qty
	g.mu.Unlock()

	g.markDirty()
	g.emit(Event{Type: EventRemoved, InventoryID: g.id, ItemID: itemID, DefID: it.Def.ID, X: it.X, Y: it.Y, Qty: left})
	return nil
}

// HasItem reports whether at least qty units of defID are present.
func (g *Grid) HasItem(defID string, qty int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, it := range g.items {
		if it.Def.ID == defID {
			total += it.Qty
		}
	}
	return total >= qty
}

// Get returns the live item with itemID, or nil.
func (g *Grid) Get(itemID string) *Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.items[itemID]
}

// Items returns a snapshot of all placed items.
func (g *Grid) Items() []*Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Item, 0, len(g.items))
	for _, it := range g.items {
		out = append(out, it)
	}
	return out
}

// Occupied reports whether the cell (x, y) is covered by an item footprint.
func (g *Grid) Occupied(x, y int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, it := range g.items {
		iw, ih := it.Def.Footprint()
		if x >= it.X && x < it.X+iw && y >= it.Y && y < it.Y+ih {
			return true
		}
	}
	return false
}

// Weight returns the total carried weight.
func (g *Grid) Weight() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.weightLocked()
}

func (g *Grid) weightLocked() float64 {
	var total float64
	for _, it := range g.items {
		total += it.Def.Weight * float64(it.Qty)
	}
	return total
}

// Move repositions an item within this grid.
func (g *Grid) Move(itemID string, x, y int) error {
	g.mu.Lock()
	it, ok := g.items[itemID]
	if !ok {
		g.mu.Unlock()
		return ErrItemNotFound
	}
	if !g.fitsLocked(it.Def, x, y, itemID) {
		g.mu.Unlock()
		fw, fh := it.Def.Footprint()
		if x < 0 || y < 0 || x+fw > g.w || y+fh > g.h {
			return ErrOutOfBounds
		}
		return ErrOverlap
	}
	it.X, it.Y = x, y
	g.mu.Unlock()

	g.markDirty()
	g.emit(Event{Type: EventMoved, InventoryID: g.id, ItemID: itemID, DefID: it.Def.ID, X: x, Y: y, Qty: it.Qty})
	return nil
}

// Transfer moves one item instance from this grid to dst. Both grids are
// locked in ascending ID order for the whole operation, so the item is never
// observable in zero or two inventories. The auth predicate runs inside the
// critical section; any failure leaves both grids unchanged. On success both
// grids are marked dirty in the same step and removal/addition events fire
// together.
func (g *Grid) Transfer(itemID string, dst *Grid, at *Pos, auth AuthFunc) (*Item, error) {
	if dst == nil || dst == g {
		return nil, fmt.Errorf("inventory: invalid transfer destination")
	}

	first, second := g, dst
	if dst.id < g.id {
		first, second = dst, g
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	it, ok := g.items[itemID]
	if !ok {
		// A racing transfer already moved it.
		return nil, ErrItemNotFound
	}

	if auth != nil {
		if err := auth(it, g, dst); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
	}

	if dst.maxWeight > 0 && dst.weightLocked()+it.Def.Weight*float64(it.Qty) > dst.maxWeight {
		return nil, ErrTooHeavy
	}

	var x, y int
	if at != nil {
		if !dst.fitsLocked(it.Def, at.X, at.Y, "") {
			return nil, ErrNoSpace
		}
		x, y = at.X, at.Y
	} else {
		var fits bool
		x, y, fits = dst.firstFitLocked(it.Def, nil)
		if !fits {
			return nil, ErrNoSpace
		}
	}

	delete(g.items, itemID)
	oldX, oldY := it.X, it.Y
	it.X, it.Y = x, y
	dst.items[itemID] = it

	g.markDirty()
	dst.markDirty()
	g.emit(Event{Type: EventRemoved, InventoryID: g.id, ItemID: itemID, DefID: it.Def.ID, X: oldX, Y: oldY, Qty: 0})
	dst.emit(Event{Type: EventAdded, InventoryID: dst.id, ItemID: itemID, DefID: it.Def.ID, X: x, Y: y, Qty: it.Qty})
	return it, nil
}

// Restore places an item loaded from storage without first-fit or events.
// Used by the persistence adapter during Load.
func (g *Grid) Restore(it *Item) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.fitsLocked(it.Def, it.X, it.Y, "") {
		return ErrOverlap
	}
	g.items[it.ID] = it
	return nil
}

func (g *Grid) markDirty() {
	if g.onDirty != nil {
		g.onDirty()
	}
}

func (g *Grid) emit(ev Event) {
	if g.onEvent != nil {
		g.onEvent(ev)
	}
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
