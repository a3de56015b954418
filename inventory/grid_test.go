package inventory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	defSmall = &Definition{ID: "bandage", Name: "Bandage", W: 1, H: 1, MaxStack: 10, Weight: 0.1}
	defBox   = &Definition{ID: "box", Name: "Box", W: 2, H: 2, MaxStack: 1, Weight: 2}
	defHuge  = &Definition{ID: "crate", Name: "Crate", W: 4, H: 4, MaxStack: 1, Weight: 10}
)

// checkNoOverlap asserts the core non-overlap invariant over every item pair.
func checkNoOverlap(t *testing.T, g *Grid) {
	t.Helper()
	items := g.Items()
	for i, a := range items {
		for _, b := range items[i+1:] {
			aw, ah := a.Def.Footprint()
			bw, bh := b.Def.Footprint()
			overlap := a.X < b.X+bw && b.X < a.X+aw && a.Y < b.Y+bh && b.Y < a.Y+ah
			assert.False(t, overlap, "items %s and %s overlap", a.ID, b.ID)
		}
	}
}

func TestGrid_Add_FirstFitScanOrder(t *testing.T) {
	g := NewGrid(1, 4, 4)

	items, err := g.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].X)
	assert.Equal(t, 0, items[0].Y)

	items, err = g.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, items[0].X)
	assert.Equal(t, 0, items[0].Y)

	// 8 of 16 cells free but not contiguous for a 4×4 footprint.
	_, err = g.Add(defHuge, 1, nil, nil)
	assert.ErrorIs(t, err, ErrNoSpace)
	checkNoOverlap(t, g)
}

func TestGrid_Add_ExplicitPosition(t *testing.T) {
	g := NewGrid(1, 4, 4)
	items, err := g.Add(defBox, 1, nil, &Pos{X: 2, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, items[0].X)
	assert.Equal(t, 2, items[0].Y)
}

func TestGrid_Add_ExplicitPositionOccupied(t *testing.T) {
	g := NewGrid(1, 4, 4)
	_, err := g.Add(defBox, 1, nil, &Pos{X: 0, Y: 0})
	require.NoError(t, err)
	_, err = g.Add(defBox, 1, nil, &Pos{X: 1, Y: 1})
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestGrid_Add_OutOfBoundsPosition(t *testing.T) {
	g := NewGrid(1, 4, 4)
	_, err := g.Add(defBox, 1, nil, &Pos{X: 3, Y: 3})
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestGrid_Add_StackableMerges(t *testing.T) {
	g := NewGrid(1, 4, 4)
	_, err := g.Add(defSmall, 4, nil, nil)
	require.NoError(t, err)
	_, err = g.Add(defSmall, 4, nil, nil)
	require.NoError(t, err)
	// 8 units fit into one stack of max 10.
	assert.Len(t, g.Items(), 1)
	assert.True(t, g.HasItem("bandage", 8))
}

func TestGrid_Add_StackOverflowOpensNewStack(t *testing.T) {
	g := NewGrid(1, 4, 4)
	_, err := g.Add(defSmall, 25, nil, nil)
	require.NoError(t, err)
	assert.Len(t, g.Items(), 3) // 10 + 10 + 5
	assert.True(t, g.HasItem("bandage", 25))
	assert.False(t, g.HasItem("bandage", 26))
	checkNoOverlap(t, g)
}

func TestGrid_Add_NonStackableOnePerUnit(t *testing.T) {
	g := NewGrid(1, 4, 4)
	items, err := g.Add(defBox, 2, nil, nil)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	checkNoOverlap(t, g)
}

func TestGrid_Add_FailureLeavesNoTrace(t *testing.T) {
	g := NewGrid(1, 2, 1)
	_, err := g.Add(defSmall, 2, nil, nil)
	require.NoError(t, err)

	// 2 cells, stacks full at 10: 30 more units cannot all be placed.
	_, err = g.Add(defSmall, 30, nil, nil)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.True(t, g.HasItem("bandage", 2))
	assert.False(t, g.HasItem("bandage", 3))
}

func TestGrid_Add_WeightLimit(t *testing.T) {
	g := NewGrid(1, 8, 8)
	g.SetMaxWeight(5)
	_, err := g.Add(defBox, 2, nil, nil) // 4.0
	require.NoError(t, err)
	_, err = g.Add(defBox, 1, nil, nil) // would be 6.0
	assert.ErrorIs(t, err, ErrTooHeavy)
	assert.InDelta(t, 4.0, g.Weight(), 1e-9)
}

func TestGrid_Remove_Depletes(t *testing.T) {
	g := NewGrid(1, 4, 4)
	items, err := g.Add(defSmall, 5, nil, nil)
	require.NoError(t, err)
	id := items[0].ID

	require.NoError(t, g.Remove(id, 3))
	assert.True(t, g.HasItem("bandage", 2))

	require.NoError(t, g.Remove(id, 2))
	assert.Nil(t, g.Get(id))
}

func TestGrid_Remove_NotFound(t *testing.T) {
	g := NewGrid(1, 4, 4)
	assert.ErrorIs(t, g.Remove("nope", 1), ErrItemNotFound)
}

func TestGrid_Remove_Insufficient(t *testing.T) {
	g := NewGrid(1, 4, 4)
	items, err := g.Add(defSmall, 2, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Remove(items[0].ID, 5), ErrInsufficient)
	assert.True(t, g.HasItem("bandage", 2))
}

func TestGrid_Move_Valid(t *testing.T) {
	g := NewGrid(1, 4, 4)
	items, err := g.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, g.Move(items[0].ID, 2, 2))
	assert.True(t, g.Occupied(3, 3))
	assert.False(t, g.Occupied(0, 0))
}

func TestGrid_Move_Overlap(t *testing.T) {
	g := NewGrid(1, 4, 4)
	a, err := g.Add(defBox, 1, nil, &Pos{X: 0, Y: 0})
	require.NoError(t, err)
	_, err = g.Add(defBox, 1, nil, &Pos{X: 2, Y: 2})
	require.NoError(t, err)
	assert.ErrorIs(t, g.Move(a[0].ID, 1, 1), ErrOverlap)
	checkNoOverlap(t, g)
}

func TestGrid_Move_OutOfBounds(t *testing.T) {
	g := NewGrid(1, 4, 4)
	items, err := g.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Move(items[0].ID, 3, 3), ErrOutOfBounds)
}

func TestGrid_Move_SamePositionAllowed(t *testing.T) {
	g := NewGrid(1, 4, 4)
	items, err := g.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, g.Move(items[0].ID, 0, 0))
}

func TestGrid_Transfer_Success(t *testing.T) {
	src := NewGrid(1, 4, 4)
	dst := NewGrid(2, 4, 4)
	items, err := src.Add(defBox, 1, nil, nil)
	require.NoError(t, err)

	it, err := src.Transfer(items[0].ID, dst, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, src.Get(it.ID))
	assert.NotNil(t, dst.Get(it.ID))
	checkNoOverlap(t, dst)
}

func TestGrid_Transfer_AuthDeniedLeavesBothUnchanged(t *testing.T) {
	src := NewGrid(1, 4, 4)
	dst := NewGrid(2, 4, 4)
	items, err := src.Add(defBox, 1, nil, nil)
	require.NoError(t, err)

	deny := func(item *Item, s, d *Grid) error {
		return assert.AnError
	}
	_, err = src.Transfer(items[0].ID, dst, nil, deny)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.NotNil(t, src.Get(items[0].ID))
	assert.Empty(t, dst.Items())
	assert.Equal(t, 0, items[0].X)
	assert.Equal(t, 0, items[0].Y)
}

func TestGrid_Transfer_NoSpaceInDest(t *testing.T) {
	src := NewGrid(1, 4, 4)
	dst := NewGrid(2, 2, 2)
	_, err := dst.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	items, err := src.Add(defBox, 1, nil, nil)
	require.NoError(t, err)

	_, err = src.Transfer(items[0].ID, dst, nil, nil)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.NotNil(t, src.Get(items[0].ID))
}

func TestGrid_Transfer_WeightLimit(t *testing.T) {
	src := NewGrid(1, 4, 4)
	dst := NewGrid(2, 4, 4)
	dst.SetMaxWeight(1)
	items, err := src.Add(defBox, 1, nil, nil)
	require.NoError(t, err)

	_, err = src.Transfer(items[0].ID, dst, nil, nil)
	assert.ErrorIs(t, err, ErrTooHeavy)
	assert.NotNil(t, src.Get(items[0].ID))
}

func TestGrid_Transfer_RacingTransfersExactlyOneWins(t *testing.T) {
	src := NewGrid(1, 4, 4)
	dstA := NewGrid(2, 4, 4)
	dstB := NewGrid(3, 4, 4)
	items, err := src.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	id := items[0].ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); _, errs[0] = src.Transfer(id, dstA, nil, nil) }()
	go func() { defer wg.Done(); _, errs[1] = src.Transfer(id, dstB, nil, nil) }()
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrItemNotFound)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	inA := dstA.Get(id) != nil
	inB := dstB.Get(id) != nil
	assert.Nil(t, src.Get(id))
	assert.True(t, inA != inB, "item must end in exactly one inventory")
}

func TestGrid_Transfer_EmitsBothEvents(t *testing.T) {
	src := NewGrid(1, 4, 4)
	dst := NewGrid(2, 4, 4)
	var events []Event
	collect := func(ev Event) { events = append(events, ev) }
	src.SetHooks(collect, nil)
	dst.SetHooks(collect, nil)

	items, err := src.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	events = nil

	_, err = src.Transfer(items[0].ID, dst, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRemoved, events[0].Type)
	assert.Equal(t, int64(1), events[0].InventoryID)
	assert.Equal(t, EventAdded, events[1].Type)
	assert.Equal(t, int64(2), events[1].InventoryID)
}

func TestGrid_Transfer_MarksBothDirty(t *testing.T) {
	src := NewGrid(1, 4, 4)
	dst := NewGrid(2, 4, 4)
	srcDirty, dstDirty := 0, 0
	src.SetHooks(nil, func() { srcDirty++ })
	dst.SetHooks(nil, func() { dstDirty++ })

	items, err := src.Add(defBox, 1, nil, nil)
	require.NoError(t, err)
	srcDirty = 0

	_, err = src.Transfer(items[0].ID, dst, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, srcDirty)
	assert.Equal(t, 1, dstDirty)
}

func TestGrid_Restore_RejectsOverlap(t *testing.T) {
	g := NewGrid(1, 4, 4)
	require.NoError(t, g.Restore(&Item{ID: "a", Def: defBox, X: 0, Y: 0, Qty: 1}))
	assert.ErrorIs(t, g.Restore(&Item{ID: "b", Def: defBox, X: 1, Y: 1, Qty: 1}), ErrOverlap)
}

func TestGrid_Owner_Roundtrip(t *testing.T) {
	g := NewGrid(1, 4, 4)
	assert.Equal(t, int64(0), g.Owner())
	g.SetOwner(42)
	assert.Equal(t, int64(42), g.Owner())
}

func TestCatalog_Register_Duplicate(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Register(defBox))
	assert.Error(t, c.Register(defBox))
	assert.NotNil(t, c.Get("box"))
	assert.Nil(t, c.Get("ghost"))
}
