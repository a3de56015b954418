package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openrp/charcore/audit"
	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/event"
	"github.com/openrp/charcore/inventory"
	"github.com/openrp/charcore/session"
)

const transferFenceTTL = 5 * time.Second

var (
	errUnknownInventory = errors.New("inventory not found on character")
	errTransferBusy     = errors.New("item is already being transferred")
)

// ItemMovePayload repositions an item within one grid.
type ItemMovePayload struct {
	InventoryID int64  `json:"inventory_id"`
	ItemID      string `json:"item_id"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
}

// ItemRemovePayload discards qty of an item stack.
type ItemRemovePayload struct {
	InventoryID int64  `json:"inventory_id"`
	ItemID      string `json:"item_id"`
	Qty         int    `json:"qty"`
}

// ItemTransferPayload moves an item from the session's character to another
// loaded character's grid. ToInventory 0 targets the recipient's bag; X/Y -1
// lets the destination pick the first free slot.
type ItemTransferPayload struct {
	FromInventory int64  `json:"from_inventory"`
	ItemID        string `json:"item_id"`
	ToChar        int64  `json:"to_char"`
	ToInventory   int64  `json:"to_inventory"`
	X             int    `json:"x"`
	Y             int    `json:"y"`
}

// TransferRequest is the event payload published on event.BeforeTransfer;
// a handler returning event.ErrInterrupt vetoes the transfer.
type TransferRequest struct {
	FromChar int64
	ToChar   int64
	ItemID   string
	DefID    string
	Qty      int
}

func (h *Handler) handleItemMove(_ context.Context, s *session.Session, payload json.RawMessage) error {
	rec, err := h.ownRecord(s)
	if err != nil {
		return err
	}
	var req ItemMovePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	g := findGrid(rec, req.InventoryID)
	if g == nil {
		return errUnknownInventory
	}
	return g.Move(req.ItemID, req.X, req.Y)
}

func (h *Handler) handleItemRemove(_ context.Context, s *session.Session, payload json.RawMessage) error {
	rec, err := h.ownRecord(s)
	if err != nil {
		return err
	}
	var req ItemRemovePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	g := findGrid(rec, req.InventoryID)
	if g == nil {
		return errUnknownInventory
	}
	return g.Remove(req.ItemID, req.Qty)
}

func (h *Handler) handleItemTransfer(ctx context.Context, s *session.Session, payload json.RawMessage) error {
	rec, err := h.ownRecord(s)
	if err != nil {
		return err
	}
	var req ItemTransferPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	src := findGrid(rec, req.FromInventory)
	if src == nil {
		return errUnknownInventory
	}
	item := src.Get(req.ItemID)
	if item == nil {
		return inventory.ErrItemNotFound
	}

	target := h.deps.Chars.Get(req.ToChar)
	if target == nil {
		return fmt.Errorf("transfer target %d: %w", req.ToChar, character.ErrNotLoaded)
	}
	var dst *inventory.Grid
	if req.ToInventory == 0 {
		dst = target.Bag()
	} else {
		dst = findGrid(target, req.ToInventory)
	}
	if dst == nil {
		return errUnknownInventory
	}

	// Fence the item so the same stack cannot ride two transfers at once,
	// including across nodes when Redis backs the cache.
	fenceKey := "transfer:item:" + req.ItemID
	fenceCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	acquired, err := h.deps.Cache.SetNX(fenceCtx, fenceKey, s.TraceID, transferFenceTTL)
	cancel()
	if err != nil {
		return err
	}
	if !acquired {
		return errTransferBusy
	}
	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = h.deps.Cache.Del(delCtx, fenceKey)
		cancel()
	}()

	var at *inventory.Pos
	if req.X >= 0 && req.Y >= 0 {
		at = &inventory.Pos{X: req.X, Y: req.Y}
	}

	authorize := func(it *inventory.Item, _, _ *inventory.Grid) error {
		_, err := h.deps.Bus.Publish(ctx, event.BeforeTransfer, &TransferRequest{
			FromChar: rec.ID,
			ToChar:   target.ID,
			ItemID:   it.ID,
			DefID:    it.Def.ID,
			Qty:      it.Qty,
		})
		if errors.Is(err, event.ErrInterrupt) {
			return inventory.ErrNotAuthorized
		}
		return nil
	}

	moved, err := src.Transfer(req.ItemID, dst, at, authorize)

	fromChar, toChar := rec.ID, target.ID
	entry := audit.Entry{
		TraceID: TraceIDFromCtx(ctx),
		CharID:  &fromChar,
		Action:  "item_transfer",
		Detail: map[string]interface{}{
			"item_id": req.ItemID,
			"def_id":  item.Def.ID,
			"to_char": toChar,
		},
	}
	if err != nil {
		entry.Error = err.Error()
		h.deps.Audit.Log(entry)
		return err
	}
	h.deps.Audit.Log(entry)

	_, _ = h.deps.Bus.Publish(ctx, event.TransferDone, &TransferRequest{
		FromChar: fromChar,
		ToChar:   toChar,
		ItemID:   moved.ID,
		DefID:    moved.Def.ID,
		Qty:      moved.Qty,
	})
	return nil
}

func findGrid(rec *character.Record, invID int64) *inventory.Grid {
	for _, g := range rec.Inventories() {
		if g.ID() == invID {
			return g
		}
	}
	return nil
}
