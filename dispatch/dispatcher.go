package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openrp/charcore/attrib"
	"github.com/openrp/charcore/cache"
	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/inventory"
	"github.com/openrp/charcore/schema"
	"github.com/openrp/charcore/session"
	"go.uber.org/zap"
)

// ObserverFunc enumerates the sessions currently able to see a character.
// Supplied by the spatial/proximity layer; the default wiring uses the
// session manager's subscription sets.
type ObserverFunc func(charID int64) []*session.Session

// Dispatcher computes per-observer visibility and fans mutation packets out
// to sessions. All sends are non-blocking, so a stalled observer connection
// never stalls the mutation path.
type Dispatcher struct {
	observers ObserverFunc
	pubsub    cache.PubSub // optional cross-process mirror, may be nil
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(observers ObserverFunc, pubsub cache.PubSub, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{observers: observers, pubsub: pubsub, logger: logger}
}

// Visible reports whether observer should receive the field described by def
// on rec's character.
func Visible(def schema.FieldDef, rec *character.Record, observer *session.Session) bool {
	switch def.Visibility {
	case schema.Public:
		return observer.Observes(rec.ID)
	case schema.OwnerOnly:
		return observer.CharID == rec.ID
	default: // schema.Private
		return false
	}
}

// EmitField implements character.Emitter.
func (d *Dispatcher) EmitField(rec *character.Record, key string, value interface{}) {
	def, ok := rec.Registry().Get(key)
	if !ok || def.Visibility == schema.Private {
		return
	}
	pkt := marshalPacket(TypeFieldChanged, FieldChangedPayload{
		CharID: rec.ID,
		Key:    key,
		Value:  value,
	})
	if pkt == nil {
		return
	}
	for _, obs := range d.observers(rec.ID) {
		if Visible(def, rec, obs) {
			obs.SendRaw(pkt)
		}
	}
	// Only Public fields cross the mirror: external subscribers are not the
	// owning session, so OwnerOnly packets must never leave the process.
	if def.Visibility == schema.Public {
		d.mirror(rec.ID, pkt)
	}
}

// EmitBoost implements character.Emitter. Boosts follow the attribs field's
// owner-only scope.
func (d *Dispatcher) EmitBoost(rec *character.Record, ch attrib.Change) {
	pkt := marshalPacket(TypeBoostChanged, BoostChangedPayload{
		CharID:  rec.ID,
		Attrib:  ch.Attrib,
		Source:  ch.Source,
		Amount:  ch.Amount,
		Removed: ch.Removed,
	})
	if pkt == nil {
		return
	}
	for _, obs := range d.observers(rec.ID) {
		if obs.CharID == rec.ID {
			obs.SendRaw(pkt)
		}
	}
}

// EmitItem implements character.Emitter. Inventory deltas go to the owning
// session only.
func (d *Dispatcher) EmitItem(rec *character.Record, ev inventory.Event) {
	var typ string
	switch ev.Type {
	case inventory.EventAdded:
		typ = TypeItemAdded
	case inventory.EventRemoved:
		typ = TypeItemRemoved
	case inventory.EventMoved:
		typ = TypeItemMoved
	default:
		return
	}
	pkt := marshalPacket(typ, ItemPayload{
		InventoryID: ev.InventoryID,
		ItemID:      ev.ItemID,
		DefID:       ev.DefID,
		X:           ev.X,
		Y:           ev.Y,
		Qty:         ev.Qty,
	})
	if pkt == nil {
		return
	}
	for _, obs := range d.observers(rec.ID) {
		if obs.CharID == rec.ID {
			obs.SendRaw(pkt)
		}
	}
}

// Snapshot sends the full visible state of rec to observer. Called the
// moment an observer first becomes able to see a character, always before
// any delta for that character reaches the observer.
func (d *Dispatcher) Snapshot(rec *character.Record, observer *session.Session) {
	fields := make(map[string]interface{})
	for _, key := range rec.Registry().Keys() {
		def, _ := rec.Registry().Get(key)
		if !Visible(def, rec, observer) {
			continue
		}
		fields[key] = rec.Get(key, nil)
	}
	pkt := marshalPacket(TypeCharSnapshot, CharSnapshotPayload{CharID: rec.ID, Fields: fields})
	if pkt != nil {
		observer.SendRaw(pkt)
	}

	if observer.CharID != rec.ID {
		return
	}
	for _, g := range rec.Inventories() {
		d.SnapshotInventory(g, observer)
	}
}

// SnapshotInventory sends the full contents of one grid to observer.
func (d *Dispatcher) SnapshotInventory(g *inventory.Grid, observer *session.Session) {
	w, h := g.Size()
	payload := InvSnapshotPayload{InventoryID: g.ID(), W: w, H: h}
	for _, it := range g.Items() {
		payload.Items = append(payload.Items, ItemPayload{
			InventoryID: g.ID(),
			ItemID:      it.ID,
			DefID:       it.Def.ID,
			X:           it.X,
			Y:           it.Y,
			Qty:         it.Qty,
		})
	}
	if pkt := marshalPacket(TypeInvSnapshot, payload); pkt != nil {
		observer.SendRaw(pkt)
	}
}

// mirror publishes public packets to the pub/sub channel for external
// consumers. Fire-and-forget so the mutation path never waits on Redis.
func (d *Dispatcher) mirror(charID int64, pkt []byte) {
	if d.pubsub == nil {
		return
	}
	go func() {
		if err := d.pubsub.Publish(context.Background(), fmt.Sprintf("sync.char.%d", charID), string(pkt)); err != nil {
			d.logger.Debug("sync mirror publish failed", zap.Error(err))
		}
	}()
}

func marshalPacket(typ string, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	data, err := json.Marshal(&session.Packet{Type: typ, Payload: raw})
	if err != nil {
		return nil
	}
	return data
}
