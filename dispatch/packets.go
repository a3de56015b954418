package dispatch

// Packet types emitted by the dispatcher.
const (
	TypeCharSnapshot = "char_snapshot"
	TypeFieldChanged = "field_changed"
	TypeBoostChanged = "boost_changed"
	TypeInvSnapshot  = "inventory_snapshot"
	TypeItemAdded    = "item_added"
	TypeItemRemoved  = "item_removed"
	TypeItemMoved    = "item_moved"
)

// FieldChangedPayload is sent on each visible field mutation.
type FieldChangedPayload struct {
	CharID int64       `json:"char_id"`
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
}

// BoostChangedPayload is sent to the owner on boost add/remove.
type BoostChangedPayload struct {
	CharID  int64   `json:"char_id"`
	Attrib  string  `json:"attrib"`
	Source  string  `json:"source"`
	Amount  float64 `json:"amount"`
	Removed bool    `json:"removed"`
}

// CharSnapshotPayload carries the full visible state of a character,
// sent once when an observer first gains visibility.
type CharSnapshotPayload struct {
	CharID int64                  `json:"char_id"`
	Fields map[string]interface{} `json:"fields"`
}

// ItemPayload describes one inventory delta.
type ItemPayload struct {
	InventoryID int64  `json:"inventory_id"`
	ItemID      string `json:"item_id"`
	DefID       string `json:"def_id"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Qty         int    `json:"qty"`
}

// InvSnapshotPayload carries the full contents of one grid.
type InvSnapshotPayload struct {
	InventoryID int64         `json:"inventory_id"`
	W           int           `json:"w"`
	H           int           `json:"h"`
	Items       []ItemPayload `json:"items"`
}
