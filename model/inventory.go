package model

import (
	"time"

	"gorm.io/datatypes"
)

// Inventory is one grid container. CharID is null while the container is
// detached (physically placed in the world, e.g. a dropped crate).
type Inventory struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CharID    *int64    `gorm:"index:idx_char_inventory" json:"char_id"`
	W         int       `gorm:"not null" json:"w"`
	H         int       `gorm:"not null" json:"h"`
	MaxWeight float64   `gorm:"default:0" json:"max_weight"` // 0 = unlimited
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Item is one placed item instance inside an inventory.
type Item struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"` // uuid
	InventoryID int64          `gorm:"index:idx_inv_item;not null" json:"inventory_id"`
	DefID       string         `gorm:"size:64;not null" json:"def_id"`
	X           int            `gorm:"not null" json:"x"`
	Y           int            `gorm:"not null" json:"y"`
	Qty         int            `gorm:"default:1" json:"qty"`
	Data        datatypes.JSON `json:"data"` // per-instance key/value bag
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
