package model

import (
	"time"

	"gorm.io/datatypes"
)

// Character is the persisted row for one character record.
//
// Typed columns exist for the built-in schema fields; persisted fields
// without a dedicated column round-trip through the Data blob.
type Character struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID  int64          `gorm:"index:idx_account;not null" json:"account_id"`
	Name       string         `gorm:"size:70;not null" json:"name"`
	Desc       string         `gorm:"type:text" json:"desc"`
	Faction    string         `gorm:"size:64;default:'citizen'" json:"faction"`
	Class      string         `gorm:"size:64" json:"class"`
	ModelPath  string         `gorm:"size:128" json:"model_path"`
	Money      int64          `gorm:"default:0" json:"money"`
	Attribs    datatypes.JSON `json:"attribs"` // attribute key → base value
	Boosts     datatypes.JSON `json:"boosts"`  // attribute key → source → amount
	Data       datatypes.JSON `json:"data"`    // free-form custom data bag
	Deleted    bool           `gorm:"default:false;index" json:"deleted"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	LastActive time.Time      `gorm:"autoUpdateTime" json:"last_active"`
}
