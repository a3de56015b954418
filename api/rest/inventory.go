package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openrp/charcore/character"
	mw "github.com/openrp/charcore/middleware"
	"github.com/openrp/charcore/model"
	"gorm.io/gorm"
)

// InventoryHandler handles inventory REST endpoints.
type InventoryHandler struct {
	db    *gorm.DB
	chars *character.Manager
}

// NewInventoryHandler creates a new InventoryHandler.
func NewInventoryHandler(db *gorm.DB, chars *character.Manager) *InventoryHandler {
	return &InventoryHandler{db: db, chars: chars}
}

type gridView struct {
	ID    int64        `json:"id"`
	W     int          `json:"w"`
	H     int          `json:"h"`
	Items []model.Item `json:"items"`
}

// List handles GET /api/characters/:id/inventory. When the character is
// loaded, the in-memory grids are authoritative; otherwise the rows are.
func (h *InventoryHandler) List(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	charID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	// Verify character belongs to account.
	var char model.Character
	if err := h.db.Where("id = ? AND account_id = ? AND deleted = ?", charID, accountID, false).
		First(&char).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	}

	if rec := h.chars.Get(charID); rec != nil {
		grids := rec.Inventories()
		out := make([]gridView, 0, len(grids))
		for _, g := range grids {
			w, hh := g.Size()
			view := gridView{ID: g.ID(), W: w, H: hh, Items: make([]model.Item, 0)}
			for _, it := range g.Items() {
				view.Items = append(view.Items, model.Item{
					ID:          it.ID,
					InventoryID: g.ID(),
					DefID:       it.Def.ID,
					X:           it.X,
					Y:           it.Y,
					Qty:         it.Qty,
				})
			}
			out = append(out, view)
		}
		c.JSON(http.StatusOK, gin.H{"inventories": out, "live": true})
		return
	}

	var invRows []model.Inventory
	if err := h.db.Where("char_id = ?", charID).Order("id").Find(&invRows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]gridView, 0, len(invRows))
	for _, row := range invRows {
		view := gridView{ID: row.ID, W: row.W, H: row.H, Items: make([]model.Item, 0)}
		if err := h.db.Where("inventory_id = ?", row.ID).Find(&view.Items).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"inventories": out, "live": false})
}
