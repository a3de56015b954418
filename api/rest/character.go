package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openrp/charcore/audit"
	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/config"
	mw "github.com/openrp/charcore/middleware"
	"github.com/openrp/charcore/model"
	"github.com/openrp/charcore/schema"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// CharacterHandler handles character REST endpoints. Creation and deletion go
// through the character manager so the loaded set stays consistent; listing
// reads rows directly since unloaded characters have no in-memory record.
type CharacterHandler struct {
	db    *gorm.DB
	chars *character.Manager
	audit *audit.Service
	cfg   config.CoreConfig
}

// NewCharacterHandler creates a new CharacterHandler.
func NewCharacterHandler(db *gorm.DB, chars *character.Manager, auditSvc *audit.Service, cfg config.CoreConfig) *CharacterHandler {
	return &CharacterHandler{db: db, chars: chars, audit: auditSvc, cfg: cfg}
}

// List handles GET /api/characters.
func (h *CharacterHandler) List(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	var chars []model.Character
	if err := h.db.Where("account_id = ? AND deleted = ?", accountID, false).Find(&chars).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": chars})
}

type createCharacterRequest struct {
	Name    string `json:"name"    binding:"required,min=1,max=32"`
	Desc    string `json:"desc"    binding:"max=512"`
	Faction string `json:"faction" binding:"max=64"`
	Class   string `json:"class"   binding:"max=64"`
	Model   string `json:"model"   binding:"max=128"`
}

// Create handles POST /api/characters.
func (h *CharacterHandler) Create(c *gin.Context) {
	accountID := mw.GetAccountID(c)

	var req createCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if h.cfg.MaxCharacters > 0 {
		var count int64
		if err := h.db.Model(&model.Character{}).
			Where("account_id = ? AND deleted = ?", accountID, false).
			Count(&count).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if count >= int64(h.cfg.MaxCharacters) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max characters reached"})
			return
		}
	}

	initial := map[string]interface{}{
		schema.FieldName:  req.Name,
		schema.FieldDesc:  req.Desc,
		schema.FieldClass: req.Class,
		schema.FieldModel: req.Model,
	}
	if req.Faction != "" {
		initial[schema.FieldFaction] = req.Faction
	}

	rec, err := h.chars.Create(c.Request.Context(), accountID, initial)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.audit.Log(audit.Entry{
		TraceID:   mw.GetTraceID(c),
		CharID:    &rec.ID,
		AccountID: &accountID,
		Action:    "char_create",
		Detail:    map[string]interface{}{"name": req.Name},
		IP:        c.ClientIP(),
	})

	c.JSON(http.StatusCreated, gin.H{
		"id":   rec.ID,
		"name": rec.Get(schema.FieldName, nil),
	})
}

type deleteCharacterRequest struct {
	Password string `json:"password" binding:"required"`
}

// Delete handles DELETE /api/characters/:id. The character is tombstoned, not
// erased: the row survives for audit and the loaded record rejects writes.
func (h *CharacterHandler) Delete(c *gin.Context) {
	accountID := mw.GetAccountID(c)
	charID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req deleteCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}

	// Verify the account password.
	var acc model.Account
	if err := h.db.First(&acc, accountID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong password"})
		return
	}

	rec, err := h.chars.Load(c.Request.Context(), charID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	}
	if rec.AccountID != accountID {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		return
	}

	if err := h.chars.Delete(c.Request.Context(), charID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	h.audit.Log(audit.Entry{
		TraceID:   mw.GetTraceID(c),
		CharID:    &charID,
		AccountID: &accountID,
		Action:    "char_delete",
		IP:        c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}
