package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openrp/charcore/audit"
	"github.com/openrp/charcore/character"
	mw "github.com/openrp/charcore/middleware"
	"github.com/openrp/charcore/model"
	"github.com/openrp/charcore/persist"
	"github.com/openrp/charcore/scheduler"
	"github.com/openrp/charcore/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db     *gorm.DB
	sm     *session.Manager
	chars  *character.Manager
	store  *persist.Store
	sched  *scheduler.Scheduler
	audit  *audit.Service
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	db *gorm.DB,
	sm *session.Manager,
	chars *character.Manager,
	store *persist.Store,
	sched *scheduler.Scheduler,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, sm: sm, chars: chars, store: store, sched: sched, audit: auditSvc, logger: logger}
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	dirty := 0
	for _, rec := range h.chars.All() {
		if rec.Dirty() {
			dirty++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"online_sessions":   h.sm.Count(),
		"loaded_characters": h.chars.Count(),
		"dirty_characters":  dirty,
		"scheduler_tasks":   h.sched.ListTickers(),
	})
}

// ListLoaded returns a snapshot of every loaded character record.
// GET /api/admin/characters
func (h *AdminHandler) ListLoaded(c *gin.Context) {
	type charInfo struct {
		CharID     int64  `json:"char_id"`
		AccountID  int64  `json:"account_id"`
		State      string `json:"state"`
		Dirty      bool   `json:"dirty"`
		LastActive string `json:"last_active"`
		Online     bool   `json:"online"`
	}
	recs := h.chars.All()
	result := make([]charInfo, 0, len(recs))
	for _, rec := range recs {
		result = append(result, charInfo{
			CharID:     rec.ID,
			AccountID:  rec.AccountID,
			State:      rec.State().String(),
			Dirty:      rec.Dirty(),
			LastActive: rec.LastActive().Format("2006-01-02T15:04:05Z07:00"),
			Online:     h.sm.IsOnline(rec.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"characters": result, "count": len(result)})
}

// Kick forcibly disconnects a character's session.
// POST /api/admin/kick/:id
func (h *AdminHandler) Kick(c *gin.Context) {
	charID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	s := h.sm.Get(charID)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "character not online"})
		return
	}
	s.Close()
	h.logger.Info("admin kicked session", zap.Int64("char_id", charID))
	h.audit.Log(audit.Entry{
		TraceID: mw.GetTraceID(c),
		CharID:  &charID,
		Action:  "admin_kick",
		IP:      c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Unload flushes and removes a detached character from the loaded set.
// POST /api/admin/characters/:id/unload
func (h *AdminHandler) Unload(c *gin.Context) {
	charID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if h.sm.IsOnline(charID) {
		c.JSON(http.StatusConflict, gin.H{"error": "character is attached to a session"})
		return
	}
	if err := h.chars.Unload(c.Request.Context(), charID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Flush saves every dirty loaded record now.
// POST /api/admin/flush
func (h *AdminHandler) Flush(c *gin.Context) {
	saved := h.store.Flush(c.Request.Context(), h.chars.All())
	c.JSON(http.StatusOK, gin.H{"saved": saved})
}

// BanAccount bans or unbans a player account.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := model.AccountNormal
	if req.Ban {
		status = model.AccountBanned
	}
	result := h.db.Model(&model.Account{}).Where("id = ?", accountID).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	// Kick any live session on the banned account.
	if req.Ban {
		for _, s := range h.sm.All() {
			if s.AccountID == accountID {
				s.Close()
			}
		}
	}
	h.audit.Log(audit.Entry{
		TraceID:   mw.GetTraceID(c),
		AccountID: &accountID,
		Action:    "admin_ban",
		Detail:    map[string]interface{}{"ban": req.Ban},
		IP:        c.ClientIP(),
	})
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// WARNING: if adminKey is empty all admin endpoints are disabled (503) so the
// server cannot be accidentally deployed without protection. Set a non-empty
// server.admin_key in config to enable admin routes.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
