package ws

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/openrp/charcore/audit"
	"github.com/openrp/charcore/cache"
	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/config"
	"github.com/openrp/charcore/dispatch"
	"github.com/openrp/charcore/event"
	"github.com/openrp/charcore/inventory"
	mw "github.com/openrp/charcore/middleware"
	"github.com/openrp/charcore/session"
	"go.uber.org/zap"
)

// onlineSetKey is the cache set holding the char IDs currently attached to a
// live session, shared across nodes when Redis backs the cache.
const onlineSetKey = "online.chars"

// Deps bundles the collaborators the WS layer needs.
type Deps struct {
	Cache    cache.Cache
	Sec      config.SecurityConfig
	Sessions *session.Manager
	Chars    *character.Manager
	Store    character.Store
	Disp     *dispatch.Dispatcher
	Catalog  *inventory.Catalog
	Bus      *event.Bus
	Audit    *audit.Service
	Logger   *zap.Logger
}

// Handler is the Gin handler for GET /ws.
type Handler struct {
	deps     Deps
	router   *Router
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket Handler and registers the message handlers.
// deps.Sec.AllowedOrigins controls which WebSocket origins are accepted; an
// empty slice permits all origins (development only).
func NewHandler(deps Deps, router *Router) *Handler {
	h := &Handler{deps: deps, router: router}
	allowed := deps.Sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true // dev mode: allow all
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	h.registerHandlers()
	return h
}

func (h *Handler) registerHandlers() {
	h.router.On(TypeCharSelect, h.handleCharSelect)
	h.router.On(TypeCharSet, h.handleCharSet)
	h.router.On(TypeSessionVarSet, h.handleSessionVarSet)
	h.router.On(TypeSubscribe, h.handleSubscribe)
	h.router.On(TypeUnsubscribe, h.handleUnsubscribe)
	h.router.On(TypeItemMove, h.handleItemMove)
	h.router.On(TypeItemRemove, h.handleItemRemove)
	h.router.On(TypeItemTransfer, h.handleItemTransfer)
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := mw.ParseToken(tokenStr, h.deps.Sec.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	// Validate session cache.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	exists, err := h.deps.Cache.Exists(ctx, "session:"+tokenStr)
	if err != nil || !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.deps.Logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	sess := session.New(claims.AccountID, conn, h.deps.Logger)
	h.readPump(sess)
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *session.Session) {
	defer func() {
		h.handleDisconnect(s)
	}()

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				h.deps.Logger.Warn("ws unexpected close",
					zap.Int64("account_id", s.AccountID),
					zap.Error(err))
			}
			return
		}
		// Reset read deadline on any message (heartbeat or otherwise).
		s.SetReadDeadline()
		h.router.Dispatch(s, raw)
	}
}

// releaseCharacter detaches the session's current character: lifecycle back
// to Detached, session table entry removed, online-set membership dropped.
// Shared by disconnect and character re-select so neither path leaks the
// previous character's session state.
func (h *Handler) releaseCharacter(ctx context.Context, s *session.Session) {
	charID := s.CharID
	if charID == 0 {
		return
	}
	h.deps.Chars.Detach(charID)
	h.deps.Sessions.Unregister(charID)

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = h.deps.Cache.SRem(cacheCtx, onlineSetKey, strconv.FormatInt(charID, 10))
	cancel()

	_, _ = h.deps.Bus.Publish(ctx, event.CharacterDetached, charID)
	s.CharID = 0
}

// handleDisconnect cleans up after the connection closes: the character is
// detached (staying loaded for fast reconnect) and its dirty state saved.
func (h *Handler) handleDisconnect(s *session.Session) {
	s.Close()

	charID := s.CharID
	h.releaseCharacter(context.Background(), s)
	if charID != 0 {
		// Async: persist any unsaved state immediately rather than waiting
		// for the next flush tick.
		if rec := h.deps.Chars.Get(charID); rec != nil && rec.Dirty() {
			go func() {
				defer func() {
					if r := recover(); r != nil {
						h.deps.Logger.Error("panic in disconnect save",
							zap.Int64("char_id", charID),
							zap.Any("recover", r),
							zap.String("stack", string(debug.Stack())))
					}
				}()
				saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := h.deps.Store.Save(saveCtx, rec); err != nil {
					h.deps.Logger.Error("disconnect save failed",
						zap.Int64("char_id", charID),
						zap.Error(err))
				}
			}()
		}
	}

	h.deps.Logger.Info("session disconnected",
		zap.Int64("account_id", s.AccountID),
		zap.Int64("char_id", charID))
}
