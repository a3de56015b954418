package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openrp/charcore/character"
	"github.com/openrp/charcore/event"
	"github.com/openrp/charcore/session"
	"go.uber.org/zap"
)

// Client → server message types.
const (
	TypeCharSelect    = "char_select"
	TypeCharSet       = "char_set"
	TypeSessionVarSet = "session_var_set"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeItemMove      = "item_move"
	TypeItemRemove    = "item_remove"
	TypeItemTransfer  = "item_transfer"
)

var (
	errNoCharacter = errors.New("no character selected")
	errNotOwner    = errors.New("character belongs to another account")
)

// CharSelectPayload binds this session to one of the account's characters.
type CharSelectPayload struct {
	CharID int64 `json:"char_id"`
}

// CharSetPayload mutates one field on the session's character.
type CharSetPayload struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// SessionVarPayload sets an ephemeral variable on the session's character.
type SessionVarPayload struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// SubscribePayload adds or removes a character from this session's view.
type SubscribePayload struct {
	CharID int64 `json:"char_id"`
}

func (h *Handler) handleCharSelect(ctx context.Context, s *session.Session, payload json.RawMessage) error {
	var req CharSelectPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}

	// Re-selecting the current character just resends the snapshot; closing
	// our own session-table entry via Register would kill the connection.
	if req.CharID != 0 && s.CharID == req.CharID {
		if rec := h.deps.Chars.Get(req.CharID); rec != nil {
			h.deps.Disp.Snapshot(rec, s)
			return nil
		}
	}

	rec, err := h.deps.Chars.Load(ctx, req.CharID)
	if err != nil {
		return fmt.Errorf("select character %d: %w", req.CharID, err)
	}
	if rec.AccountID != s.AccountID {
		return errNotOwner
	}

	// Switching characters: fully detach the previous one first so its
	// session-table entry, online flag, and Active state do not leak.
	h.releaseCharacter(ctx, s)

	if _, err := h.deps.Chars.Attach(req.CharID); err != nil {
		return err
	}

	s.CharID = req.CharID
	h.deps.Sessions.Register(s)

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = h.deps.Cache.SAdd(cacheCtx, onlineSetKey, strconv.FormatInt(req.CharID, 10))
	cancel()

	_, _ = h.deps.Bus.Publish(ctx, event.CharacterAttached, req.CharID)

	// Owner snapshot first, deltas follow.
	h.deps.Disp.Snapshot(rec, s)

	h.deps.Logger.Info("character attached",
		zap.Int64("char_id", req.CharID),
		zap.Int64("account_id", s.AccountID))
	return nil
}

func (h *Handler) handleCharSet(_ context.Context, s *session.Session, payload json.RawMessage) error {
	rec, err := h.ownRecord(s)
	if err != nil {
		return err
	}
	var req CharSetPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	return rec.Set(req.Key, req.Value)
}

func (h *Handler) handleSessionVarSet(_ context.Context, s *session.Session, payload json.RawMessage) error {
	rec, err := h.ownRecord(s)
	if err != nil {
		return err
	}
	var req SessionVarPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	return rec.SetSessionVar(req.Key, req.Value)
}

func (h *Handler) handleSubscribe(ctx context.Context, s *session.Session, payload json.RawMessage) error {
	var req SubscribePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	rec, err := h.deps.Chars.Load(ctx, req.CharID)
	if err != nil {
		return fmt.Errorf("subscribe to character %d: %w", req.CharID, err)
	}

	// Subscribe before snapshotting: a delta racing the snapshot is
	// superseded by it, so the observer still converges on current state.
	s.Subscribe(req.CharID)
	h.deps.Disp.Snapshot(rec, s)
	return nil
}

func (h *Handler) handleUnsubscribe(_ context.Context, s *session.Session, payload json.RawMessage) error {
	var req SubscribePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	s.Unsubscribe(req.CharID)
	return nil
}

// ownRecord resolves the record the session controls.
func (h *Handler) ownRecord(s *session.Session) (*character.Record, error) {
	if s.CharID == 0 {
		return nil, errNoCharacter
	}
	rec := h.deps.Chars.Get(s.CharID)
	if rec == nil {
		return nil, character.ErrNotLoaded
	}
	return rec, nil
}
