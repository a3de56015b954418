package session

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager maintains the registry of all connected Sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session // charID → session
	logger   *zap.Logger
}

// NewManager creates a new Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		sessions: make(map[int64]*Session),
		logger:   logger,
	}
}

// Register adds a session under its selected character. If a previous
// session exists for the same charID, it is closed first (handles duplicate
// login / reconnect).
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[s.CharID]; ok {
		old.Close()
		m.logger.Info("duplicate session displaced",
			zap.Int64("char_id", s.CharID))
	}
	m.sessions[s.CharID] = s
	m.logger.Info("session registered",
		zap.Int64("char_id", s.CharID),
		zap.Int64("account_id", s.AccountID))
}

// Unregister removes the session for a charID.
func (m *Manager) Unregister(charID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, charID)
	m.logger.Info("session unregistered", zap.Int64("char_id", charID))
}

// Get returns the session owning charID, or nil if not found.
func (m *Manager) Get(charID int64) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[charID]
}

// IsOnline reports whether a character's owner is currently connected.
func (m *Manager) IsOnline(charID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[charID]
	return ok
}

// Count returns the number of currently connected sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns a snapshot slice of all current sessions.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ObserversOf returns every session currently able to see charID: the owner
// plus any session whose spatial subscription includes the character. This
// is the observer-enumerator collaborator consumed by the sync dispatcher.
func (m *Manager) ObserversOf(charID int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, 4)
	for _, s := range m.sessions {
		if s.Observes(charID) {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastAll sends a pre-encoded packet to every connected session using
// non-blocking sends.
func (m *Manager) BroadcastAll(data []byte) {
	for _, s := range m.All() {
		s.SendRaw(data)
	}
}

// BroadcastToAll sends a typed packet to every connected session.
func (m *Manager) BroadcastToAll(pkt *Packet) {
	data, err := json.Marshal(pkt)
	if err != nil {
		m.logger.Error("failed to marshal broadcast packet", zap.Error(err))
		return
	}
	m.BroadcastAll(data)
}

// CloseAll gracefully closes all connected sessions, waiting briefly for
// write pumps to drain.
func (m *Manager) CloseAll() {
	sessions := m.All()
	m.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		if m.Count() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
