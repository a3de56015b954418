package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadlineS = 60 * time.Second
	pingInterval  = 30 * time.Second // server-side WS ping
)

// Packet is the unified WS message envelope.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session represents a connected player's WebSocket session: the owning
// account, the character it controls, and the set of characters it observes.
type Session struct {
	AccountID int64
	CharID    int64 // 0 until a character is selected

	Conn    *websocket.Conn
	TraceID string
	LastSeq uint64

	SendChan chan []byte
	Done     chan struct{}

	mu       sync.Mutex
	observes map[int64]struct{} // charIDs this session is subscribed to
	logger   *zap.Logger
}

// New creates a Session with its write goroutine started.
func New(accountID int64, conn *websocket.Conn, logger *zap.Logger) *Session {
	s := &Session{
		AccountID: accountID,
		Conn:      conn,
		SendChan:  make(chan []byte, sendChanBuf),
		Done:      make(chan struct{}),
		observes:  make(map[int64]struct{}),
		logger:    logger,
	}
	go s.writePump()
	return s
}

// NewLocal creates a Session without a network connection; packets
// accumulate in SendChan. Used by tests and server-internal observers.
func NewLocal(accountID int64, logger *zap.Logger) *Session {
	return &Session{
		AccountID: accountID,
		SendChan:  make(chan []byte, sendChanBuf),
		Done:      make(chan struct{}),
		observes:  make(map[int64]struct{}),
		logger:    logger,
	}
}

// writePump drains SendChan and writes to the WebSocket connection.
// Also sends periodic WebSocket pings to detect dead connections quickly.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data, ok := <-s.SendChan:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.Int64("account_id", s.AccountID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and sends it non-blocking. Drops if channel full or
// closed, so a stalled client can never block the mutation path.
func (s *Session) Send(pkt *Packet) {
	if s.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	s.SendRaw(data)
}

// SendRaw sends raw bytes non-blocking. Drops if channel full or closed.
func (s *Session) SendRaw(data []byte) {
	if s.IsClosed() {
		return
	}
	select {
	case s.SendChan <- data:
	case <-s.Done:
	default:
		if !s.IsClosed() {
			s.logger.Warn("send channel full, dropping packet",
				zap.Int64("account_id", s.AccountID))
		}
	}
}

// Close signals the writePump to shut down.
func (s *Session) Close() {
	select {
	case <-s.Done:
	default:
		close(s.Done)
	}
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// Subscribe adds charID to this session's observed set. The spatial layer
// calls this when the character comes into view.
func (s *Session) Subscribe(charID int64) {
	s.mu.Lock()
	s.observes[charID] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes charID from the observed set.
func (s *Session) Unsubscribe(charID int64) {
	s.mu.Lock()
	delete(s.observes, charID)
	s.mu.Unlock()
}

// Observes reports whether this session is subscribed to charID. A session
// always observes its own character.
func (s *Session) Observes(charID int64) bool {
	if s.CharID == charID {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.observes[charID]
	return ok
}

// SetReadDeadline resets the WebSocket read deadline to 60 s from now.
func (s *Session) SetReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadlineS))
}
