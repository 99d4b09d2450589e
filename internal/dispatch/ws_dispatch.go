package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/helper-matching/internal/models"
)

var ErrNoSession = errors.New("no websocket session for helper")

const writeWait = 5 * time.Second

// WSSession is one connected helper app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// WSRegistry maps helper ids to their live sessions and delivers booking
// offers over them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

// Add registers conn for helperID, closing any session it replaces.
func (r *WSRegistry) Add(helperID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[helperID]
	r.sessions[helperID] = s
	r.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(helperID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[helperID]; ok && cur == s {
		delete(r.sessions, helperID)
	}
}

func (r *WSRegistry) Connected(helperID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[helperID]
	return ok
}

type offerMessage struct {
	Type  string       `json:"type"`
	Offer models.Offer `json:"offer"`
}

func (r *WSRegistry) Offer(helperID string, offer models.Offer) error {
	r.mu.RLock()
	s, ok := r.sessions[helperID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(offerMessage{Type: "booking_offer", Offer: offer}); err != nil {
		r.logger.Warn("ws send failed", "helper_id", helperID, "booking_id", offer.BookingID, "error", err)
		r.Remove(helperID, s)
		return err
	}
	return nil
}
