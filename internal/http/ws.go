package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/helper-matching/internal/booking"
	"github.com/example/helper-matching/internal/geo"
	"github.com/example/helper-matching/internal/geolocation"
	"github.com/example/helper-matching/internal/models"
)

var upgrader = websocket.Upgrader{}

// wsMessage is what a helper app sends up the socket: "location" carries a
// GPS fix, "respond" answers an offer.
type wsMessage struct {
	Type      string           `json:"type"`
	Location  *models.Coord    `json:"location,omitempty"`
	BookingID string           `json:"booking_id,omitempty"`
	Response  booking.Response `json:"response,omitempty"`
}

type wsReply struct {
	Type    string          `json:"type"`
	Booking *models.Booking `json:"booking,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleWS keeps one helper's session open. Offers go down through the
// registry; GPS fixes coming up are tracked into the directory.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["helper_id"]
	if _, ok := s.dir.Get(id); !ok {
		writeError(w, http.StatusNotFound, "helper not found")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "helper_id", id, "error", err)
		return
	}
	// the server's read timeout would otherwise close idle sessions
	_ = conn.SetReadDeadline(time.Time{})
	sess := s.wsreg.Add(id, conn)
	log := s.logger.With("helper_id", id)
	log.Info("helper connected")

	ctx, cancel := context.WithCancel(context.Background())
	latest := &geolocation.Latest{}
	sub := geolocation.Track(ctx, id, latest, s.track, s.dir, log)
	defer func() {
		cancel()
		sub.Stop()
		s.wsreg.Remove(id, sess)
		conn.Close()
		log.Info("helper disconnected")
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read ended", "error", err)
			}
			return
		}
		switch msg.Type {
		case "location":
			if msg.Location == nil || !geo.IsValidCoordinate(*msg.Location) {
				sess.Send(wsReply{Type: "error", Error: "invalid location"})
				continue
			}
			latest.Push(*msg.Location)
		case "respond":
			b, err := s.bookings.Respond(ctx, msg.BookingID, id, msg.Response)
			reply := wsReply{Type: "booking", Booking: b}
			if err != nil {
				reply.Error = err.Error()
			}
			sess.Send(reply)
		default:
			sess.Send(wsReply{Type: "error", Error: "unknown message type"})
		}
	}
}
