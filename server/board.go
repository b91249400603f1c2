package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/philtim/tzclock/clock"
	errUtils "github.com/philtim/tzclock/errors"
	"github.com/philtim/tzclock/scheduler"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Message types sent on the clock feed.
const (
	MessageClocks  = "clocks"
	MessageFailure = "failure"
)

// BoardMessage is one frame of the clock feed.
type BoardMessage struct {
	Type     string                 `json:"type"`
	At       time.Time              `json:"at"`
	Clocks   []clock.ProjectedClock `json:"clocks,omitempty"`
	Timezone string                 `json:"timezone,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

func boardMessage(ev scheduler.Event) BoardMessage {
	if ev.Kind == scheduler.EventFailure {
		return BoardMessage{Type: MessageFailure, At: ev.At, Timezone: ev.Timezone, Error: errUtils.UserMessage(ev.Err)}
	}
	return BoardMessage{Type: MessageClocks, At: ev.At, Clocks: ev.Clocks}
}

// handleClocksWS streams scheduler events to a websocket client until the
// client goes away. The current board is sent first.
func (s *Server) handleClocksWS(w http.ResponseWriter, r *http.Request) {
	if s.board == nil {
		writeError(w, http.StatusServiceUnavailable, "No clock board running")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.board.Subscribe()
	defer unsubscribe()
	s.logger.Debug("clock board connected", "remote", r.RemoteAddr)

	// Reads only detect the close; the feed is one way.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("clock board read failed", "err", err)
				}
				return
			}
		}
	}()

	send := func(msg BoardMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("clock board write failed", "err", err)
			return false
		}
		return true
	}

	if !send(BoardMessage{Type: MessageClocks, At: time.Now(), Clocks: s.snapshots()}) {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(boardMessage(ev)) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		case <-closed:
			s.logger.Debug("clock board disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
