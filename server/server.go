// Package server exposes the time oracle over HTTP and streams the clock
// board to remote displays.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/philtim/tzclock/clock"
	"github.com/philtim/tzclock/oracle"
	"github.com/philtim/tzclock/scheduler"
)

const shutdownTimeout = 5 * time.Second

// Server serves the oracle endpoints and, when a board is attached, the
// clock feed.
type Server struct {
	oracle   oracle.Oracle
	cal      *clock.ZoneCalendar
	board    *scheduler.Scheduler
	logger   *log.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// New constructs a Server answering from o. board may be nil, in which case
// the clock feed reports no clocks.
func New(o oracle.Oracle, cal *clock.ZoneCalendar, board *scheduler.Scheduler, logger *log.Logger) *Server {
	if cal == nil {
		cal = clock.Default
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		oracle: o,
		cal:    cal,
		board:  board,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clock boards are read-only displays on the local network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/current/{tz...}", s.handleCurrent)
	s.mux.HandleFunc("POST /api/convert", s.handleConvert)
	s.mux.HandleFunc("GET /api/clocks", s.handleClocks)
	s.mux.HandleFunc("GET /api/clocks/ws", s.handleClocksWS)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	tz := r.PathValue("tz")
	if _, err := s.cal.Location(tz); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown timezone: "+tz)
		return
	}

	now, err := s.oracle.Current(r.Context(), tz)
	if err != nil {
		s.logger.Error("current time failed", "timezone", tz, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, oracle.NewCurrentResponse(tz, now))
}

// convertBody distinguishes missing fields from empty ones.
type convertBody struct {
	DT   *string `json:"dt"`
	From *string `json:"from"`
	To   *string `json:"to"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var body convertBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	for _, f := range []struct {
		name  string
		value *string
	}{{"dt", body.DT}, {"from", body.From}, {"to", body.To}} {
		if f.value == nil {
			writeError(w, http.StatusBadRequest, "Missing field: "+f.name)
			return
		}
	}

	p := oracle.ConvertPayload{DT: *body.DT, From: *body.From, To: *body.To}
	if _, err := s.cal.Location(p.From); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown timezone: "+p.From)
		return
	}
	if _, err := s.cal.Parse(p.DT, p.From); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid datetime format")
		return
	}
	if _, err := s.cal.Location(p.To); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown timezone: "+p.To)
		return
	}

	converted, err := s.oracle.Convert(r.Context(), oracle.ConvertRequest{Source: p.DT, From: p.From, To: p.To})
	if err != nil {
		s.logger.Error("conversion failed", "from", p.From, "to", p.To, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, oracle.NewConvertResponse(p, converted))
}

// ClocksResponse is the body of GET /api/clocks.
type ClocksResponse struct {
	Clocks []clock.ProjectedClock `json:"clocks"`
}

func (s *Server) handleClocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ClocksResponse{Clocks: s.snapshots()})
}

func (s *Server) snapshots() []clock.ProjectedClock {
	if s.board == nil {
		return []clock.ProjectedClock{}
	}
	clocks := s.board.Snapshots()
	if clocks == nil {
		return []clock.ProjectedClock{}
	}
	return clocks
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, oracle.ErrorResponse{Detail: detail})
}
