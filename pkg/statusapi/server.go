// Package statusapi exposes the MMU toolhead state over HTTP: status
// snapshots, rail dumps and endstop queries, plus a websocket stream
// pushing periodic status updates to diagnostic frontends.
package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mmu-host/pkg/endstop"
	"mmu-host/pkg/log"
	"mmu-host/pkg/mmu"
)

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":7125").
	Addr string

	// Toolhead is the MMU toolhead to report on.
	Toolhead *mmu.Toolhead

	// Registry is the endstop query registry.
	Registry *endstop.Registry

	// PushInterval is the websocket status push period. Defaults to
	// 250ms.
	PushInterval time.Duration

	Logger *log.Logger
}

// Server serves the MMU status API.
type Server struct {
	logger       *log.Logger
	addr         string
	toolhead     *mmu.Toolhead
	registry     *endstop.Registry
	pushInterval time.Duration

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New creates a status API server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	interval := cfg.PushInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Server{
		logger:       logger,
		addr:         cfg.Addr,
		toolhead:     cfg.Toolhead,
		registry:     cfg.Registry,
		pushInterval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/rails", s.handleRails)
	mux.HandleFunc("/endstops", s.handleEndstops)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return mux
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.logger.Infof("status API listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warnf("writing response: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]interface{}{"result": s.toolhead.GetStatus()})
}

func (s *Server) handleRails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, rail := range s.toolhead.Kinematics().Rails() {
		fmt.Fprint(w, rail.Dump())
	}
}

func (s *Server) handleEndstops(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	states, err := s.registry.QueryAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	result := make(map[string]string, len(states))
	for name, st := range states {
		result[name] = st.String()
	}
	s.writeJSON(w, map[string]interface{}{"result": result})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	s.logger.Debugf("websocket client connected: %s", conn.RemoteAddr())

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		payload := map[string]interface{}{
			"method": "notify_status_update",
			"params": s.toolhead.GetStatus(),
		}
		if err := conn.WriteJSON(payload); err != nil {
			s.logger.Debugf("websocket client gone: %v", err)
			return
		}
		<-ticker.C
	}
}
