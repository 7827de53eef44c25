// Package httpapi exposes a read-only operational surface over the
// processing pipeline: health, the cached store snapshot, run counters, and
// a live websocket feed of processing events.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/shipsync/internal/relsync"
	"github.com/agentworkforce/shipsync/internal/shipment"
)

// ServerConfig configures the status server. An empty Token disables auth.
type ServerConfig struct {
	Token string
}

// Server serves the status API. It never mutates the store.
type Server struct {
	store  *shipment.DocumentStore
	events *shipment.EventHub
	token  string
	mux    *http.ServeMux

	mu        sync.Mutex
	lastBatch shipment.BatchStats
	lastSync  relsync.SyncCounts
}

func NewServer(store *shipment.DocumentStore, events *shipment.EventHub, config ServerConfig) *Server {
	s := &Server{
		store:  store,
		events: events,
		token:  strings.TrimSpace(config.Token),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/v1/snapshot", s.authorized(s.handleSnapshot))
	s.mux.HandleFunc("/v1/stats", s.authorized(s.handleStats))
	s.mux.HandleFunc("/v1/events", s.authorized(s.handleEvents))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// RecordBatch publishes the latest run counters to /v1/stats.
func (s *Server) RecordBatch(stats shipment.BatchStats) {
	s.mu.Lock()
	s.lastBatch = stats
	s.mu.Unlock()
}

// RecordSync publishes the latest relational sync counters to /v1/stats.
func (s *Server) RecordSync(counts relsync.SyncCounts) {
	s.mu.Lock()
	s.lastSync = counts
	s.mu.Unlock()
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			header := r.Header.Get("Authorization")
			if header != "Bearer "+s.token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snapshot, err := s.store.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snapshot == nil {
		snapshot = &shipment.Snapshot{Documents: []shipment.ProcessedDocument{}}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	lastBatch := s.lastBatch
	lastSync := s.lastSync
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"store":     s.store.Metadata(),
		"lastBatch": lastBatch,
		"lastSync":  lastSync,
	})
}

// handleEvents upgrades to a websocket and relays hub events until the
// client goes away. A slow client drops events rather than stalling the hub.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event feed disabled")
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ctx := conn.CloseRead(r.Context())
	feed, cancel := s.events.Subscribe(64)
	defer cancel()

	for {
		select {
		case event, ok := <-feed:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("httpapi: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
