// Package api exposes the client-facing realtime push socket and a small
// history query surface. Its only contract, per spec, is to forward
// committed transcriptions to subscribers and serve history queries; it is
// not part of the replication core.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/oliverbhull/memo-node/internal/database"
	"github.com/oliverbhull/memo-node/internal/replication"
)

const defaultHistoryLimit = 50

// HistoryStore is the subset of the Store's contract the history/status
// endpoints need.
type HistoryStore interface {
	GetRecent(ctx context.Context, limit int) ([]database.Transcription, error)
	Count(ctx context.Context) (total, synced int, err error)
	List(ctx context.Context) ([]database.Peer, error)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	store    HistoryStore
	fanout   *replication.Fanout
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(store HistoryStore, fanout *replication.Fanout, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		store:  store,
		fanout: fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The realtime socket is consumed by a local/LAN client, not a
			// browser under a different origin; same relaxed policy as an
			// internal tool.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "api-server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/history", s.handleHistory)
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleHistory serves Store.GetRecent, newest first, bounded by an
// optional ?limit= query parameter.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.store.GetRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

type statusResponse struct {
	Total  int          `json:"total"`
	Synced int          `json:"synced"`
	Peers  []peerStatus `json:"peers"`
}

type peerStatus struct {
	NodeID            string `json:"node_id"`
	LastSeenSeconds   int64  `json:"last_seen_seconds_ago"`
	LastSyncTimestamp int64  `json:"last_sync_timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, synced, err := s.store.Count(r.Context())
	if err != nil {
		s.logger.Error("status query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	peers, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("peer list query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{Total: total, Synced: synced}
	now := time.Now()
	for _, p := range peers {
		resp.Peers = append(resp.Peers, peerStatus{
			NodeID:            p.NodeID,
			LastSeenSeconds:   int64(now.Sub(p.LastSeen).Round(time.Second).Seconds()),
			LastSyncTimestamp: p.LastSyncTimestamp,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleWS upgrades to a websocket connection and forwards every committed
// transcription until the client disconnects. Fanout.Subscribe is lossy
// for slow consumers by design; this handler never buffers beyond that.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.fanout.Subscribe()
	defer s.fanout.Unsubscribe(sub)

	for {
		select {
		case t, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(t); err != nil {
				s.logger.Debug("websocket write failed, closing", "error", err)
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
