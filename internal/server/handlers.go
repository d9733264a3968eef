package server

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/iconvo/relay/internal/chat"
	"github.com/iconvo/relay/internal/config"
	"github.com/iconvo/relay/internal/protocol"
)

// queryTimeout bounds how long an HTTP handler waits for the event loop.
const queryTimeout = 5 * time.Second

// Service ties the hub, configuration, and HTTP handlers together.
type Service struct {
	cfg         *config.Config
	hub         *Hub
	upgrader    websocket.Upgrader
	connLimiter *chat.RateLimiter
	startedAt   time.Time
}

// NewService wires a Service around an already-constructed hub.
func NewService(cfg *config.Config, hub *Hub) *Service {
	origins := newOriginPolicy(cfg.AllowedOrigins)
	return &Service{
		cfg: cfg,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		// The per-IP connection limit shares the rate-limit window with the
		// message and join limits.
		connLimiter: chat.NewRateLimiter(cfg.MaxConnectionsPerIP, cfg.MessageRate.Window),
		startedAt:   time.Now(),
	}
}

// Routes returns the configured router for the whole HTTP surface.
func (s *Service) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", s.HandleRooms).Methods(http.MethodGet)
	r.HandleFunc("/api/messages/{room}", s.HandleMessages).Methods(http.MethodGet)
	r.HandleFunc("/api/search", s.HandleSearch).Methods(http.MethodGet)
	return r
}

// HandleWebSocket upgrades the connection, enforces the per-IP connection
// limit, and registers the client with the hub.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.connLimiter.Allow(ip) {
		http.Error(w, "Too many connections from this address", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	userID := r.URL.Query().Get("userId")
	client := NewClient(conn, s.hub, r.RemoteAddr, userID)

	// The hub launches the pump goroutines once registration lands.
	s.hub.register <- client
}

// HandleHealth reports liveness.
func (s *Service) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// HandleStats reports connection, room, and message counters.
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	var rooms, messages int
	err := s.hub.Do(ctx, func() {
		rooms = s.hub.Presence().RoomCount()
		messages = s.hub.Store().MessageCount()
	})
	if err != nil {
		http.Error(w, "Stats temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":         time.Since(s.startedAt).String(),
		"total_clients":  s.hub.ClientCount(),
		"total_rooms":    rooms,
		"total_messages": messages,
	})
}

// HandleRooms serves the room directory: the configured default rooms plus
// whatever rooms currently have members, with live counts.
// GET /api/rooms.
func (s *Service) HandleRooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	type roomInfo struct {
		Name    string `json:"name"`
		Users   int    `json:"users"`
		Active  int    `json:"active"`
		Default bool   `json:"default"`
	}

	var rooms []roomInfo
	err := s.hub.Do(ctx, func() {
		seen := make(map[string]bool, len(s.cfg.DefaultRooms))
		for _, name := range s.cfg.DefaultRooms {
			seen[name] = true
			snap := s.hub.Presence().Snapshot(name)
			rooms = append(rooms, roomInfo{Name: name, Users: snap.MemberCount, Active: snap.ActiveCount, Default: true})
		}
		for _, name := range s.hub.Presence().Rooms() {
			if seen[name] {
				continue
			}
			snap := s.hub.Presence().Snapshot(name)
			rooms = append(rooms, roomInfo{Name: name, Users: snap.MemberCount, Active: snap.ActiveCount})
		}
	})
	if err != nil {
		http.Error(w, "Room list temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// HandleMessages serves paged history for a room:
// GET /api/messages/{room}?limit&offset.
func (s *Service) HandleMessages(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	var page []*protocol.Message
	err := s.hub.Do(ctx, func() {
		page = s.hub.Store().Page(room, limit, offset)
	})
	if err != nil {
		http.Error(w, "History temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"room":     room,
		"messages": page,
	})
}

// HandleSearch serves message search:
// GET /api/search?query&room&userId.
func (s *Service) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "query parameter is required", http.StatusBadRequest)
		return
	}
	room := r.URL.Query().Get("room")
	userID := r.URL.Query().Get("userId")

	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	var hits []*protocol.Message
	err := s.hub.Do(ctx, func() {
		hits = s.hub.Store().Search(query, room)
	})
	if err != nil {
		http.Error(w, "Search temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	if userID != "" {
		filtered := hits[:0]
		for _, m := range hits {
			if m.UserID == userID {
				filtered = append(filtered, m)
			}
		}
		hits = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"results": hits,
		"room":    room,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error writing JSON response: %v", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
