// Package ipc is the headless observe surface: a small HTTP server exposing
// health, metrics, REST snapshots, and a WebSocket stream of change events.
// The sync core never depends on it; it is wiring for operators and remote
// viewers.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"github.com/odvcencio/greenroom/pkg/bus"
	"github.com/odvcencio/greenroom/pkg/logging"
	"github.com/odvcencio/greenroom/pkg/rpc"
	"github.com/odvcencio/greenroom/pkg/storage"
)

// Config controls the observe server.
type Config struct {
	// BindAddress is the listen address, e.g. "127.0.0.1:7421".
	BindAddress string
}

// Server serves the observe endpoints. It subscribes to change
// notifications on the bus and fans them out to WebSocket clients.
type Server struct {
	cfg    Config
	store  *storage.Store
	bus    bus.MessageBus
	hub    *Hub
	logger *logging.Logger

	httpServer *http.Server
	listener   net.Listener
	sub        bus.Subscription
}

// NewServer creates an observe server. A nil logger falls back to a
// discard logger.
func NewServer(cfg Config, store *storage.Store, b bus.MessageBus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		bus:    b,
		hub:    NewHub(),
		logger: logger,
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/changes", s.handleChanges)
	r.Get("/api/projects", s.handleListProjects)
	r.Get("/api/projects/{projectID}/sessions", s.handleListSessions)
	r.Get("/api/sessions/{sessionID}/messages", s.handleListMessages)

	return r
}

// Start binds the listener and begins serving. It returns once the
// listener is accepting; serving continues until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, rpc.SubjectChangeAll, func(msg *bus.Message) []byte {
		var ev storage.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return nil
		}
		metricChangeEvents.WithLabelValues(ev.Collection).Inc()
		s.hub.Broadcast(ev)
		return nil
	})
	if err != nil {
		return err
	}
	s.sub = sub

	listener, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(logging.CategoryIPC, "serve", err.Error(), nil)
		}
	}()

	s.logger.Info(logging.CategoryIPC, "listen", "observe server listening", map[string]any{
		"addr": listener.Addr().String(),
	})
	return nil
}

// Addr returns the bound address, useful when BindAddress used port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops serving and drops all observers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil && s.store.DB() != nil {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, errors.New("database unavailable"))
			return
		}
	}
	respondJSON(w, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	var filter func(storage.ChangeEvent) bool
	if collection != "" {
		filter = func(ev storage.ChangeEvent) bool { return ev.Collection == collection }
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryIPC, "ws.accept", err.Error(), nil)
		return
	}

	c := s.hub.register(conn, filter)
	defer s.hub.removeClient(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Discard inbound frames; the stream is one-way.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := c.writeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.close(websocket.StatusNormalClosure, "stream closed")
		return
	}
	c.close(websocket.StatusNormalClosure, "")
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	metricSnapshotRequests.WithLabelValues(storage.CollectionProject).Inc()
	projects, err := s.store.ListProjects()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"seq": s.store.LastSeq(), "projects": projects})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	metricSnapshotRequests.WithLabelValues(storage.CollectionSession).Inc()
	sessions, err := s.store.ListSessionsByProject(chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"seq": s.store.LastSeq(), "sessions": sessions})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	metricSnapshotRequests.WithLabelValues(storage.CollectionMessage).Inc()
	messages, err := s.store.ListMessagesBySession(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"seq": s.store.LastSeq(), "messages": messages})
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  err.Error(),
		"status": status,
	})
}
