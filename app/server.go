package app

import (
	"context"
	"net/http"
	"time"

	"collab-canvas/pkg/config"
	"collab-canvas/pkg/db"
	"collab-canvas/pkg/handlers"
	"collab-canvas/pkg/room"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server wires the store, room registry and handlers together.
type Server struct {
	router      *mux.Router
	roomManager *room.Manager
	handlers    *handlers.Handlers
	store       db.ISessionStore
	config      *config.Config
	logger      *zap.Logger
	httpServer  *http.Server
	sweepStop   chan struct{}
}

// NewServer creates a server backed by PostgreSQL.
func NewServer(logger *zap.Logger) (*Server, error) {
	cfg := config.Load()

	store, err := db.NewPostgresSessionStore(cfg.GetDatabaseConnectionString())
	if err != nil {
		return nil, err
	}

	return NewServerWithStore(cfg, store, logger), nil
}

// NewServerWithStore creates a server on an explicit store; tests use this
// with the in-memory store.
func NewServerWithStore(cfg *config.Config, store db.ISessionStore, logger *zap.Logger) *Server {
	roomManager := room.NewManager(logger)
	h := handlers.NewHandlers(roomManager, store, cfg, logger)

	r := mux.NewRouter()

	// WebSocket endpoint for real-time collaboration.
	r.HandleFunc("/ws/{sessionId}", h.HandleWebSocket)

	// REST plumbing for session lifecycle.
	r.HandleFunc("/api/sessions", h.CreateSession).Methods("POST")
	r.HandleFunc("/api/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", h.GetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", h.DeleteSession).Methods("DELETE")
	r.HandleFunc("/api/sessions/{id}/pin", h.PinSession).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/peers", h.GetSessionPeers).Methods("GET")

	return &Server{
		router:      r,
		roomManager: roomManager,
		handlers:    h,
		store:       store,
		config:      cfg,
		logger:      logger,
		sweepStop:   make(chan struct{}),
	}
}

// Router exposes the handler tree; tests mount it on httptest servers.
func (s *Server) Router() http.Handler {
	return corsMiddleware(s.router)
}

// Start runs the expiry sweeper and serves until Shutdown.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.config.GetServerAddr()
	}

	go s.sweepLoop()

	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}
	s.logger.Info("starting canvas sync server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server, the sweeper and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.sweepStop)
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	return s.store.Close()
}

// sweepLoop periodically deletes expired, unpinned sessions.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			swept, err := s.store.SweepExpired(ctx)
			cancel()
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				s.logger.Info("swept expired sessions", zap.Int64("count", swept))
			}
		}
	}
}

// corsMiddleware handles CORS headers and responds to preflight requests at
// the outer layer so they don't get rejected by method-restricted routes.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Vary", "Access-Control-Request-Headers")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
