package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/middleware"
	"parley/internal/usecase/eventbus"
)

// ServerDeps wires the gateway's collaborators.
type ServerDeps struct {
	Runner TurnStarter
	Auth   Authenticator
	Owner  domain.ThreadAuthorizer
	Bus    domain.EventBus // optional
	Logger *slog.Logger
}

// Server accepts WebSocket sessions on /ws and reports liveness on
// /healthz.
type Server struct {
	deps ServerDeps
	cfg  config.ServerConfig

	sessions sync.Map // connID (uint64) → *session
	nextID   atomic.Uint64
	httpSrv  *http.Server

	addrMu    sync.Mutex
	boundAddr string
}

func NewServer(cfg config.ServerConfig, deps ServerDeps) *Server {
	return &Server{deps: deps, cfg: cfg}
}

// Start begins accepting connections and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealthz)

	var handler http.Handler = mux
	if s.cfg.Rate.Enabled {
		handler = middleware.RateLimit(ctx, s.cfg.Rate)(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Publish the address only after the server struct is in place, so
	// anyone polling BoundAddr may safely call Stop.
	s.setBoundAddr(listener.Addr().String())

	s.deps.Logger.Info("gateway listening", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		if err := s.Stop(context.Background()); err != nil {
			s.deps.Logger.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes all sessions and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.Range(func(key, value any) bool {
		sess := value.(*session)
		sess.close()
		_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
		s.sessions.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the listener address. Valid once Start has bound.
func (s *Server) BoundAddr() string {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.boundAddr
}

func (s *Server) setBoundAddr(addr string) {
	s.addrMu.Lock()
	s.boundAddr = addr
	s.addrMu.Unlock()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.Authenticate(bearerToken(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Identity of the caller; thread ownership hangs off it. The
	// deployment token gates access, the user parameter names the
	// principal within it.
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.deps.Logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	sess := newSession(ws, userID, s.deps.Runner, s.deps.Owner, s.deps.Logger)
	s.sessions.Store(connID, sess)

	s.deps.Logger.Info("client connected", "conn_id", connID, "user_id", userID)
	eventbus.Emit(r.Context(), s.deps.Bus, domain.EventClientJoined, "", map[string]any{"user_id": userID})

	go sess.writeLoop()
	sess.readLoop(r.Context())

	sess.close()
	s.sessions.Delete(connID)
	_ = ws.Close(websocket.StatusNormalClosure, "")

	eventbus.Emit(context.Background(), s.deps.Bus, domain.EventClientLeft, "", map[string]any{"user_id": userID})
	s.deps.Logger.Info("client disconnected", "conn_id", connID, "user_id", userID)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// originPatterns permits local development plus explicitly configured
// origins.
func (s *Server) originPatterns() []string {
	patterns := []string{
		"localhost",
		"localhost:*",
		"127.0.0.1",
		"127.0.0.1:*",
		"[::1]",
		"[::1]:*",
	}
	return append(patterns, s.cfg.AllowedOrigins...)
}
