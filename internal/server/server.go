// Package server exposes the bridge lifecycle over HTTP: a JSON API for
// connect/status/disconnect/resync, QR rendering for pairing artifacts, a
// websocket stream per network, and the usual health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/trestle/internal/auth"
	"github.com/haasonsaas/trestle/internal/bridge"
	"github.com/haasonsaas/trestle/internal/store"
)

// Bridges is the slice of the bridge manager the HTTP layer drives. It is
// satisfied by *bridge.Manager.
type Bridges interface {
	StartConnection(ctx context.Context, userID int64, network store.BridgeType, input string) (*bridge.Artifact, error)
	GetStatus(ctx context.Context, userID int64, network store.BridgeType) (bridge.Status, error)
	Disconnect(ctx context.Context, userID int64, network store.BridgeType) (bool, error)
	Resync(ctx context.Context, userID int64, network store.BridgeType) error
	Artifact(userID int64, network store.BridgeType) (bridge.Artifact, bool)
	Networks() []store.BridgeType
}

// Config holds server configuration.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port int
	// Bridges is the bridge manager the API operates on.
	Bridges Bridges
	// Hub delivers forwarded messages to websocket subscribers (optional).
	Hub *bridge.Hub
	// AuthService validates /api and /ws requests; nil or disabled means
	// open access.
	AuthService *auth.Service
	// DefaultUserID identifies requests when auth is disabled (default: 1).
	DefaultUserID int64
	// Gatherer backs the /metrics endpoint (optional).
	Gatherer prometheus.Gatherer
	// Logger for request and lifecycle logging.
	Logger *slog.Logger
}

// Server is the bridge API HTTP server.
type Server struct {
	config  *Config
	logger  *slog.Logger
	handler http.Handler

	httpServer *http.Server
	listener   net.Listener
}

// New creates a server and wires its routes.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	if cfg.Bridges == nil {
		return nil, errors.New("bridge manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultUserID == 0 {
		cfg.DefaultUserID = 1
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}
	s.handler = LoggingMiddleware(cfg.Logger)(s.setupRoutes())
	return s, nil
}

// setupRoutes configures all HTTP routes. The bridge API and the websocket
// stream sit behind authentication; health and metrics do not.
func (s *Server) setupRoutes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/bridges", s.handleBridgeList)
	api.HandleFunc("/api/bridges/", s.handleBridge)
	api.HandleFunc("/ws/bridges/", s.handleBridgeWS)
	protected := auth.Middleware(s.config.AuthService, s.logger)(api)

	mux := http.NewServeMux()
	mux.Handle("/api/", protected)
	mux.Handle("/ws/", protected)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.config.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Handler returns the fully assembled handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// userID resolves the acting user: the authenticated identity when auth is
// on, the configured default otherwise.
func (s *Server) userID(r *http.Request) int64 {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.UserID
	}
	return s.config.DefaultUserID
}

// parseIntParam reads an integer query parameter with a fallback.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
