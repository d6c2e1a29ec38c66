package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/auth"
	"github.com/Tyrowin/cipherroom/internal/ratelimit"
	"github.com/Tyrowin/cipherroom/internal/room"
	"github.com/Tyrowin/cipherroom/internal/session"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store      *room.Store
	Registry   *session.Registry
	Controller *room.Controller
	Relay      *room.Relay
	// Limiter backs both the handshake and the per-event quotas. Nil
	// disables rate limiting.
	Limiter  ratelimit.Limiter
	Verifier auth.Verifier
	Logger   *zap.Logger
}

// Server is the HTTP and WebSocket front of the relay.
type Server struct {
	cfg        Config
	store      *room.Store
	registry   *session.Registry
	controller *room.Controller
	relay      *room.Relay
	limiter    ratelimit.Limiter
	verifier   auth.Verifier
	hub        *Hub
	gateway    *Gateway
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

// New builds a Server. cfg is sanitized; Store, Registry, Controller, Relay
// and Verifier are required.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Controller == nil || deps.Relay == nil {
		return nil, errors.New("server: store, registry, controller and relay are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("server: verifier is required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.sanitize()

	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &Server{
		cfg:        cfg,
		store:      deps.Store,
		registry:   deps.Registry,
		controller: deps.Controller,
		relay:      deps.Relay,
		limiter:    deps.Limiter,
		verifier:   deps.Verifier,
		hub:        NewHub(log),
		gateway:    NewGateway(deps.Registry, deps.Controller, deps.Relay, deps.Limiter, cfg.EventLimits, log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
		log: log,
	}, nil
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

// Hub returns the connection hub for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartHub starts the hub in a separate goroutine. Call it before serving.
func (s *Server) StartHub() {
	go s.hub.Run()
	s.log.Info("hub started and ready to manage websocket connections")
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it stops. A server
// closed by Shutdown returns nil.
func StartServer(server *http.Server, log *zap.Logger) error {
	log.Info("server listening", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting
// active requests. Hijacked WebSocket connections are closed by the hub.
func ShutdownServer(ctx context.Context, server *http.Server, log *zap.Logger) error {
	log.Info("shutting down http server")
	if err := server.Shutdown(ctx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
		return err
	}
	log.Info("http server shutdown completed")
	return nil
}
