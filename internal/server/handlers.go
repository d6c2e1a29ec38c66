package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/auth"
)

// WebSocketHandler verifies the caller's bearer token, upgrades the
// connection and hands the client to the hub. The token comes from the
// Authorization header or, for browsers, the token query parameter.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.log.Info("rejected websocket handshake",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		status := http.StatusUnauthorized
		msg := "invalid credentials"
		if errors.Is(err, auth.ErrMissingToken) {
			msg = "missing bearer token"
		}
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, s.hub, s.gateway, identity, r.RemoteAddr, s.cfg, s.log)
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Rooms       int    `json:"rooms"`
}

// HealthHandler reports liveness and current load.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.hub.Count(),
		Sessions:    s.registry.Count(),
		Rooms:       s.store.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
