package server

import (
	"net/http"

	"github.com/Tyrowin/cipherroom/internal/ratelimit"
)

// SetupRoutes configures and returns the HTTP handler with all application
// routes. The WebSocket handshake is rate limited per client IP; the admin
// routes exist only when an admin token is configured.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.HealthHandler)
	mux.HandleFunc("GET /health", s.HealthHandler)

	handshake := http.HandlerFunc(s.WebSocketHandler)
	if s.limiter != nil {
		limit := s.cfg.HandshakeLimit
		mux.Handle("/ws", ratelimit.Middleware(s.limiter, limit.Max, limit.Window, handshakeKey, s.log)(handshake))
	} else {
		mux.Handle("/ws", handshake)
	}

	if s.cfg.AdminToken != "" {
		mux.HandleFunc("DELETE /admin/rooms/{roomID}", s.requireAdmin(s.DeleteRoomHandler))
		mux.HandleFunc("POST /admin/upload-tokens/{token}/redeem", s.requireAdmin(s.RedeemUploadTokenHandler))
	}
	return mux
}

func handshakeKey(r *http.Request) string {
	return "handshake:" + ratelimit.ClientIP(r)
}
