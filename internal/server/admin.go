package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/auth"
	"github.com/Tyrowin/cipherroom/internal/room"
)

// requireAdmin rejects requests that do not carry the configured admin token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// DeleteRoomHandler closes a room administratively. Every member is told it
// closed.
func (s *Server) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	notes, err := s.controller.DeleteRoom(roomID)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
			return
		}
		s.log.Error("admin room deletion failed", zap.String("room_id", roomID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.gateway.deliver(notes)
	s.log.Info("room deleted by admin", zap.String("room_id", roomID), zap.Int("notified", len(notes)))
	w.WriteHeader(http.StatusNoContent)
}

// RedeemUploadTokenHandler lets the upload service consume a token issued to
// a registered user. Tokens are single use.
func (s *Server) RedeemUploadTokenHandler(w http.ResponseWriter, r *http.Request) {
	username, ok := s.relay.RedeemUploadToken(r.PathValue("token"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or expired token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": username})
}
