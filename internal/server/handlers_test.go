package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/cipherroom/internal/room"
)

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	env.connect(t, "alice")

	for _, path := range []string{"/", "/health"} {
		resp, err := http.Get(env.http.URL + path)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		var body healthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, 1, body.Sessions)
		assert.Equal(t, 1, body.Connections)
	}
}

func dialWith(t *testing.T, env *testEnv, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	if resp != nil && resp.Body != nil {
		t.Cleanup(func() { _ = resp.Body.Close() })
	}
	return conn, resp, err
}

func TestWebSocketHandler_RequiresValidToken(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header http.Header
	}{
		{"missing", http.Header{"Origin": {testOrigin}}},
		{"garbage", http.Header{"Origin": {testOrigin}, "Authorization": {"Bearer nope"}}},
		{"wrong scheme", http.Header{"Origin": {testOrigin}, "Authorization": {"Basic " + env.token(t, "alice")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dialWith(t, env, tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestWebSocketHandler_TokenQueryParameter(t *testing.T) {
	env := newTestEnv(t, nil)

	url := env.wsURL() + "?token=" + env.token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {testOrigin}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"event": EventRegister, "data": map[string]string{"publicKey": "pk"}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, EventRegistered, f.Event)
}

func TestWebSocketHandler_RejectsDisallowedOrigin(t *testing.T) {
	env := newTestEnv(t, nil)

	header := http.Header{
		"Origin":        {"http://evil.example"},
		"Authorization": {"Bearer " + env.token(t, "alice")},
	}
	_, resp, err := dialWith(t, env, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketHandler_RejectsNonGet(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.http.URL+"/ws", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandshakeRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.HandshakeLimit = WindowLimit{Max: 1, Window: time.Minute}
	})
	env.dial(t, "alice")

	header := http.Header{
		"Origin":        {testOrigin},
		"Authorization": {"Bearer " + env.token(t, "bob")},
	}
	_, resp, err := dialWith(t, env, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func adminRequest(t *testing.T, env *testEnv, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, env.http.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdminDeleteRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.connect(t, "owner")
	member := env.connect(t, "member")
	created := openRoom(t, owner, member)
	path := "/admin/rooms/" + created.RoomID

	assert.Equal(t, http.StatusUnauthorized, adminRequest(t, env, http.MethodDelete, path, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, adminRequest(t, env, http.MethodDelete, path, "wrong").StatusCode)
	assert.Equal(t, 1, env.store.Len())

	assert.Equal(t, http.StatusNoContent, adminRequest(t, env, http.MethodDelete, path, "admin-token").StatusCode)
	for _, c := range []*testClient{owner, member} {
		var closed room.RoomClosed
		c.expectInto(room.EventRoomClosed, &closed)
		assert.Equal(t, created.RoomID, closed.RoomID)
	}
	assert.Zero(t, env.store.Len())

	assert.Equal(t, http.StatusNotFound, adminRequest(t, env, http.MethodDelete, path, "admin-token").StatusCode)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.AdminToken = "" })

	resp := adminRequest(t, env, http.MethodDelete, "/admin/rooms/anything", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRedeemUploadToken(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.connect(t, "alice")

	c.send(EventRequestUploadToken, nil)
	var tok room.UploadToken
	c.expectInto(room.EventUploadToken, &tok)

	path := "/admin/upload-tokens/" + tok.Token + "/redeem"
	resp := adminRequest(t, env, http.MethodPost, path, "admin-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alice", body["username"])

	assert.Equal(t, http.StatusNotFound, adminRequest(t, env, http.MethodPost, path, "admin-token").StatusCode)
}

func TestShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.connect(t, "alice")

	require.NoError(t, env.srv.Hub().Shutdown(waitTimeout))

	err := c.expectClosed()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Zero(t, env.registry.Count())
}
