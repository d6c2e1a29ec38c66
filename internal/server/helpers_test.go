package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/cipherroom/internal/auth"
	"github.com/Tyrowin/cipherroom/internal/ratelimit"
	"github.com/Tyrowin/cipherroom/internal/room"
	"github.com/Tyrowin/cipherroom/internal/session"
)

const (
	testOrigin  = "http://localhost:8080"
	testSecret  = "test-secret-key"
	waitTimeout = 2 * time.Second
)

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	verifier *auth.JWTVerifier
	store    *room.Store
	registry *session.Registry
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.AdminToken = "admin-token"
	return cfg
}

// newTestEnv starts a fully wired server. mutate may adjust the config.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	require.NoError(t, err)
	store, err := room.NewStore()
	require.NoError(t, err)
	registry := session.NewRegistry(nil)
	relay, err := room.NewRelay(store, registry, nil, cfg.UploadTokenTTL, nil)
	require.NoError(t, err)

	srv, err := New(cfg, Deps{
		Store:      store,
		Registry:   registry,
		Controller: room.NewController(store, registry, nil, nil),
		Relay:      relay,
		Limiter:    ratelimit.NewMemory(),
		Verifier:   verifier,
	})
	require.NoError(t, err)
	srv.StartHub()

	ts := httptest.NewServer(srv.SetupRoutes())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Hub().Shutdown(time.Second)
	})

	return &testEnv{srv: srv, http: ts, verifier: verifier, store: store, registry: registry}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

func (e *testEnv) token(t *testing.T, username string) string {
	t.Helper()
	tok, err := e.verifier.Issue(auth.Identity{UserID: "id-" + username, Username: username}, time.Hour)
	require.NoError(t, err)
	return tok
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// testClient is a raw WebSocket peer. A background reader pushes every
// decoded frame onto events.
type testClient struct {
	t      *testing.T
	name   string
	conn   *websocket.Conn
	events chan frame
	closed chan error
}

func (e *testEnv) dial(t *testing.T, username string) *testClient {
	t.Helper()

	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Authorization", "Bearer "+e.token(t, username))

	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &testClient{
		t:      t,
		name:   username,
		conn:   conn,
		events: make(chan frame, 64),
		closed: make(chan error, 1),
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// connect dials and registers username.
func (e *testEnv) connect(t *testing.T, username string) *testClient {
	t.Helper()
	c := e.dial(t, username)
	c.send(EventRegister, map[string]string{"username": username, "publicKey": username + "-pk"})
	c.expect(EventRegistered)
	return c
}

func (c *testClient) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.closed <- err
			close(c.events)
			return
		}
		var f frame
		if json.Unmarshal(raw, &f) == nil {
			c.events <- f
		}
	}
}

func (c *testClient) send(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// expect returns the data of the next event named event, skipping others.
func (c *testClient) expect(event string) json.RawMessage {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	var skipped []string
	for {
		select {
		case f, ok := <-c.events:
			if !ok {
				c.t.Fatalf("%s: connection closed waiting for %q (skipped %v)", c.name, event, skipped)
			}
			if f.Event == event {
				return f.Data
			}
			skipped = append(skipped, f.Event+" "+string(f.Data))
		case <-deadline:
			c.t.Fatalf("%s: timed out waiting for %q (skipped %v)", c.name, event, skipped)
		}
	}
}

// expectInto decodes the next event named event into v.
func (c *testClient) expectInto(event string, v any) {
	c.t.Helper()
	require.NoError(c.t, json.Unmarshal(c.expect(event), v))
}

// expectError returns the next error event.
func (c *testClient) expectError() ErrorPayload {
	c.t.Helper()
	var p ErrorPayload
	c.expectInto(EventError, &p)
	return p
}

// expectNone fails if event arrives within d.
func (c *testClient) expectNone(event string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f, ok := <-c.events:
			if !ok {
				return
			}
			if f.Event == event {
				c.t.Fatalf("%s: unexpected %q: %s", c.name, event, f.Data)
			}
		case <-deadline:
			return
		}
	}
}

// expectClosed waits for the server to close the connection and returns the
// close error.
func (c *testClient) expectClosed() error {
	c.t.Helper()
	select {
	case err := <-c.closed:
		return err
	case <-time.After(waitTimeout):
		c.t.Fatalf("%s: connection was not closed", c.name)
		return nil
	}
}

// openRoom has owner create a room and admits members.
func openRoom(t *testing.T, owner *testClient, members ...*testClient) room.RoomCreated {
	t.Helper()

	owner.send(EventCreateRoom, nil)
	var created room.RoomCreated
	owner.expectInto(room.EventRoomCreated, &created)

	for _, m := range members {
		m.send(EventRequestJoin, map[string]string{"roomCode": created.RoomCode})
		var req room.JoinRequestNotice
		owner.expectInto(room.EventJoinRequest, &req)
		owner.send(EventApproveJoin, map[string]string{"requestId": req.RequestID})
		m.expect(room.EventJoinApproved)
	}
	return created
}
