package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	closed bool
	events []sent
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, sent{event: event, payload: payload})
	return true
}

func (c *fakeConn) Close(string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) eventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.events))
	for _, e := range c.events {
		names = append(names, e.event)
	}
	return names
}

func TestRegistry_BindAcknowledges(t *testing.T) {
	reg := NewRegistry(nil)
	conn := newFakeConn("c1")

	evicted := reg.Bind("alice", "pk", conn)

	assert.False(t, evicted)
	assert.True(t, reg.IsOnline("alice"))
	assert.Equal(t, []string{"registered"}, conn.eventNames())
	key, ok := reg.PublicKey("alice")
	require.True(t, ok)
	assert.Equal(t, "pk", key)
}

func TestRegistry_ZombieEviction(t *testing.T) {
	reg := NewRegistry(nil)
	old := newFakeConn("old")
	fresh := newFakeConn("new")

	reg.Bind("alice", "pk1", old)
	evicted := reg.Bind("alice", "pk2", fresh)

	assert.True(t, evicted)
	assert.True(t, old.isClosed())
	assert.False(t, fresh.isClosed())
	assert.Equal(t, 1, reg.Count())

	// The evicted connection's late disconnect must not remove its successor.
	_, ok := reg.Unbind("old")
	assert.False(t, ok)
	assert.True(t, reg.IsOnline("alice"))

	assert.True(t, reg.Send("alice", "ping", nil))
	assert.Contains(t, fresh.eventNames(), "ping")
}

func TestRegistry_RebindSameConnection(t *testing.T) {
	reg := NewRegistry(nil)
	conn := newFakeConn("c1")

	reg.Bind("alice", "pk", conn)
	evicted := reg.Bind("alice", "pk", conn)

	assert.False(t, evicted)
	assert.False(t, conn.isClosed())
}

func TestRegistry_RenameDropsOldBinding(t *testing.T) {
	reg := NewRegistry(nil)
	conn := newFakeConn("c1")

	reg.Bind("alice", "pk", conn)
	reg.Bind("bob", "pk", conn)

	assert.False(t, reg.IsOnline("alice"))
	assert.True(t, reg.IsOnline("bob"))
}

func TestRegistry_UnbindIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Bind("alice", "pk", newFakeConn("c1"))

	username, ok := reg.Unbind("c1")
	assert.True(t, ok)
	assert.Equal(t, "alice", username)

	_, ok = reg.Unbind("c1")
	assert.False(t, ok)
	_, ok = reg.Unbind("unknown")
	assert.False(t, ok)
	assert.False(t, reg.IsOnline("alice"))
}

func TestRegistry_SendToOfflineIsNoop(t *testing.T) {
	reg := NewRegistry(nil)
	assert.False(t, reg.Send("ghost", "anything", nil))
}

func TestRegistry_ConcurrentBindsKeepOneBinding(t *testing.T) {
	reg := NewRegistry(nil)
	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = newFakeConn(string(rune('a' + i)))
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			reg.Bind("alice", "pk", c)
		}(c)
	}
	wg.Wait()

	open := 0
	for _, c := range conns {
		if !c.isClosed() {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_ConnIDFollowsLatestBinding(t *testing.T) {
	reg := NewRegistry(nil)

	_, ok := reg.ConnID("alice")
	assert.False(t, ok)

	reg.Bind("alice", "pk", newFakeConn("c1"))
	id, ok := reg.ConnID("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	reg.Bind("alice", "pk", newFakeConn("c2"))
	id, _ = reg.ConnID("alice")
	assert.Equal(t, "c2", id)

	reg.Unbind("c1")
	id, ok = reg.ConnID("alice")
	assert.True(t, ok)
	assert.Equal(t, "c2", id)
}
