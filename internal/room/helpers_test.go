package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePresence struct {
	mu    sync.Mutex
	conns map[string]string
	keys  map[string]string
}

func newFakePresence(online ...string) *fakePresence {
	p := &fakePresence{conns: make(map[string]string), keys: make(map[string]string)}
	for _, u := range online {
		p.connect(u, u+"-conn")
	}
	return p
}

func (p *fakePresence) connect(username, connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[username] = connID
	p.keys[username] = username + "-key"
}

func (p *fakePresence) disconnect(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, username)
	delete(p.keys, username)
}

func (p *fakePresence) IsOnline(username string) bool {
	_, ok := p.ConnID(username)
	return ok
}

func (p *fakePresence) PublicKey(username string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.keys[username]
	return k, ok
}

func (p *fakePresence) ConnID(username string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[username]
	return c, ok
}

type recordingArchive struct {
	mu  sync.Mutex
	ops []ArchiveOp
}

func (a *recordingArchive) Record(op ArchiveOp) {
	a.mu.Lock()
	a.ops = append(a.ops, op)
	a.mu.Unlock()
}

func (a *recordingArchive) kinds() []OpKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OpKind, 0, len(a.ops))
	for _, op := range a.ops {
		out = append(out, op.Kind)
	}
	return out
}

type fixture struct {
	store      *Store
	presence   *fakePresence
	archive    *recordingArchive
	controller *Controller
	relay      *Relay
}

func newFixture(t *testing.T, opts ...StoreOption) *fixture {
	t.Helper()

	store, err := NewStore(opts...)
	require.NoError(t, err)
	presence := newFakePresence("owner", "member", "third", "outsider")
	archive := &recordingArchive{}
	relay, err := NewRelay(store, presence, archive, time.Minute, nil)
	require.NoError(t, err)

	return &fixture{
		store:      store,
		presence:   presence,
		archive:    archive,
		controller: NewController(store, presence, archive, nil),
		relay:      relay,
	}
}

// roomWith creates a room owned by "owner" and admits the given members.
func (f *fixture) roomWith(t *testing.T, members ...string) RoomCreated {
	t.Helper()

	created, err := f.controller.CreateRoom("owner")
	require.NoError(t, err)
	for _, m := range members {
		req, _, err := f.controller.RequestJoin(m, created.RoomCode)
		require.NoError(t, err)
		_, _, err = f.controller.ApproveJoin("owner", req.ID)
		require.NoError(t, err)
	}
	return created
}

func notesFor(notes []Notification, user string) []Notification {
	var out []Notification
	for _, n := range notes {
		if n.To == user {
			out = append(out, n)
		}
	}
	return out
}

func eventsOf(notes []Notification) []string {
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Event)
	}
	return out
}
