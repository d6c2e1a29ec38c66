// Package session binds verified usernames to their single live connection.
package session

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is the live connection a session is bound to.
type Conn interface {
	ID() string
	// Send queues an outbound event and reports whether it was accepted.
	Send(event string, payload any) bool
	// Close terminates the connection. It must be safe to call more than once.
	Close(reason string)
}

// Session is a username bound to a connection.
type Session struct {
	Username  string
	PublicKey string
	Conn      Conn
}

// Registry maps each username to at most one live connection.
type Registry struct {
	mu         sync.RWMutex
	byUsername map[string]*Session
	byConn     map[string]string
	log        *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		byUsername: make(map[string]*Session),
		byConn:     make(map[string]string),
		log:        log,
	}
}

// Bind installs conn as the live connection for username. A different
// connection already bound to that username is closed after the new binding
// is in place. It reports whether a prior connection was evicted.
func (r *Registry) Bind(username, publicKey string, conn Conn) bool {
	r.mu.Lock()
	var zombie Conn
	if prev, ok := r.byUsername[username]; ok && prev.Conn.ID() != conn.ID() {
		zombie = prev.Conn
		delete(r.byConn, zombie.ID())
	}
	// A connection re-registering under a new name drops its old name.
	if prevName, ok := r.byConn[conn.ID()]; ok && prevName != username {
		delete(r.byUsername, prevName)
	}
	r.byUsername[username] = &Session{Username: username, PublicKey: publicKey, Conn: conn}
	r.byConn[conn.ID()] = username
	r.mu.Unlock()

	if zombie != nil {
		r.log.Info("evicting zombie session",
			zap.String("username", username),
			zap.String("old_conn_id", zombie.ID()),
			zap.String("new_conn_id", conn.ID()))
		zombie.Close("session replaced by a newer connection")
	}

	conn.Send("registered", map[string]string{"username": username})
	return zombie != nil
}

// Unbind removes the binding held by connID, if it is still the current one.
func (r *Registry) Unbind(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if s, ok := r.byUsername[username]; ok && s.Conn.ID() == connID {
		delete(r.byUsername, username)
	}
	return username, true
}

// IsOnline reports whether username has a live binding.
func (r *Registry) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUsername[username]
	return ok
}

// PublicKey returns the key username registered with.
func (r *Registry) PublicKey(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUsername[username]
	if !ok {
		return "", false
	}
	return s.PublicKey, true
}

// ConnID returns the id of the connection username is bound to.
func (r *Registry) ConnID(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUsername[username]
	if !ok {
		return "", false
	}
	return s.Conn.ID(), true
}

// UsernameFor returns the username bound to connID.
func (r *Registry) UsernameFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	username, ok := r.byConn[connID]
	return username, ok
}

// Send delivers an event to username's connection. It is a silent no-op when
// the user has no live binding.
func (r *Registry) Send(username, event string, payload any) bool {
	r.mu.RLock()
	s, ok := r.byUsername[username]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Conn.Send(event, payload)
}

// Count returns the number of bound usernames.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUsername)
}
