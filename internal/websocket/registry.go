package websocket

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks live connections and which user each belongs to. Both
// tables mutate together under one mutex; a connection's user binding never
// changes after registration.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn            // connID -> connection
	users map[string]map[string]Conn // userID -> connID -> connection

	// onUnregister runs after a connection is removed, outside the lock.
	// Wired to the membership index so teardown always clears subscriptions.
	onUnregister func(connID string)
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Conn),
		users: make(map[string]map[string]Conn),
	}
}

// OnUnregister installs the teardown hook. Must be called during wiring,
// before connections are accepted.
func (r *Registry) OnUnregister(fn func(connID string)) {
	r.onUnregister = fn
}

// Register binds a newly established connection to its user. Reusing a
// still-live connection ID fails with ErrDuplicateConnection; the caller
// retries with a fresh ID.
func (r *Registry) Register(conn Conn) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID()]; exists {
		return ErrDuplicateConnection
	}

	r.conns[conn.ID()] = conn
	if r.users[conn.UserID()] == nil {
		r.users[conn.UserID()] = make(map[string]Conn)
	}
	r.users[conn.UserID()][conn.ID()] = conn

	log.Debug().Str("conn", conn.ID()).Str("user", conn.UserID()).Msg("connection registered")
	return nil
}

// Unregister removes a connection and triggers subscription cleanup.
// Idempotent: unknown IDs are a no-op, so racing disconnect signals are
// harmless.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, exists := r.conns[connID]
	if exists {
		delete(r.conns, connID)
		userConns := r.users[conn.UserID()]
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.users, conn.UserID())
		}
	}
	r.mu.Unlock()

	if !exists {
		return
	}
	if r.onUnregister != nil {
		r.onUnregister(connID)
	}
	log.Debug().Str("conn", connID).Str("user", conn.UserID()).Msg("connection unregistered")
}

// IsLive reports whether a connection is currently registered.
func (r *Registry) IsLive(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connID]
	return ok
}

// Get returns a live connection by ID.
func (r *Registry) Get(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnectionsForUser returns every live connection owned by a user, for
// direct user-targeted notifications. A user with multiple tabs or devices
// owns multiple connections.
func (r *Registry) ConnectionsForUser(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.users[userID]))
	for _, conn := range r.users[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// Stats reports registry size for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"connections": len(r.conns),
		"users":       len(r.users),
	}
}
