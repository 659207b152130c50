// Package session implements the room protocol a connection moves through:
// connect -> authenticate -> join/leave rooms -> close, with cleanup
// guaranteed to run exactly once however the connection dies.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"roomcast/internal/roster"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

// RoomStore is the slice of the durable store the session protocol reads:
// join-time validation and the consistent snapshot.
type RoomStore interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
	GetRoomSnapshot(ctx context.Context, roomID string) (*types.RoomSnapshot, error)
}

// RoomLocker hands out per-room ordering tokens. Implemented by the
// coordinator; holding the token across snapshot + subscribe keeps a
// concurrent commit from slipping between them.
type RoomLocker interface {
	LockRoom(roomID string) func()
}

// Manager opens sessions for authenticated connections.
type Manager struct {
	registry *websocket.Registry
	index    *roster.Index
	store    RoomStore
	locker   RoomLocker
}

// NewManager creates a session manager.
func NewManager(registry *websocket.Registry, index *roster.Index, store RoomStore, locker RoomLocker) *Manager {
	return &Manager{registry: registry, index: index, store: store, locker: locker}
}

// Open registers the connection and returns its session, now in the
// authenticated state with zero subscriptions.
func (m *Manager) Open(conn websocket.Conn) (websocket.Session, error) {
	if err := m.registry.Register(conn); err != nil {
		return nil, fmt.Errorf("failed to register connection: %w", err)
	}
	log.Info().Str("conn", conn.ID()).Str("user", conn.UserID()).Msg("session opened")
	return &Session{m: m, conn: conn}, nil
}

// Session is one connection's protocol state. Join and Leave for the same
// pair serialize on the session mutex; Close is terminal and idempotent.
type Session struct {
	m    *Manager
	conn websocket.Conn

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Join validates durable membership, sends the room snapshot, then
// registers the subscription - in that order, under the room's ordering
// token, so any event committed after the subscription exists is delivered
// and everything up to the snapshot is in the snapshot. Failures leave the
// session state untouched.
func (s *Session) Join(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	unlock := s.m.locker.LockRoom(roomID)
	defer unlock()

	exists, err := s.m.store.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room lookup failed: %w", err)
	}
	if !exists {
		return ErrRoomNotFound
	}

	member, err := s.m.store.IsMember(ctx, s.conn.UserID(), roomID)
	if err != nil {
		return fmt.Errorf("membership lookup failed: %w", err)
	}
	if !member {
		return ErrNotAMember
	}

	snapshot, err := s.m.store.GetRoomSnapshot(ctx, roomID)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	if err := s.conn.Send(&types.Frame{Type: types.FrameSnapshot, RoomID: roomID, Snapshot: snapshot}); err != nil {
		return fmt.Errorf("snapshot delivery failed: %w", err)
	}

	if err := s.m.index.Join(s.conn.ID(), roomID); err != nil {
		return err
	}

	log.Info().Str("conn", s.conn.ID()).Str("user", s.conn.UserID()).Str("room", roomID).Msg("joined room")
	return nil
}

// Leave drops one subscription. Idempotent; leaving a never-joined room is
// a no-op.
func (s *Session) Leave(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.m.index.Leave(s.conn.ID(), roomID)
	log.Debug().Str("conn", s.conn.ID()).Str("room", roomID).Msg("left room")
}

// Close moves the session to its terminal state. Unregistering the
// connection triggers subscription cleanup through the registry hook;
// racing disconnect signals collapse into one teardown.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.m.registry.Unregister(s.conn.ID())
		log.Info().Str("conn", s.conn.ID()).Str("user", s.conn.UserID()).Msg("session closed")
	})
}
