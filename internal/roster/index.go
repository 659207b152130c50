package roster

import (
	"sync"
	"time"
)

// Index tracks which live connections are subscribed to which rooms. It is
// two mirrored mappings updated together under a single mutex, so a
// connection listed under a room always lists that room back, and vice
// versa.
//
// The index holds no business logic: durable membership is validated by the
// session layer before Join is called. Liveness is checked through the
// injected callback so a destroyed connection can never gain subscriptions.
type Index struct {
	mu    sync.RWMutex
	rooms map[string]map[string]time.Time // roomID -> connID -> subscribed at
	conns map[string]map[string]struct{}  // connID -> roomID set

	// live reports whether a connection is currently registered.
	live func(connID string) bool
}

// NewIndex creates an empty membership index. The live callback is usually
// the connection registry's IsLive.
func NewIndex(live func(connID string) bool) *Index {
	return &Index{
		rooms: make(map[string]map[string]time.Time),
		conns: make(map[string]map[string]struct{}),
		live:  live,
	}
}

// Join subscribes a live connection to a room. Joining an already-joined
// room refreshes nothing and is not an error.
func (x *Index) Join(connID, roomID string) error {
	if x.live != nil && !x.live(connID) {
		return ErrConnectionUnknown
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.rooms[roomID] == nil {
		x.rooms[roomID] = make(map[string]time.Time)
	}
	if _, ok := x.rooms[roomID][connID]; !ok {
		x.rooms[roomID][connID] = time.Now()
	}
	if x.conns[connID] == nil {
		x.conns[connID] = make(map[string]struct{})
	}
	x.conns[connID][roomID] = struct{}{}
	return nil
}

// Leave removes a single subscription. Idempotent: unknown pairs are a
// no-op, never an error.
func (x *Index) Leave(connID, roomID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.remove(connID, roomID)
}

// SubscribersOf returns the connections subscribed to a room, as a snapshot
// taken at call time. Callers may iterate without holding any index lock.
func (x *Index) SubscribersOf(roomID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	subs := x.rooms[roomID]
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// RoomsOf returns the rooms a connection is subscribed to.
func (x *Index) RoomsOf(connID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rooms := x.conns[connID]
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}

// EvictUser forcibly unsubscribes every connection owned by a user from a
// room. Called when a membership removal commits; the evicted connections
// are returned so the caller can notify them directly.
func (x *Index) EvictUser(roomID string, connIDs []string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	evicted := make([]string, 0, len(connIDs))
	for _, connID := range connIDs {
		if _, ok := x.rooms[roomID][connID]; ok {
			x.remove(connID, roomID)
			evicted = append(evicted, connID)
		}
	}
	return evicted
}

// CleanupConnection removes every subscription held by a destroyed
// connection. Idempotent; called from registry teardown.
func (x *Index) CleanupConnection(connID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for roomID := range x.conns[connID] {
		x.remove(connID, roomID)
	}
	delete(x.conns, connID)
}

// Stats reports index size for monitoring.
func (x *Index) Stats() map[string]int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	total := 0
	for _, subs := range x.rooms {
		total += len(subs)
	}
	return map[string]int{
		"active_rooms":  len(x.rooms),
		"subscriptions": total,
	}
}

// remove deletes one (conn, room) pair from both mappings and prunes empty
// map entries. Caller must hold x.mu.
func (x *Index) remove(connID, roomID string) {
	if subs, ok := x.rooms[roomID]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(x.rooms, roomID)
		}
	}
	if rooms, ok := x.conns[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(x.conns, connID)
		}
	}
}
