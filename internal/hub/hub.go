package hub

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"roomcast/internal/roster"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

// Hub is the event bus: it accepts committed domain events and delivers
// them to exactly the connections subscribed to the target room, or to all
// of a user's connections for direct notifications.
//
// A single dispatch goroutine drains one buffered channel, so events keep
// the order they were published in; publishers enqueue under the room's
// ordering token, which makes delivery FIFO per room. Subscribers are
// looked up at dispatch time, so a connection that left a room never
// receives events published after its leave completed.
type Hub struct {
	events   chan envelope
	shutdown chan struct{}

	registry *websocket.Registry
	index    *roster.Index

	running bool
	mu      sync.RWMutex
}

// envelope scopes one event to a room's subscribers or a user's
// connections. Exactly one of roomID/userID is set.
type envelope struct {
	roomID string
	userID string
	event  *types.Event
}

// NewHub creates an event bus over the given registry and membership index.
func NewHub(registry *websocket.Registry, index *roster.Index) *Hub {
	return &Hub{
		events:   make(chan envelope, 1024),
		shutdown: make(chan struct{}),
		registry: registry,
		index:    index,
	}
}

// Start begins dispatch processing.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	go h.run(ctx)
	return nil
}

// Stop shuts the dispatch loop down. Queued events are dropped; clients
// reconcile on their next join.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	return nil
}

// PublishRoomEvent queues an event for every current subscriber of a room.
// Once accepted, delivery failures are per-target and never surface here.
func (h *Hub) PublishRoomEvent(roomID string, event *types.Event) error {
	return h.publish(envelope{roomID: roomID, event: event})
}

// PublishUserEvent queues an event for every live connection of one user,
// bypassing room subscriptions. Used for membership-change notifications to
// the affected user, who may not be subscribed to the room in question.
func (h *Hub) PublishUserEvent(userID string, event *types.Event) error {
	return h.publish(envelope{userID: userID, event: event})
}

func (h *Hub) publish(env envelope) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.events <- env:
		return nil
	default:
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer log.Debug().Msg("hub dispatch stopped")

	for {
		select {
		case env := <-h.events:
			h.dispatch(env)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch fans one event out to its targets. Each target's send is
// independent: a dead or backed-up connection is logged and skipped, and
// never blocks delivery to the others.
func (h *Hub) dispatch(env envelope) {
	var targets []websocket.Conn

	if env.userID != "" {
		targets = h.registry.ConnectionsForUser(env.userID)
	} else {
		for _, connID := range h.index.SubscribersOf(env.roomID) {
			if conn, ok := h.registry.Get(connID); ok {
				targets = append(targets, conn)
			}
		}
	}

	frame := &types.Frame{Type: types.FrameEvent, RoomID: env.event.RoomID, Event: env.event}
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			log.Debug().
				Err(err).
				Str("conn", conn.ID()).
				Str("room", env.event.RoomID).
				Str("kind", string(env.event.Kind)).
				Msg("event delivery failed")
		}
	}
}
