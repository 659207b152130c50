// Package coordinator bridges durable writes to event publication. Every
// event-producing mutation flows through here so that no event is ever
// published before its write is committed: a failed commit returns an error
// and no event is constructed (fail closed).
package coordinator

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"roomcast/internal/hub"
	"roomcast/internal/roster"
	"roomcast/internal/store"
	"roomcast/internal/websocket"
	"roomcast/pkg/types"
)

// Coordinator serializes commits against join-time snapshots per room. Each
// room has an ordering token (a plain mutex); holding it across commit +
// publish, and across snapshot + subscribe, closes the race where an event
// lands between a joiner's snapshot read and its subscription. Different
// rooms never contend.
type Coordinator struct {
	store    *store.Store
	bus      *hub.Hub
	index    *roster.Index
	registry *websocket.Registry

	mu     sync.Mutex
	tokens map[string]*sync.Mutex
}

// New creates a coordinator over the durable store and the dispatch plane.
func New(st *store.Store, bus *hub.Hub, index *roster.Index, registry *websocket.Registry) *Coordinator {
	return &Coordinator{
		store:    st,
		bus:      bus,
		index:    index,
		registry: registry,
		tokens:   make(map[string]*sync.Mutex),
	}
}

// LockRoom acquires the room's ordering token and returns its release
// function. The session layer holds it across snapshot + subscribe; the
// coordinator holds it across commit + publish.
func (c *Coordinator) LockRoom(roomID string) func() {
	c.mu.Lock()
	tok, ok := c.tokens[roomID]
	if !ok {
		tok = &sync.Mutex{}
		c.tokens[roomID] = tok
	}
	c.mu.Unlock()

	tok.Lock()
	return tok.Unlock
}

// PostMessage commits a message and publishes MessagePosted to the room's
// subscribers.
func (c *Coordinator) PostMessage(ctx context.Context, roomID, authorID, content string) (*types.Message, error) {
	unlock := c.LockRoom(roomID)
	defer unlock()

	msg, err := c.store.CommitMessage(ctx, roomID, authorID, content)
	if err != nil {
		return nil, err
	}

	c.publishRoom(roomID, types.NewMessagePosted(msg))
	return msg, nil
}

// DeleteMessage commits a soft delete and publishes MessageDeleted.
func (c *Coordinator) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	unlock := c.LockRoom(roomID)
	defer unlock()

	seq, err := c.store.CommitSoftDeleteMessage(ctx, roomID, messageID)
	if err != nil {
		return err
	}

	c.publishRoom(roomID, types.NewMessageDeleted(roomID, messageID, seq))
	return nil
}

// AddMember commits a membership addition, publishes MemberAdded to the
// room, and notifies the added user's own connections directly so they
// learn about the room even with no subscription to it.
func (c *Coordinator) AddMember(ctx context.Context, roomID, userID string) (*types.Member, error) {
	unlock := c.LockRoom(roomID)
	defer unlock()

	member, seq, err := c.store.CommitAddMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}

	event := types.NewMemberAdded(roomID, member, seq)
	c.publishRoom(roomID, event)
	c.publishUser(userID, event)
	return member, nil
}

// RemoveMember commits a membership removal, evicts the removed user's live
// subscriptions to the room, publishes MemberRemoved to the remaining
// subscribers, and notifies the removed user's connections directly.
func (c *Coordinator) RemoveMember(ctx context.Context, roomID, userID string) error {
	unlock := c.LockRoom(roomID)
	defer unlock()

	seq, err := c.store.CommitRemoveMember(ctx, roomID, userID)
	if err != nil {
		return err
	}

	// Evict before publishing: the evicted connections get the direct
	// notification, not the room fan-out, and nothing after it.
	connIDs := lo.Map(c.registry.ConnectionsForUser(userID), func(conn websocket.Conn, _ int) string {
		return conn.ID()
	})
	evicted := c.index.EvictUser(roomID, connIDs)
	if len(evicted) > 0 {
		log.Info().Str("room", roomID).Str("user", userID).Int("connections", len(evicted)).Msg("evicted from room")
	}

	event := types.NewMemberRemoved(roomID, userID, seq)
	c.publishRoom(roomID, event)
	c.publishUser(userID, event)
	return nil
}

// publishRoom hands a committed event to the dispatcher. Once the commit
// succeeded the mutation is done; a publish failure is logged and swallowed,
// never surfaced to the writer.
func (c *Coordinator) publishRoom(roomID string, event *types.Event) {
	if err := c.bus.PublishRoomEvent(roomID, event); err != nil {
		log.Warn().Err(err).Str("room", roomID).Str("kind", string(event.Kind)).Msg("room event not published")
	}
}

func (c *Coordinator) publishUser(userID string, event *types.Event) {
	if err := c.bus.PublishUserEvent(userID, event); err != nil {
		log.Warn().Err(err).Str("user", userID).Str("kind", string(event.Kind)).Msg("user event not published")
	}
}
