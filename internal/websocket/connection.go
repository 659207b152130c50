package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"roomcast/pkg/types"
)

// Conn is one live transport-level session bound to an authenticated user.
// The registry, dispatcher and session layer only see this interface, so
// tests can substitute in-memory fakes for the gorilla transport.
type Conn interface {
	ID() string
	UserID() string
	CreatedAt() time.Time
	Send(frame *types.Frame) error
	Close() error
}

// Connection wraps a gorilla websocket connection. All writes go through a
// buffered queue drained by a single writer goroutine; the transport write
// is the only place delivery may block, and no shared lock is held there.
type Connection struct {
	id        string
	userID    string
	createdAt time.Time

	conn      *websocket.Conn
	sendCh    chan *types.Frame
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	writeTimeout time.Duration
}

// NewConnection wraps an upgraded websocket bound to a user. The connection
// ID is server-generated, so reuse of a live ID is a programming error the
// registry still guards against.
func NewConnection(conn *websocket.Conn, userID string, sendBuffer int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		userID:       userID,
		createdAt:    time.Now(),
		conn:         conn,
		sendCh:       make(chan *types.Frame, sendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) UserID() string       { return c.userID }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Send queues a frame for delivery. A dead connection or a full queue is
// reported to the caller; the dispatcher treats both as a per-target
// delivery failure and moves on.
func (c *Connection) Send(frame *types.Frame) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close tears the transport down exactly once. Safe to call from racing
// disconnect paths.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// writeLoop is the dedicated writer. Frames queued before a close are
// dropped once the context is cancelled; the client reconciles by
// re-joining and fetching a fresh snapshot.
func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			data, err := json.Marshal(frame)
			if err != nil {
				log.Error().Err(err).Str("conn", c.id).Msg("frame marshal failed")
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("transport write failed")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Ping sends a control ping used by heartbeat monitoring.
func (c *Connection) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }
