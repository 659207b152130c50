package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"roomcast/pkg/types"
)

// TokenVerifier validates the opaque bearer token presented at connect time
// and yields the user identity the core trusts.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// Session is a connection's room protocol handle, created once the
// connection authenticates. Join and Leave report structural failures as
// values; Close is idempotent.
type Session interface {
	Join(ctx context.Context, roomID string) error
	Leave(roomID string)
	Close()
}

// SessionOpener registers an authenticated connection and opens its
// session. Implemented by the session manager.
type SessionOpener interface {
	Open(conn Conn) (Session, error)
}

// Options tunes the transport behavior of accepted connections.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	ReadLimit    int64
}

// Handler accepts websocket upgrades, authenticates them and runs each
// connection's read loop: connect -> authenticate -> join/leave -> close.
type Handler struct {
	verifier TokenVerifier
	opener   SessionOpener
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler.
func NewHandler(verifier TokenVerifier, opener SessionOpener, opts Options) *Handler {
	return &Handler{
		verifier: verifier,
		opener:   opener,
		opts:     opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws?token=... Auth failure is rejected before the
// upgrade so an unauthenticated client never holds a connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(wsConn, userID, h.opts.SendBuffer, h.opts.WriteTimeout)

	sess, err := h.opener.Open(conn)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("session open failed")
		conn.Close()
		return
	}

	go h.pingLoop(conn)
	go h.readLoop(conn, sess)
}

// pingLoop drives heartbeat monitoring. A connection that stops answering
// pings hits the read deadline in readLoop and is torn down there.
func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// readLoop processes client commands until the transport dies. Cleanup runs
// exactly once regardless of how the loop exits.
func (h *Handler) readLoop(conn *Connection, sess Session) {
	defer func() {
		sess.Close()
		conn.Close()
	}()

	if h.opts.ReadLimit > 0 {
		conn.conn.SetReadLimit(h.opts.ReadLimit)
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", conn.ID()).Msg("read failed")
			}
			return
		}

		var frame types.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(conn, "", "malformed frame")
			continue
		}

		switch frame.Action {
		case types.ActionJoin:
			// Join failures are normal replies, not fatal to the connection.
			if err := sess.Join(context.Background(), frame.RoomID); err != nil {
				h.sendError(conn, frame.RoomID, err.Error())
				continue
			}
			conn.Send(&types.Frame{Type: types.FrameJoined, RoomID: frame.RoomID})
		case types.ActionLeave:
			sess.Leave(frame.RoomID)
			conn.Send(&types.Frame{Type: types.FrameLeft, RoomID: frame.RoomID})
		default:
			h.sendError(conn, frame.RoomID, "unknown action")
		}
	}
}

func (h *Handler) sendError(conn Conn, roomID, msg string) {
	if err := conn.Send(&types.Frame{Type: types.FrameError, RoomID: roomID, Error: msg}); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID()).Msg("error frame not delivered")
	}
}
