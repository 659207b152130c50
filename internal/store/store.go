package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"roomcast/pkg/types"
)

// Store is the durable collaborator behind the fan-out core: users, rooms,
// memberships and messages in SQLite. Reads run concurrently through the
// pool; all writes funnel through a single writer goroutine, which is how
// SQLite wants to be used under concurrency.
//
// Every Commit* method runs in one transaction that also bumps the room's
// event_seq, so sequence numbers are assigned at commit time, survive
// restarts, and are gapless relative to committed changes.
type Store struct {
	db      *sql.DB
	writeCh chan writeOp
	done    chan struct{}
	wg      sync.WaitGroup

	closed bool
	mu     sync.Mutex
}

type writeOp struct {
	fn     func(db *sql.DB) error
	result chan error
}

// Open opens (creating if needed) the database at path and applies schema
// migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the in-memory database alive and suits the
	// single-writer model; reads share it safely.
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		writeCh: make(chan writeOp, 100),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Close drains the writer and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeCh:
			op.result <- op.fn(s.db)
		case <-s.done:
			// Drain queued writes before shutdown so accepted commits land.
			for {
				select {
				case op := <-s.writeCh:
					op.result <- op.fn(s.db)
				default:
					return
				}
			}
		}
	}
}

// write submits an operation to the writer goroutine and waits for it.
func (s *Store) write(ctx context.Context, fn func(db *sql.DB) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	op := writeOp{fn: fn, result: make(chan error, 1)}
	select {
	case s.writeCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- users ---

// CreateUser registers a new account. The password hash comes from the auth
// layer; the store never sees plaintext.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*types.User, error) {
	user := &types.User{
		ID:        uuid.New().String(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
	err := s.write(ctx, func(db *sql.DB) error {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrUserExists
		}
		_, err := db.Exec(
			`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			user.ID, user.Username, passwordHash, user.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByName returns a user and their password hash for credential
// checks.
func (s *Store) GetUserByName(ctx context.Context, username string) (*types.User, string, error) {
	var user types.User
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.ID, &user.Username, &hash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrUserNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return &user, hash, nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at FROM users WHERE id = ?`, userID,
	).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// --- rooms ---

// CreateRoom creates a room and enrolls the owner as its first member.
func (s *Store) CreateRoom(ctx context.Context, name, ownerID string) (*types.Room, error) {
	room := &types.Room{
		ID:        uuid.New().String(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(
			`INSERT INTO rooms (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
			room.ID, room.Name, room.OwnerID, room.CreatedAt,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO room_members (room_id, user_id, added_at) VALUES (?, ?, ?)`,
			room.ID, room.OwnerID, room.CreatedAt,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// GetRoom returns a room by ID, including soft-deleted ones; callers that
// care check Deleted.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	var room types.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at, deleted FROM rooms WHERE id = ?`, roomID,
	).Scan(&room.ID, &room.Name, &room.OwnerID, &room.CreatedAt, &room.Deleted)
	if err == sql.ErrNoRows {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRoomsForUser returns the live rooms a user is a member of.
func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]*types.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.owner_id, r.created_at, r.deleted
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = ? AND r.deleted = 0
		ORDER BY r.created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*types.Room
	for rows.Next() {
		var room types.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.OwnerID, &room.CreatedAt, &room.Deleted); err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

// SoftDeleteRoom marks a room deleted. Its history stays queryable.
func (s *Store) SoftDeleteRoom(ctx context.Context, roomID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE rooms SET deleted = 1 WHERE id = ? AND deleted = 0`, roomID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrRoomNotFound
		}
		return nil
	})
}

// RoomExists reports whether a room exists and is not soft-deleted.
func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE id = ? AND deleted = 0`, roomID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsMember reports whether a user is a committed member of a live room.
// The owner is always a member.
func (s *Store) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		WHERE m.room_id = ? AND m.user_id = ? AND r.deleted = 0`, roomID, userID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRoomSnapshot returns the full consistent room view: members, live
// messages in sequence order, and the room's committed sequence number.
func (s *Store) GetRoomSnapshot(ctx context.Context, roomID string) (*types.RoomSnapshot, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Deleted {
		return nil, ErrRoomNotFound
	}

	var seq uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT event_seq FROM rooms WHERE id = ?`, roomID,
	).Scan(&seq); err != nil {
		return nil, err
	}

	memberRows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, u.username, m.added_at
		FROM room_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = ?
		ORDER BY m.added_at`, roomID)
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()

	var members []*types.Member
	for memberRows.Next() {
		var m types.Member
		if err := memberRows.Scan(&m.UserID, &m.Username, &m.AddedAt); err != nil {
			return nil, err
		}
		m.Owner = m.UserID == room.OwnerID
		members = append(members, &m)
	}
	if err := memberRows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, author_id, content, seq, created_at
		FROM messages
		WHERE room_id = ? AND deleted = 0
		ORDER BY seq`, roomID)
	if err != nil {
		return nil, err
	}
	defer msgRows.Close()

	var messages []*types.Message
	for msgRows.Next() {
		var m types.Message
		if err := msgRows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	return &types.RoomSnapshot{Room: room, Members: members, Messages: messages, Seq: seq}, nil
}

// GetMessage returns a live (not soft-deleted) message.
func (s *Store) GetMessage(ctx context.Context, roomID, messageID string) (*types.Message, error) {
	var m types.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, author_id, content, seq, created_at
		FROM messages
		WHERE id = ? AND room_id = ? AND deleted = 0`, messageID, roomID,
	).Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Content, &m.Seq, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// --- committed writes (each bumps the room's event sequence) ---

// nextSeq increments and returns the room's event sequence inside tx,
// failing if the room is missing or soft-deleted.
func nextSeq(tx *sql.Tx, roomID string) (uint64, error) {
	res, err := tx.Exec(`UPDATE rooms SET event_seq = event_seq + 1 WHERE id = ? AND deleted = 0`, roomID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrRoomNotFound
	}
	var seq uint64
	if err := tx.QueryRow(`SELECT event_seq FROM rooms WHERE id = ?`, roomID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// CommitMessage durably stores a message and returns it with its
// commit-time sequence number.
func (s *Store) CommitMessage(ctx context.Context, roomID, authorID, content string) (*types.Message, error) {
	msg := &types.Message{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		seq, err := nextSeq(tx, roomID)
		if err != nil {
			return err
		}
		msg.Seq = seq

		if _, err := tx.Exec(
			`INSERT INTO messages (id, room_id, author_id, content, seq, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.RoomID, msg.AuthorID, msg.Content, msg.Seq, msg.CreatedAt,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// CommitSoftDeleteMessage marks a message deleted and returns the
// commit-time sequence of the deletion.
func (s *Store) CommitSoftDeleteMessage(ctx context.Context, roomID, messageID string) (uint64, error) {
	var seq uint64
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(
			`UPDATE messages SET deleted = 1 WHERE id = ? AND room_id = ? AND deleted = 0`,
			messageID, roomID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrMessageNotFound
		}

		if seq, err = nextSeq(tx, roomID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// CommitAddMember durably adds a user to a room and returns the member
// record plus the commit-time sequence.
func (s *Store) CommitAddMember(ctx context.Context, roomID, userID string) (*types.Member, uint64, error) {
	member := &types.Member{UserID: userID, AddedAt: time.Now().UTC()}
	var seq uint64
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := tx.QueryRow(`SELECT username FROM users WHERE id = ?`, userID).Scan(&member.Username); err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return err
		}
		var n int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID,
		).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyMember
		}

		if seq, err = nextSeq(tx, roomID); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO room_members (room_id, user_id, added_at) VALUES (?, ?, ?)`,
			roomID, userID, member.AddedAt,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, 0, err
	}
	return member, seq, nil
}

// CommitRemoveMember durably removes a user from a room. The owner cannot
// be removed.
func (s *Store) CommitRemoveMember(ctx context.Context, roomID, userID string) (uint64, error) {
	var seq uint64
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var ownerID string
		if err := tx.QueryRow(`SELECT owner_id FROM rooms WHERE id = ? AND deleted = 0`, roomID).Scan(&ownerID); err != nil {
			if err == sql.ErrNoRows {
				return ErrRoomNotFound
			}
			return err
		}
		if ownerID == userID {
			return ErrCannotRemoveOwner
		}

		res, err := tx.Exec(`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotAMember
		}

		if seq, err = nextSeq(tx, roomID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	log.Debug().Str("room", roomID).Str("user", userID).Msg("membership removed")
	return seq, nil
}
