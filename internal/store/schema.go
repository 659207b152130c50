package store

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order inside one transaction each; applied
// versions are tracked in schema_migrations so restarts are no-ops.
var migrations = []struct {
	version int
	sql     string
}{
	{1, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rooms (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			owner_id   TEXT NOT NULL REFERENCES users(id),
			event_seq  INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS room_members (
			room_id  TEXT NOT NULL REFERENCES rooms(id),
			user_id  TEXT NOT NULL REFERENCES users(id),
			added_at DATETIME NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL REFERENCES rooms(id),
			author_id  TEXT NOT NULL REFERENCES users(id),
			content    TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);
		CREATE INDEX IF NOT EXISTS idx_members_user ON room_members(user_id);
	`},
}

func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&applied)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.version, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
