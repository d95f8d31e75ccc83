package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Database wraps the shared connection pool. Every repository opens against
// this one pool; there is no per-room connection.
type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate applies the schema. Each statement is idempotent and applied
// in order; crash consistency is per statement.
func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id VARCHAR(64) PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS rooms (
            id VARCHAR(64) PRIMARY KEY,
            owner_id VARCHAR(64) NOT NULL,
            name VARCHAR(255) NOT NULL DEFAULT '',
            avatar TEXT NOT NULL DEFAULT '',
            is_private BOOLEAN NOT NULL DEFAULT FALSE,
            kind VARCHAR(10) NOT NULL DEFAULT 'plain'
                CHECK (kind IN ('plain', 'contact', 'work')),
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS room_authorizations (
            room_id VARCHAR(64) REFERENCES rooms(id) ON DELETE CASCADE,
            user_id VARCHAR(64) NOT NULL,
            granted_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (room_id, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS room_workgroups (
            room_id VARCHAR(64) REFERENCES rooms(id) ON DELETE CASCADE,
            f_id VARCHAR(64) NOT NULL,
            client_id VARCHAR(64) NOT NULL,
            PRIMARY KEY (room_id, f_id)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id VARCHAR(32) PRIMARY KEY,
            room_id VARCHAR(64) REFERENCES rooms(id) ON DELETE CASCADE,
            from_id VARCHAR(64) NOT NULL,
            type VARCHAR(16) NOT NULL DEFAULT 'msg',
            message TEXT NOT NULL,
            targets JSONB,
            created_at TIMESTAMPTZ NOT NULL,
            edited_by VARCHAR(64),
            edit_reason TEXT,
            edited_at TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_messages_room_time
            ON messages (room_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS room_last_read (
            room_id VARCHAR(64) REFERENCES rooms(id) ON DELETE CASCADE,
            user_id VARCHAR(64) NOT NULL,
            message_id VARCHAR(32) NOT NULL,
            read_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (room_id, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS invites (
            token VARCHAR(64) PRIMARY KEY,
            room_id VARCHAR(64) REFERENCES rooms(id) ON DELETE CASCADE,
            created_by VARCHAR(64) NOT NULL,
            single_use BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS relations (
            id VARCHAR(64) PRIMARY KEY,
            room_id VARCHAR(64) REFERENCES rooms(id) ON DELETE CASCADE,
            user_a VARCHAR(64) NOT NULL,
            user_b VARCHAR(64) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            UNIQUE (user_a, user_b)
        )`,
	}

	for _, query := range queries {
		if _, err := d.Conn.Exec(query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
