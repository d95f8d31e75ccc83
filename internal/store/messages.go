package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// MessageRow is the durable chat message record. Targets is non-nil only
// for workgroup-targeted messages.
type MessageRow struct {
	ID         string
	RoomID     string
	FromID     string
	Type       string // msg | work-msg
	Message    string
	Targets    json.RawMessage
	CreatedAt  time.Time
	EditedBy   string
	EditReason string
	EditedAt   time.Time
}

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *Database) *MessageRepository {
	return &MessageRepository{db: db.Conn}
}

func (r *MessageRepository) SaveMessage(ctx context.Context, m *MessageRow) error {
	query := `INSERT INTO messages (id, room_id, from_id, type, message, targets, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	var targets any
	if len(m.Targets) > 0 {
		targets = []byte(m.Targets)
	}
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.RoomID, m.FromID, m.Type, m.Message, targets, m.CreatedAt)
	return err
}

// UpdateMessage rewrites the text of an existing message, recording who
// edited it and why. reason is empty for a grace-window self edit.
func (r *MessageRepository) UpdateMessage(ctx context.Context, msgID, message, editedBy, reason string) error {
	query := `UPDATE messages
        SET message = $2, edited_by = $3, edit_reason = $4, edited_at = CURRENT_TIMESTAMP
        WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, msgID, message, editedBy, reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// GetMessage returns (nil, nil) when the message does not exist.
func (r *MessageRepository) GetMessage(ctx context.Context, msgID string) (*MessageRow, error) {
	query := `SELECT id, room_id, from_id, type, message, COALESCE(targets, 'null'),
            created_at, COALESCE(edited_by, ''), COALESCE(edit_reason, '')
        FROM messages WHERE id = $1`
	m := &MessageRow{}
	err := r.db.QueryRowContext(ctx, query, msgID).Scan(
		&m.ID, &m.RoomID, &m.FromID, &m.Type, &m.Message, &m.Targets,
		&m.CreatedAt, &m.EditedBy, &m.EditReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetRecent returns the newest messages for a room, oldest first.
func (r *MessageRepository) GetRecent(ctx context.Context, roomID string, limit int) ([]*MessageRow, error) {
	query := `SELECT id, room_id, from_id, type, message, COALESCE(targets, 'null'),
            created_at, COALESCE(edited_by, ''), COALESCE(edit_reason, '')
        FROM messages WHERE room_id = $1
        ORDER BY created_at DESC LIMIT $2`
	return r.query(ctx, query, roomID, limit)
}

// GetBefore pages history: messages strictly older than beforeID, newest
// window first, returned oldest first. Message ids are ULIDs, so id order
// is time order.
func (r *MessageRepository) GetBefore(ctx context.Context, roomID, beforeID string, limit int) ([]*MessageRow, error) {
	query := `SELECT id, room_id, from_id, type, message, COALESCE(targets, 'null'),
            created_at, COALESCE(edited_by, ''), COALESCE(edit_reason, '')
        FROM messages WHERE room_id = $1 AND id < $2
        ORDER BY id DESC LIMIT $3`
	return r.query(ctx, query, roomID, beforeID, limit)
}

func (r *MessageRepository) query(ctx context.Context, query string, args ...any) ([]*MessageRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessageRow
	for rows.Next() {
		m := &MessageRow{}
		if err := rows.Scan(&m.ID, &m.RoomID, &m.FromID, &m.Type, &m.Message,
			&m.Targets, &m.CreatedAt, &m.EditedBy, &m.EditReason); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the DB; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
