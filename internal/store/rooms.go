package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RoomRow is the durable room record.
type RoomRow struct {
	ID        string
	OwnerID   string
	Name      string
	Avatar    string
	IsPrivate bool
	Kind      string // plain | contact | work
	CreatedAt time.Time
}

// WorkgroupRow is one workgroup assignment on a room.
type WorkgroupRow struct {
	FID      string
	ClientID string
}

// RoomRepository covers the room, authorization, workgroup-assignment and
// last-read operations.
type RoomRepository struct {
	db *sql.DB
}

func NewRoomRepository(db *Database) *RoomRepository {
	return &RoomRepository{db: db.Conn}
}

func (r *RoomRepository) CreateRoom(ctx context.Context, room *RoomRow) error {
	query := `INSERT INTO rooms (id, owner_id, name, avatar, is_private, kind)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query,
		room.ID, room.OwnerID, room.Name, room.Avatar, room.IsPrivate, room.Kind)
	return err
}

// GetRoom returns (nil, nil) when the room does not exist.
func (r *RoomRepository) GetRoom(ctx context.Context, roomID string) (*RoomRow, error) {
	row := &RoomRow{}
	query := `SELECT id, owner_id, name, avatar, is_private, kind, created_at
        FROM rooms WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, roomID).Scan(
		&row.ID, &row.OwnerID, &row.Name, &row.Avatar, &row.IsPrivate, &row.Kind, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *RoomRepository) SetRoomName(ctx context.Context, roomID, name string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE rooms SET name = $2 WHERE id = $1`, roomID, name)
	return err
}

func (r *RoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	return err
}

// AuthorizeUsers grants durable room access to a batch of users. The insert
// is idempotent per (room, user).
func (r *RoomRepository) AuthorizeUsers(ctx context.Context, roomID string, userIDs []string) error {
	query := `INSERT INTO room_authorizations (room_id, user_id)
        VALUES ($1, $2) ON CONFLICT DO NOTHING`
	for _, uid := range userIDs {
		if _, err := r.db.ExecContext(ctx, query, roomID, uid); err != nil {
			return err
		}
	}
	return nil
}

func (r *RoomRepository) RevokeAuthorization(ctx context.Context, roomID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM room_authorizations WHERE room_id = $1 AND user_id = $2`,
		roomID, userID)
	return err
}

func (r *RoomRepository) GetAuthorizedUsers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM room_authorizations WHERE room_id = $1 ORDER BY granted_at`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRoomsForUser lists the rooms a user holds durable authorization in.
func (r *RoomRepository) GetRoomsForUser(ctx context.Context, userID string) ([]*RoomRow, error) {
	query := `SELECT r.id, r.owner_id, r.name, r.avatar, r.is_private, r.kind, r.created_at
        FROM rooms r
        JOIN room_authorizations a ON a.room_id = r.id
        WHERE a.user_id = $1
        ORDER BY r.created_at`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RoomRow
	for rows.Next() {
		row := &RoomRow{}
		if err := rows.Scan(&row.ID, &row.OwnerID, &row.Name, &row.Avatar,
			&row.IsPrivate, &row.Kind, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *RoomRepository) AssignWorkgroup(ctx context.Context, roomID, fID, clientID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_workgroups (room_id, f_id, client_id)
         VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		roomID, fID, clientID)
	return err
}

func (r *RoomRepository) DismissWorkgroup(ctx context.Context, roomID, fID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM room_workgroups WHERE room_id = $1 AND f_id = $2`, roomID, fID)
	return err
}

func (r *RoomRepository) GetWorkgroups(ctx context.Context, roomID string) ([]WorkgroupRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT f_id, client_id FROM room_workgroups WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkgroupRow
	for rows.Next() {
		var w WorkgroupRow
		if err := rows.Scan(&w.FID, &w.ClientID); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *RoomRepository) SetLastRead(ctx context.Context, roomID, userID, messageID string) error {
	query := `INSERT INTO room_last_read (room_id, user_id, message_id)
        VALUES ($1, $2, $3)
        ON CONFLICT (room_id, user_id)
        DO UPDATE SET message_id = $3, read_at = CURRENT_TIMESTAMP`
	_, err := r.db.ExecContext(ctx, query, roomID, userID, messageID)
	return err
}

func (r *RoomRepository) GetLastRead(ctx context.Context, roomID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, message_id FROM room_last_read WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var uid, mid string
		if err := rows.Scan(&uid, &mid); err != nil {
			return nil, err
		}
		out[uid] = mid
	}
	return out, rows.Err()
}
