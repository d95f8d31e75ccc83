package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InviteRow is a durable invite token for a room. Single-use tokens are
// deleted on redemption; the public token survives until revoked.
type InviteRow struct {
	Token     string
	RoomID    string
	CreatedBy string
	SingleUse bool
	CreatedAt time.Time
}

type InviteRepository struct {
	db *sql.DB
}

func NewInviteRepository(db *Database) *InviteRepository {
	return &InviteRepository{db: db.Conn}
}

func (r *InviteRepository) SaveInvite(ctx context.Context, inv *InviteRow) error {
	query := `INSERT INTO invites (token, room_id, created_by, single_use)
        VALUES ($1, $2, $3, $4) ON CONFLICT (token) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, inv.Token, inv.RoomID, inv.CreatedBy, inv.SingleUse)
	return err
}

// GetInvite returns (nil, nil) for an unknown token.
func (r *InviteRepository) GetInvite(ctx context.Context, token string) (*InviteRow, error) {
	inv := &InviteRow{}
	query := `SELECT token, room_id, created_by, single_use, created_at
        FROM invites WHERE token = $1`
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&inv.Token, &inv.RoomID, &inv.CreatedBy, &inv.SingleUse, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *InviteRepository) GetRoomInvites(ctx context.Context, roomID string) ([]*InviteRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT token, room_id, created_by, single_use, created_at
         FROM invites WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InviteRow
	for rows.Next() {
		inv := &InviteRow{}
		if err := rows.Scan(&inv.Token, &inv.RoomID, &inv.CreatedBy,
			&inv.SingleUse, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *InviteRepository) DeleteInvite(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM invites WHERE token = $1`, token)
	return err
}
