package store

import (
	"context"
	"database/sql"
	"errors"
)

// RelationRow binds two users to their direct-chat (contact) room.
type RelationRow struct {
	ID     string
	RoomID string
	UserA  string
	UserB  string
}

type RelationRepository struct {
	db *sql.DB
}

func NewRelationRepository(db *Database) *RelationRepository {
	return &RelationRepository{db: db.Conn}
}

func (r *RelationRepository) CreateRelation(ctx context.Context, rel *RelationRow) error {
	query := `INSERT INTO relations (id, room_id, user_a, user_b)
        VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, rel.ID, rel.RoomID, rel.UserA, rel.UserB)
	return err
}

// GetRelation returns (nil, nil) when the pair has no relation, trying both
// orderings of the pair.
func (r *RelationRepository) GetRelation(ctx context.Context, userA, userB string) (*RelationRow, error) {
	rel := &RelationRow{}
	query := `SELECT id, room_id, user_a, user_b FROM relations
        WHERE (user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1)`
	err := r.db.QueryRowContext(ctx, query, userA, userB).Scan(
		&rel.ID, &rel.RoomID, &rel.UserA, &rel.UserB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// GetRelationByRoom resolves the relation behind a contact room, (nil, nil)
// when the room is not a contact room.
func (r *RelationRepository) GetRelationByRoom(ctx context.Context, roomID string) (*RelationRow, error) {
	rel := &RelationRow{}
	query := `SELECT id, room_id, user_a, user_b FROM relations WHERE room_id = $1`
	err := r.db.QueryRowContext(ctx, query, roomID).Scan(
		&rel.ID, &rel.RoomID, &rel.UserA, &rel.UserB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// GetRelationsFor lists every relation a user participates in.
func (r *RelationRepository) GetRelationsFor(ctx context.Context, userID string) ([]*RelationRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, room_id, user_a, user_b FROM relations
         WHERE user_a = $1 OR user_b = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RelationRow
	for rows.Next() {
		rel := &RelationRow{}
		if err := rows.Scan(&rel.ID, &rel.RoomID, &rel.UserA, &rel.UserB); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *RelationRepository) DeleteRelation(ctx context.Context, relationID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM relations WHERE id = $1`, relationID)
	return err
}
