package user

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned for unknown accounts.
var ErrNotFound = errors.New("account not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateAccount(ctx context.Context, a *Account) error {
	query := `INSERT INTO accounts (id, username, password) VALUES ($1, $2, $3)`
	_, err := r.db.ExecContext(ctx, query, a.ID, a.Username, a.Password)
	return err
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (*Account, error) {
	a := &Account{}
	query := `SELECT id, username, password FROM accounts WHERE username = $1`
	err := r.db.QueryRowContext(ctx, query, username).Scan(&a.ID, &a.Username, &a.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	query := `SELECT id, username, password FROM accounts WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.Username, &a.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Repository) GetByIDs(ctx context.Context, ids []string) ([]*Account, error) {
	out := make([]*Account, 0, len(ids))
	for _, id := range ids {
		a, err := r.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// SearchAccounts matches usernames case-insensitively, capped at 10.
func (r *Repository) SearchAccounts(ctx context.Context, query string) ([]Account, error) {
	q := `SELECT id, username FROM accounts WHERE username ILIKE $1 LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
