package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dissden/api/internal/rbac"
)

// Authorizer is consulted inside a mutating transaction once the target's
// ownership chain has been loaded and locked. A non-nil error aborts the
// transaction before anything is written.
type Authorizer func(rbac.Ownership) error

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// inTx runs fn in a transaction bound to ctx; cancelling ctx rolls it back.
func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.inTxWith(ctx, nil, fn)
}

func (s *PostgresStore) inTxWith(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name)
		VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, avatar_url, bio, created_at
	`, name).Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.Bio, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_url, bio, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.AvatarURL, &user.Bio, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

const denColumns = `
	d.id, d.title, d.description, d.image_url, d.creator_id, u.display_name, d.created_at,
	(SELECT COUNT(*) FROM posts p WHERE p.den_id = d.id)
	FROM dens d
	JOIN users u ON u.id = d.creator_id`

func scanDen(row rowScanner) (Den, error) {
	var den Den
	err := row.Scan(&den.ID, &den.Title, &den.Description, &den.ImageURL, &den.CreatorID, &den.CreatorName, &den.CreatedAt, &den.PostCount)
	return den, err
}

func (s *PostgresStore) InsertDen(ctx context.Context, den Den) (Den, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dens (title, description, image_url, creator_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, den.Title, den.Description, den.ImageURL, den.CreatorID).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return Den{}, ErrDuplicateTitle
		}
		return Den{}, fmt.Errorf("insert den: %w", err)
	}
	return s.GetDen(ctx, id)
}

func (s *PostgresStore) GetDen(ctx context.Context, denID int64) (Den, error) {
	den, err := scanDen(s.db.QueryRowContext(ctx, `SELECT `+denColumns+` WHERE d.id=$1`, denID))
	if err != nil {
		return Den{}, err
	}
	return den, nil
}

func (s *PostgresStore) ListDens(ctx context.Context) ([]Den, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+denColumns+` ORDER BY d.created_at DESC, d.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dens: %w", err)
	}
	defer rows.Close()

	dens := make([]Den, 0)
	for rows.Next() {
		den, err := scanDen(rows)
		if err != nil {
			return nil, fmt.Errorf("scan den: %w", err)
		}
		dens = append(dens, den)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dens: %w", err)
	}
	return dens, nil
}

// lockRow takes a key-share lock on a target row so it cannot be deleted
// before the surrounding transaction commits.
func lockRow(ctx context.Context, tx *sql.Tx, table string, id int64) error {
	var locked int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE id=$1 FOR KEY SHARE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("lock %s: %w", strings.TrimSuffix(table, "s"), err)
	}
	return nil
}
