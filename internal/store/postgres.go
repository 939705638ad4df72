package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists upload records. All status mutations go through
// Transition, a conditional update keyed by the expected prior status.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

func (s *PostgresStore) Close() { s.db.Close() }

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Get(ctx context.Context, id string) (UploadRecord, error) {
	const q = `SELECT id, file_name, user_id, status, COALESCE(result_link, ''), created_at
	           FROM uploads WHERE id = $1`
	var rec UploadRecord
	err := s.db.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.FileName, &rec.UserID, &rec.Status, &rec.ResultLink, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UploadRecord{}, ErrNotFound
	}
	if err != nil {
		return UploadRecord{}, fmt.Errorf("get upload %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec UploadRecord) error {
	const q = `INSERT INTO uploads (id, file_name, user_id, status, result_link, created_at)
	           VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`
	_, err := s.db.Exec(ctx, q, rec.ID, rec.FileName, rec.UserID, rec.Status, rec.ResultLink, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition applies from -> to only if the stored status still equals from.
// Returns false (and no error) when the guard does not match, which is how
// concurrent executions lose the race without side effects. The result link
// is written only when entering StatusCompleted.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, resultLink string) (bool, error) {
	if to == StatusCompleted {
		const q = `UPDATE uploads SET status = $1, result_link = $2 WHERE id = $3 AND status = $4`
		t, err := s.db.Exec(ctx, q, to, resultLink, id, from)
		if err != nil {
			return false, fmt.Errorf("transition upload %s to %s: %w", id, to, err)
		}
		return t.RowsAffected() == 1, nil
	}
	const q = `UPDATE uploads SET status = $1 WHERE id = $2 AND status = $3`
	t, err := s.db.Exec(ctx, q, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition upload %s to %s: %w", id, to, err)
	}
	return t.RowsAffected() == 1, nil
}
