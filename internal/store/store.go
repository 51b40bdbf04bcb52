package store

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/facecam/internal/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store journals saved face crops in PostgreSQL.
// Sessions save concurrently, so it holds a pool rather than a single connection.
type Store struct {
	pool *pgxpool.Pool
}

// Capture is one journaled save.
type Capture struct {
	ID         int64
	Index      int
	Path       string
	BlurScore  float64
	Recognized *bool
	SavedAt    time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the journal table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS face_captures (
			id BIGSERIAL PRIMARY KEY,
			face_index INT NOT NULL,
			path TEXT NOT NULL,
			blur_score DOUBLE PRECISION NOT NULL,
			recognized BOOLEAN,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS face_captures_saved_at_idx ON face_captures (saved_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordCapture inserts one saved crop.
func (s *Store) RecordCapture(ctx context.Context, r ledger.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO face_captures (face_index, path, blur_score, recognized, saved_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.Index, r.Path, r.BlurScore, r.Recognized, r.SavedAt)
	return err
}

// ListCaptures returns the most recent captures first. limit <= 0 returns all.
func (s *Store) ListCaptures(ctx context.Context, limit int) ([]Capture, error) {
	query := `SELECT id, face_index, path, blur_score, recognized, saved_at FROM face_captures ORDER BY saved_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Capture, error) {
		var c Capture
		err := row.Scan(&c.ID, &c.Index, &c.Path, &c.BlurScore, &c.Recognized, &c.SavedAt)
		return c, err
	})
}

// CountCaptures returns how many saves are journaled.
func (s *Store) CountCaptures(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM face_captures").Scan(&n)
	return n, err
}

// Reset drops the journal table to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS face_captures CASCADE;`)
	return err
}
