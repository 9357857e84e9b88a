package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DotenvRecord is an env-set's raw content: the `.env` file text written
// into a pod's repository working directory when a pod has both a source
// repository and an env-set with raw content (step 7 of provisionPod).
type DotenvRecord struct {
	ID        string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Store) InsertDotenv(ctx context.Context, rec DotenvRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dotenv (id, content, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Content, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dotenv %s: %w", rec.ID, err)
	}
	return nil
}

// GetDotenv loads an env-set's raw content by id.
func (s *Store) GetDotenv(ctx context.Context, id string) (*DotenvRecord, error) {
	var rec DotenvRecord
	row := s.db.QueryRowContext(ctx, `SELECT id, content, created_at, updated_at FROM dotenv WHERE id = ?`, id)
	if err := row.Scan(&rec.ID, &rec.Content, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: dotenv %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load dotenv %s: %w", id, err)
	}
	return &rec, nil
}
