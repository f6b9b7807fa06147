package ledger

import (
	"context"
	"fmt"

	"revoice/worker/internal/database"
)

// DBStore persists synthesis task snapshots in Postgres so the API service
// can report per-member status without reaching into the worker process.
type DBStore struct {
	db *database.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore creates a snapshot store backed by the primary database.
func NewDBStore(db *database.DB) *DBStore {
	return &DBStore{db: db}
}

// SaveTask upserts the task snapshot.
func (s *DBStore) SaveTask(ctx context.Context, task Task) error {
	query := `
		INSERT INTO synthesis_tasks (id, status, progress, output_ref, error_code, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET status = $2, progress = $3, output_ref = $4, error_code = $5, error = $6, updated_at = $8
	`
	if _, err := s.db.ExecContext(ctx, query,
		task.ID, string(task.Status), task.Progress,
		nullable(task.OutputRef), nullable(task.ErrorCode), nullable(task.ErrorMessage),
		task.CreatedAt, task.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to save synthesis task: %w", err)
	}
	return nil
}

// DeleteTask removes the task snapshot.
func (s *DBStore) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM synthesis_tasks WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("failed to delete synthesis task: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
