package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/datatrac/datatrac-sync/internal/platform/database"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

// TaskRepository is the core's read/status-transition view onto
// sync_tasks; full Task CRUD (create/rename/delete/config edits) belongs
// to the external wizard collaborator (spec.md §1).
type TaskRepository struct {
	db *database.DB
}

func NewTaskRepository(db *database.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) FindByID(ctx context.Context, id string) (*model.Task, error) {
	query := `
		SELECT id, name, source_id, target_id, source_kind, target_kind,
			status, is_running, config, mode
		FROM sync_tasks WHERE id = $1`
	var t model.Task
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.SourceID, &t.TargetID, &t.SourceKind, &t.TargetKind,
		&t.Status, &t.IsRunning, &t.ConfigBlob, &t.Mode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", id, err)
	}
	return &t, nil
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status model.TaskStatus) error {
	query := `UPDATE sync_tasks SET status = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update status for task %s: %w", id, err)
	}
	return mustAffect(result, id)
}

func (r *TaskRepository) SetRunning(ctx context.Context, id string, running bool) error {
	query := `UPDATE sync_tasks SET is_running = $1 WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, running, id)
	if err != nil {
		return fmt.Errorf("set is_running for task %s: %w", id, err)
	}
	return mustAffect(result, id)
}

func mustAffect(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected for %s: %w", id, err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
