// Package postgres implements the sync engine's repository interfaces
// against PostgreSQL, grounded on the teacher's
// execution/adapters/repository/postgres.ExecutionRepository: parameterized
// queries over platform/database.DB, JSON-marshaled blob columns, and a
// version column that UpdateUnit increments unconditionally (the update
// matches on id alone; the prior version is not compared).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/datatrac/datatrac-sync/internal/platform/database"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

// CheckpointStore implements repository.CheckpointStore over the
// task_unit_runtimes and task_unit_histories tables (spec.md §6.3).
type CheckpointStore struct {
	db *database.DB
}

// NewCheckpointStore constructs a CheckpointStore.
func NewCheckpointStore(db *database.DB) repository.CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) MaterializeRuntimes(ctx context.Context, taskID string, configs []*model.TaskUnitConfig) error {
	for _, cfg := range configs {
		runtime := model.NewPendingRuntime(generateID(), taskID, cfg.UnitName)
		query := `
			INSERT INTO task_unit_runtimes (
				id, task_id, unit_name, status, total_records, processed_records,
				error_message, started_at, updated_at, last_batch_index, cursor_token, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
			ON CONFLICT (task_id, unit_name) DO NOTHING`
		_, err := s.db.ExecContext(ctx, query,
			runtime.ID, runtime.TaskID, runtime.UnitName, runtime.Status,
			runtime.TotalRecords, runtime.ProcessedRecords, runtime.ErrorMessage,
			nullTime(runtime.StartedAt), time.Now(), runtime.LastBatchIndex, runtime.CursorToken,
		)
		if err != nil {
			return fmt.Errorf("materialize runtime %s/%s: %w", taskID, cfg.UnitName, err)
		}
	}
	return nil
}

// ResetRuntimes zeroes counters and the cursor along with status, for the
// repeat-run-after-all-completed path (spec.md §4.1 step 2, first
// sentence): every unit starts over from scratch.
func (s *CheckpointStore) ResetRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	query := `
		UPDATE task_unit_runtimes SET
			status = $1, total_records = 0, processed_records = 0,
			error_message = '', started_at = NULL, last_batch_index = 0,
			cursor_token = '', updated_at = $2, version = version + 1
		WHERE task_id = $3`
	args := []interface{}{model.UnitPending, time.Now(), taskID}

	if len(fromStatuses) > 0 {
		query += " AND status = ANY($4)"
		args = append(args, pq.Array(statusArray(fromStatuses)))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("reset runtimes for task %s: %w", taskID, err)
	}
	return nil
}

// ReactivateRuntimes flips fromStatuses units back to pending without
// touching their counters, last_batch_index, or cursor_token, for the
// paused/failed-upgrade path (spec.md §4.1 step 2, second sentence): those
// units resume from where they left off rather than starting over.
func (s *CheckpointStore) ReactivateRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	query := `
		UPDATE task_unit_runtimes SET
			status = $1, updated_at = $2, version = version + 1
		WHERE task_id = $3`
	args := []interface{}{model.UnitPending, time.Now(), taskID}

	if len(fromStatuses) > 0 {
		query += " AND status = ANY($4)"
		args = append(args, pq.Array(statusArray(fromStatuses)))
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("reactivate runtimes for task %s: %w", taskID, err)
	}
	return nil
}

func (s *CheckpointStore) ListPending(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	query := runtimeSelect + ` WHERE task_id = $1 AND status IN ($2, $3) ORDER BY unit_name`
	rows, err := s.db.QueryContext(ctx, query, taskID, model.UnitPending, model.UnitFailed)
	if err != nil {
		return nil, fmt.Errorf("list pending units for task %s: %w", taskID, err)
	}
	defer rows.Close()
	return scanRuntimes(rows)
}

func (s *CheckpointStore) ListAll(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	query := runtimeSelect + ` WHERE task_id = $1 ORDER BY unit_name`
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runtimes for task %s: %w", taskID, err)
	}
	defer rows.Close()
	return scanRuntimes(rows)
}

func (s *CheckpointStore) FindByUnitName(ctx context.Context, taskID, unitName string) (*model.TaskUnitRuntime, error) {
	query := runtimeSelect + ` WHERE task_id = $1 AND unit_name = $2`
	runtime, err := scanOneRuntime(s.db.QueryRowContext(ctx, query, taskID, unitName))
	if err == nil {
		return runtime, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find runtime %s/%s: %w", taskID, unitName, err)
	}

	// Lazy materialization on first access (spec.md §3: "created lazily on
	// first start").
	fresh := model.NewPendingRuntime(generateID(), taskID, unitName)
	insert := `
		INSERT INTO task_unit_runtimes (
			id, task_id, unit_name, status, total_records, processed_records,
			error_message, started_at, updated_at, last_batch_index, cursor_token, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		ON CONFLICT (task_id, unit_name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert,
		fresh.ID, fresh.TaskID, fresh.UnitName, fresh.Status,
		fresh.TotalRecords, fresh.ProcessedRecords, fresh.ErrorMessage,
		nullTime(fresh.StartedAt), time.Now(), fresh.LastBatchIndex, fresh.CursorToken,
	); err != nil {
		return nil, fmt.Errorf("lazily materialize runtime %s/%s: %w", taskID, unitName, err)
	}
	return s.FindByUnitName(ctx, taskID, unitName)
}

func (s *CheckpointStore) FindByID(ctx context.Context, unitID string) (*model.TaskUnitRuntime, error) {
	query := runtimeSelect + ` WHERE id = $1`
	runtime, err := scanOneRuntime(s.db.QueryRowContext(ctx, query, unitID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find runtime %s: %w", unitID, err)
	}
	return runtime, nil
}

// UpdateUnit persists runtime's full state unconditionally (the caller is
// required to already own the unit, per spec.md §4.5); the version column
// still increments so readers can detect staleness, but callers here never
// race on the same row by construction (one worker per unit).
func (s *CheckpointStore) UpdateUnit(ctx context.Context, runtime *model.TaskUnitRuntime) error {
	query := `
		UPDATE task_unit_runtimes SET
			status = $1, total_records = $2, processed_records = $3,
			error_message = $4, started_at = $5, updated_at = $6,
			last_batch_index = $7, cursor_token = $8, version = version + 1
		WHERE id = $9`
	result, err := s.db.ExecContext(ctx, query,
		runtime.Status, runtime.TotalRecords, runtime.ProcessedRecords,
		runtime.ErrorMessage, nullTime(runtime.StartedAt), runtime.UpdatedAt,
		runtime.LastBatchIndex, runtime.CursorToken, runtime.ID,
	)
	if err != nil {
		return fmt.Errorf("update runtime %s: %w", runtime.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update runtime %s: %w", runtime.ID, err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *CheckpointStore) RecordHistory(ctx context.Context, row *model.TaskUnitHistory) error {
	query := `
		INSERT INTO task_unit_histories (
			id, task_id, unit_name, pattern, total_records, duration_millis, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if row.ID == "" {
		row.ID = generateID()
	}
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.TaskID, row.UnitName, row.Pattern, row.TotalRecords, row.DurationMillis, row.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record history for %s/%s: %w", row.TaskID, row.UnitName, err)
	}
	return nil
}

func (s *CheckpointStore) ClearHistoryByPattern(ctx context.Context, taskID, pattern string) (int, error) {
	query := `DELETE FROM task_unit_histories WHERE task_id = $1 AND pattern LIKE $2`
	result, err := s.db.ExecContext(ctx, query, taskID, pattern)
	if err != nil {
		return 0, fmt.Errorf("clear history for task %s: %w", taskID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear history for task %s: %w", taskID, err)
	}
	return int(affected), nil
}

const runtimeSelect = `
	SELECT id, task_id, unit_name, status, total_records, processed_records,
		error_message, started_at, updated_at, last_batch_index, cursor_token
	FROM task_unit_runtimes`

func scanRuntimes(rows *sql.Rows) ([]*model.TaskUnitRuntime, error) {
	var out []*model.TaskUnitRuntime
	for rows.Next() {
		r, err := scanRuntimeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRuntimeRow(row rowScanner) (*model.TaskUnitRuntime, error) {
	var r model.TaskUnitRuntime
	var startedAt sql.NullTime
	if err := row.Scan(
		&r.ID, &r.TaskID, &r.UnitName, &r.Status, &r.TotalRecords, &r.ProcessedRecords,
		&r.ErrorMessage, &startedAt, &r.UpdatedAt, &r.LastBatchIndex, &r.CursorToken,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	return &r, nil
}

func scanOneRuntime(row *sql.Row) (*model.TaskUnitRuntime, error) {
	return scanRuntimeRow(row)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func statusArray(statuses []model.UnitStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
