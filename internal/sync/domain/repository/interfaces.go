// Package repository defines the persistence interfaces the sync engine
// depends on, implemented by the postgres adapters under
// internal/sync/adapters/repository/postgres.
package repository

import (
	"context"
	"errors"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOwnedByWorker is returned when an admin operation targets a unit
	// currently owned by a live worker (spec.md §4.1, §4.5).
	ErrOwnedByWorker = errors.New("unit is owned by a live worker")
)

// DataSourceRepository is read-only to the core; CRUD lives in an external
// collaborator (spec.md §1, §3).
type DataSourceRepository interface {
	FindByID(ctx context.Context, id string) (*model.DataSource, error)
}

// TaskRepository reads and updates Task rows. Task CRUD beyond status/
// is_running transitions belongs to an external collaborator.
type TaskRepository interface {
	FindByID(ctx context.Context, id string) (*model.Task, error)
	UpdateStatus(ctx context.Context, id string, status model.TaskStatus) error
	SetRunning(ctx context.Context, id string, running bool) error
}

// UnitConfigRepository reads the unit intent rows for a task.
type UnitConfigRepository interface {
	ListByTask(ctx context.Context, taskID string) ([]*model.TaskUnitConfig, error)
}

// CheckpointStore is the Checkpoint Store surface from spec.md §4.5.
type CheckpointStore interface {
	// MaterializeRuntimes idempotently creates one pending row per
	// UnitConfig when none exist for the task.
	MaterializeRuntimes(ctx context.Context, taskID string, configs []*model.TaskUnitConfig) error

	// ResetRuntimes bulk-transitions runtimes whose status is in
	// fromStatuses to pending with cleared counters, cursor, and
	// last_batch_index. An empty fromStatuses resets every runtime
	// belonging to the task (used by stop() and by the repeat-run path
	// once every unit has completed).
	ResetRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error

	// ReactivateRuntimes bulk-transitions runtimes whose status is in
	// fromStatuses to pending, leaving counters, cursor_token, and
	// last_batch_index untouched so a paused/failed unit resumes from
	// where it left off instead of starting over.
	ReactivateRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error

	// ListPending returns units that still need work: pending ∪ failed.
	ListPending(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error)

	// ListAll returns every runtime row for a task, for getTaskUnits/getErrors.
	ListAll(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error)

	// FindByUnitName fetches a single runtime row, materializing it lazily
	// (pending) on first access if it does not yet exist.
	FindByUnitName(ctx context.Context, taskID, unitName string) (*model.TaskUnitRuntime, error)

	// FindByID fetches a single runtime row by its primary key.
	FindByID(ctx context.Context, unitID string) (*model.TaskUnitRuntime, error)

	// UpdateUnit persists a runtime's current in-memory state. Callers MUST
	// own the unit (i.e. be the worker currently processing it, or the
	// Controller acting on a unit with no live owner).
	UpdateUnit(ctx context.Context, runtime *model.TaskUnitRuntime) error

	// RecordHistory appends a completed-unit summary row.
	RecordHistory(ctx context.Context, row *model.TaskUnitHistory) error

	// ClearHistoryByPattern deletes history rows for taskID whose Pattern
	// matches pattern (a SQL LIKE-style pattern), returning the count
	// deleted.
	ClearHistoryByPattern(ctx context.Context, taskID, pattern string) (int, error)
}
