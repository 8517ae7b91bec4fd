package model

import (
	"fmt"
	"time"
)

// UnitType distinguishes a relational table unit from a document index unit.
type UnitType string

const (
	UnitTable UnitType = "table"
	UnitIndex UnitType = "index"
)

// TaskUnitConfig is the user's intent: which unit to sync (spec.md §3).
// (taskId, unitName) is unique; configs are created when the task is
// configured and destroyed on task delete (cascade, enforced by the store).
type TaskUnitConfig struct {
	ID       string
	TaskID   string
	UnitName string // "schema.entity" in target namespace
	UnitType UnitType
}

// UnitStatus is the lifecycle status of a TaskUnitRuntime (spec.md §6.5).
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitPaused    UnitStatus = "paused"
)

// TaskUnitRuntime is the live state of one unit (spec.md §3). It is
// exclusively mutated by the worker currently holding the unit; the
// Controller may only reset runtimes of units not owned by a live worker.
type TaskUnitRuntime struct {
	ID                string
	TaskID            string
	UnitName          string
	Status            UnitStatus
	TotalRecords      int64
	ProcessedRecords  int64
	ErrorMessage      string
	StartedAt         *time.Time
	UpdatedAt         time.Time
	LastBatchIndex    int
	CursorToken       string // adapter-encoded resume position; empty means "start of the entity"
}

// NewPendingRuntime builds a freshly materialized runtime row for a unit
// config, per Controller.start step 3.
func NewPendingRuntime(id, taskID, unitName string) *TaskUnitRuntime {
	return &TaskUnitRuntime{
		ID:       id,
		TaskID:   taskID,
		UnitName: unitName,
		Status:   UnitPending,
	}
}

// Reset clears a runtime back to pending with zeroed counters, used by
// stop(), the admin resetUnit operation, and repeat-run materialization
// (spec.md §4.1, §4.5; invariant #5 in spec.md §8).
func (r *TaskUnitRuntime) Reset() {
	r.Status = UnitPending
	r.ProcessedRecords = 0
	r.TotalRecords = 0
	r.ErrorMessage = ""
	r.StartedAt = nil
	r.LastBatchIndex = 0
	r.CursorToken = ""
	r.UpdatedAt = time.Now()
}

// Start transitions pending/failed/paused -> running and records startedAt
// (Unit Pipeline step "pending -> running", spec.md §4.3).
func (r *TaskUnitRuntime) Start() error {
	switch r.Status {
	case UnitPending, UnitFailed, UnitPaused:
	default:
		return fmt.Errorf("unit %s: cannot start from status %s", r.UnitName, r.Status)
	}
	now := time.Now()
	r.Status = UnitRunning
	r.StartedAt = &now
	r.UpdatedAt = now
	return nil
}

// SetTotal records totalRecords read from the source (step 6). Once set,
// ProcessedRecords must never exceed it (invariant #1/#2 in spec.md §8).
func (r *TaskUnitRuntime) SetTotal(total int64) {
	r.TotalRecords = total
	r.UpdatedAt = time.Now()
}

// AdvanceProgress atomically folds a completed batch into the counters
// (Unit Pipeline step 7d). delta must be the number of rows/documents
// actually written; advancing is monotonic and never exceeds TotalRecords.
func (r *TaskUnitRuntime) AdvanceProgress(delta int64, batchIndex int) {
	r.ProcessedRecords += delta
	if r.TotalRecords > 0 && r.ProcessedRecords > r.TotalRecords {
		r.ProcessedRecords = r.TotalRecords
	}
	r.LastBatchIndex = batchIndex
	r.UpdatedAt = time.Now()
}

// Complete marks the unit done; ProcessedRecords is forced to TotalRecords
// so the invariant "completed implies processed == total" always holds
// even when a zero-row source short-circuits before any batch runs.
func (r *TaskUnitRuntime) Complete() {
	r.Status = UnitCompleted
	r.ProcessedRecords = r.TotalRecords
	r.UpdatedAt = time.Now()
}

// Fail marks the unit failed with the given message (adapter-fatal error,
// or adapter-transient error escalated under errorPolicy=pause).
func (r *TaskUnitRuntime) Fail(message string) {
	r.Status = UnitFailed
	r.ErrorMessage = message
	r.UpdatedAt = time.Now()
}

// Pause marks the unit paused on observed cancellation between batches.
// This is cooperative, not a failure: ErrorMessage is left untouched.
func (r *TaskUnitRuntime) Pause() {
	r.Status = UnitPaused
	r.UpdatedAt = time.Now()
}

// TaskUnitHistory is an append-only record of a completed unit, used for
// grouping and reporting (spec.md §3).
type TaskUnitHistory struct {
	ID             string
	TaskID         string
	UnitName       string
	Pattern        string
	TotalRecords   int64
	DurationMillis int64
	CompletedAt    time.Time
}
