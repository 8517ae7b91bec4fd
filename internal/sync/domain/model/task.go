package model

import (
	"encoding/json"
	"fmt"
)

// TaskStatus is the lifecycle status of a Task (spec.md §3, §6.5).
type TaskStatus string

const (
	TaskIdle       TaskStatus = "idle"
	TaskConfigured TaskStatus = "configured"
	TaskRunning    TaskStatus = "running"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// taskTransitions enumerates the legal status transitions for a Task.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskIdle:       {TaskConfigured: true},
	TaskConfigured: {TaskRunning: true, TaskConfigured: true},
	TaskRunning:    {TaskPaused: true, TaskCompleted: true, TaskFailed: true, TaskConfigured: true},
	TaskPaused:     {TaskRunning: true, TaskConfigured: true},
	TaskCompleted:  {TaskConfigured: true, TaskRunning: true},
	TaskFailed:     {TaskConfigured: true, TaskRunning: true},
}

// SyncMode recognizes the bulk/incremental flag. Only full is executed by
// the core; incremental is accepted, logged at warn level, and run as a
// full sync rather than rejected (spec.md §6.4, SPEC_FULL.md §11 decision
// #2 — see Controller.Start).
type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeIncremental SyncMode = "incremental"
)

// ErrorPolicy controls per-batch write failure behavior.
type ErrorPolicy string

const (
	PolicySkip  ErrorPolicy = "skip"
	PolicyPause ErrorPolicy = "pause"
)

// TargetExistsPolicy controls the pre-run action on an existing target entity.
type TargetExistsPolicy string

const (
	TargetDrop     TargetExistsPolicy = "drop"
	TargetTruncate TargetExistsPolicy = "truncate"
	TargetAppend   TargetExistsPolicy = "append"
)

// TableMapping maps one source table/index to its target name.
type TableMapping struct {
	SourceName string `json:"sourceName"`
	TargetName string `json:"targetName"`
}

// DatabaseSelection is one schema-to-schema mapping with its table list.
type DatabaseSelection struct {
	TargetSchema string         `json:"targetSchema"`
	SourceSchema string         `json:"sourceSchema"`
	Tables       []TableMapping `json:"tables"`
}

// DocSelector carries DOC-engine-specific selection: index patterns,
// explicit index names, and an optional name transform.
type DocSelector struct {
	IndexPatterns    []string `json:"indexPatterns,omitempty"`
	SelectedIndices  []string `json:"selectedIndices,omitempty"`
	NameTransform    string   `json:"nameTransform,omitempty"`
}

// TaskConfig is the parsed form of Task.ConfigBlob (spec.md §3).
type TaskConfig struct {
	BatchSize            int                 `json:"batchSize"`
	ThreadCount          int                 `json:"threadCount"`
	ErrorPolicy          ErrorPolicy         `json:"errorPolicy"`
	TargetExists         TargetExistsPolicy  `json:"targetExists"`
	SelectedDatabases    []DatabaseSelection `json:"selectedDatabases"`
	DocSelector          DocSelector         `json:"docSelector,omitempty"`
	SchemaNameTransform  string              `json:"schemaNameTransform,omitempty"`
	TableNameTransform   string              `json:"tableNameTransform,omitempty"`
}

// ParseTaskConfig unmarshals and validates a task's opaque config blob.
func ParseTaskConfig(blob string) (*TaskConfig, error) {
	var cfg TaskConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("malformed task config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the bounds from spec.md §6.4.
func (c *TaskConfig) Validate() error {
	if c.BatchSize < 100 || c.BatchSize > 10000 {
		return fmt.Errorf("batchSize must be in [100, 10000], got %d", c.BatchSize)
	}
	if c.ThreadCount < 1 || c.ThreadCount > 32 {
		return fmt.Errorf("threadCount must be in [1, 32], got %d", c.ThreadCount)
	}
	switch c.ErrorPolicy {
	case PolicySkip, PolicyPause:
	default:
		return fmt.Errorf("invalid errorPolicy %q", c.ErrorPolicy)
	}
	switch c.TargetExists {
	case TargetDrop, TargetTruncate, TargetAppend:
	default:
		return fmt.Errorf("invalid targetExists %q", c.TargetExists)
	}
	return nil
}

// FindMapping resolves unitName ("schema.entity" in target namespace) to its
// source/target schema+entity names, per Unit Pipeline step 1 (spec.md §4.3).
func (c *TaskConfig) FindMapping(unitName string) (sourceSchema, sourceEntity, targetSchema, targetEntity string, ok bool) {
	schema, entity, split := splitUnitName(unitName)
	if !split {
		return "", "", "", "", false
	}
	for _, db := range c.SelectedDatabases {
		if db.TargetSchema != schema {
			continue
		}
		for _, t := range db.Tables {
			if t.TargetName == entity {
				return db.SourceSchema, t.SourceName, db.TargetSchema, t.TargetName, true
			}
		}
	}
	return "", "", "", "", false
}

func splitUnitName(unitName string) (schema, entity string, ok bool) {
	for i := 0; i < len(unitName); i++ {
		if unitName[i] == '.' {
			return unitName[:i], unitName[i+1:], true
		}
	}
	return "", "", false
}

// Task is a sync definition between two data sources (spec.md §3).
type Task struct {
	ID           string
	Name         string
	SourceID     string
	TargetID     string
	SourceKind   EngineKind
	TargetKind   EngineKind
	Status       TaskStatus
	IsRunning    bool
	ConfigBlob   string
	Mode         SyncMode
}

// Validate enforces the Task invariants from spec.md §3.
func (t *Task) Validate() error {
	if t.SourceID == "" || t.TargetID == "" {
		return fmt.Errorf("task %s: source and target ids are required", t.ID)
	}
	if t.SourceID == t.TargetID {
		return fmt.Errorf("task %s: source id must differ from target id", t.ID)
	}
	if !t.SourceKind.Valid() || !t.TargetKind.Valid() {
		return fmt.Errorf("task %s: invalid engine kinds", t.ID)
	}
	return nil
}

// CanTransitionTo reports whether status is a legal next status.
func (t *Task) CanTransitionTo(next TaskStatus) bool {
	return taskTransitions[t.Status][next]
}

// TransitionTo moves the task to next, rejecting illegal transitions.
func (t *Task) TransitionTo(next TaskStatus) error {
	if !t.CanTransitionTo(next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}
