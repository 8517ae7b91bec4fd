package model

import "time"

// EventKind identifies the Event Bus event kinds (spec.md §4.6).
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
	EventError    EventKind = "error"
)

// ProgressSnapshot is the payload of an EventProgress event: the current
// per-task aggregate plus its per-unit detail.
type ProgressSnapshot struct {
	TaskID    string             `json:"taskId"`
	IsRunning bool               `json:"isRunning"`
	Units     []*TaskUnitRuntime `json:"units"`
	Aggregate ProgressAggregate  `json:"aggregate"`
}

// ProgressAggregate summarizes a ProgressSnapshot's units.
type ProgressAggregate struct {
	Total            int   `json:"total"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	Running          int   `json:"running"`
	Pending          int   `json:"pending"`
	Paused           int   `json:"paused"`
	TotalRecords     int64 `json:"totalRecords"`
	ProcessedRecords int64 `json:"processedRecords"`
}

// Aggregate computes a ProgressAggregate over units.
func Aggregate(units []*TaskUnitRuntime) ProgressAggregate {
	var agg ProgressAggregate
	agg.Total = len(units)
	for _, u := range units {
		switch u.Status {
		case UnitCompleted:
			agg.Completed++
		case UnitFailed:
			agg.Failed++
		case UnitRunning:
			agg.Running++
		case UnitPending:
			agg.Pending++
		case UnitPaused:
			agg.Paused++
		}
		agg.TotalRecords += u.TotalRecords
		agg.ProcessedRecords += u.ProcessedRecords
	}
	return agg
}

// ErrorRecord is the payload of an EventError event.
type ErrorRecord struct {
	TaskID    string    `json:"taskId"`
	UnitName  string    `json:"unitName,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
