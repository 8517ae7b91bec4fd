package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

// Scheduler registers optional cron-driven re-runs of a task's start()
// against a single shared cron instance (SPEC_FULL.md §10: additive sugar,
// never a substitute for the Control API's own start). Grounded on the
// teacher's internal/schedule service: a thin wrapper registering callbacks
// against one process-wide *cron.Cron handle, generalized here from
// workflow triggers to task re-runs.
type Scheduler struct {
	cron       *cron.Cron
	controller *Controller
}

// NewScheduler wraps cron around controller's Start.
func NewScheduler(c *cron.Cron, controller *Controller) *Scheduler {
	return &Scheduler{cron: c, controller: controller}
}

// Register schedules taskID's start() on cronExpr (standard 5-field cron
// syntax), returning an entry ID the caller can later pass to Unregister.
// A scheduled start() that fails (task already running, no pending units,
// etc.) is not retried or escalated; it is recorded to the task's own log
// buffer so getLogs surfaces it like any other skipped attempt.
func (s *Scheduler) Register(cronExpr, taskID string) (cron.EntryID, error) {
	return s.cron.AddFunc(cronExpr, func() {
		if err := s.controller.Start(context.Background(), taskID); err != nil {
			s.controller.logs.Append(taskID, model.NewLogEntry(
				model.LogWarn, model.CategoryCreate, "",
				fmt.Sprintf("scheduled start skipped: %v", err),
			))
		}
	})
}

// Unregister removes a previously registered entry.
func (s *Scheduler) Unregister(id cron.EntryID) {
	s.cron.Remove(id)
}
