package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
	domainservice "github.com/datatrac/datatrac-sync/internal/sync/domain/service"
)

// snapshotInterval is the periodic progress-push cadence from spec.md §6.2
// ("at least every ~2s while is_running=true").
const snapshotInterval = 2 * time.Second

// execution is the live handle for a started task (the glossary's
// "Execution"): a cancellation signal plus the barrier that completes when
// every worker has returned.
type execution struct {
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func (e *execution) fireCancel() {
	e.cancelOnce.Do(func() { close(e.cancel) })
}

// Controller is the Task Controller (spec.md §4.1): start/pause/stop
// orchestration, worker-pool lifecycle, and unit administration. The live
// Execution map is a process-wide concurrent map per spec.md §5.
type Controller struct {
	mu         sync.RWMutex
	executions map[string]*execution

	tasks       repository.TaskRepository
	dataSources repository.DataSourceRepository
	unitConfigs repository.UnitConfigRepository
	checkpoint  repository.CheckpointStore
	adapters    engine.Registry
	publisher   domainservice.Publisher
	logs        domainservice.LogSink
	archiver    domainservice.Archiver
	lock        StartLock
}

// SetArchiver wires an optional history archiver into every unit pipeline
// the Controller spawns. Call before the first Start.
func (c *Controller) SetArchiver(archiver domainservice.Archiver) {
	c.archiver = archiver
}

// SetLock wires an optional cross-process start lock. Call before the
// first Start.
func (c *Controller) SetLock(lock StartLock) {
	c.lock = lock
}

// NewController wires a Controller from its collaborators.
func NewController(
	tasks repository.TaskRepository,
	dataSources repository.DataSourceRepository,
	unitConfigs repository.UnitConfigRepository,
	checkpoint repository.CheckpointStore,
	adapters engine.Registry,
	publisher domainservice.Publisher,
	logs domainservice.LogSink,
) *Controller {
	return &Controller{
		executions:  make(map[string]*execution),
		tasks:       tasks,
		dataSources: dataSources,
		unitConfigs: unitConfigs,
		checkpoint:  checkpoint,
		adapters:    adapters,
		publisher:   publisher,
		logs:        logs,
	}
}

// Start implements spec.md §4.1 start(taskId).
func (c *Controller) Start(ctx context.Context, taskID string) error {
	if c.lock != nil {
		release, acquired, err := c.lock.Acquire(ctx, taskID)
		if err == nil {
			if !acquired {
				return fmt.Errorf("%w: task %s start already in progress", ErrInvalidState, taskID)
			}
			defer release(context.Background())
		}
		// A lock error degrades to the source repo's original no-lock
		// behavior rather than blocking start().
	}

	task, err := c.tasks.FindByID(ctx, taskID)
	if err != nil {
		return c.translateLookupErr(err)
	}
	if task.Status != model.TaskConfigured || task.IsRunning {
		return fmt.Errorf("%w: task %s has status=%s is_running=%v", ErrInvalidState, taskID, task.Status, task.IsRunning)
	}

	cfg, err := model.ParseTaskConfig(task.ConfigBlob)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if task.Mode == model.ModeIncremental {
		c.warnIncrementalUnsupported(taskID)
	}

	if err := c.prepareRuntimes(ctx, task); err != nil {
		return err
	}

	pending, err := c.checkpoint.ListPending(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list pending units for %s: %w", taskID, err)
	}
	if len(pending) == 0 {
		return fmt.Errorf("%w: task %s", ErrNoWork, taskID)
	}

	source, target, err := c.loadEndpoints(ctx, task)
	if err != nil {
		return err
	}

	if err := c.tasks.SetRunning(ctx, taskID, true); err != nil {
		return fmt.Errorf("mark task %s running: %w", taskID, err)
	}
	task.IsRunning = true

	concurrency := cfg.ThreadCount
	if concurrency > len(pending) {
		concurrency = len(pending)
	}

	exec := &execution{cancel: make(chan struct{}), done: make(chan struct{})}
	c.mu.Lock()
	c.executions[taskID] = exec
	c.mu.Unlock()

	queue := make(chan job, len(pending))
	for _, runtime := range pending {
		queue <- job{
			task:    task,
			config:  cfg,
			runtime: runtime,
			source:  source,
			target:  target,
			onDone:  func(r *model.TaskUnitRuntime) { c.onUnitDone(taskID, cfg, r, exec) },
			onStorageFailure: func(r *model.TaskUnitRuntime, err error) {
				c.onStorageFailure(taskID, r, err)
			},
		}
	}
	close(queue)

	pool := &workerPool{
		pipeline: &domainservice.Pipeline{
			Adapters:   c.adapters,
			Checkpoint: c.checkpoint,
			Publisher:  c.publisher,
			Logs:       c.logs,
			Archiver:   c.archiver,
		},
		concurrency: concurrency,
	}

	go c.runMonitor(task, cfg, exec, pool, queue)

	return nil
}

// prepareRuntimes implements spec.md §4.1 start() steps 2-3.
func (c *Controller) prepareRuntimes(ctx context.Context, task *model.Task) error {
	existing, err := c.checkpoint.ListAll(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("list runtimes for %s: %w", task.ID, err)
	}

	if len(existing) == 0 {
		configs, err := c.unitConfigs.ListByTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("list unit configs for %s: %w", task.ID, err)
		}
		if err := c.checkpoint.MaterializeRuntimes(ctx, task.ID, configs); err != nil {
			return fmt.Errorf("materialize runtimes for %s: %w", task.ID, err)
		}
		return nil
	}

	allCompleted := true
	for _, r := range existing {
		if r.Status != model.UnitCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		return c.checkpoint.ResetRuntimes(ctx, task.ID, nil)
	}
	// Paused/failed units resume from their persisted progress and cursor
	// rather than starting over (spec.md §4.1 step 2, second sentence).
	return c.checkpoint.ReactivateRuntimes(ctx, task.ID, []model.UnitStatus{model.UnitPaused, model.UnitFailed})
}

// warnIncrementalUnsupported logs that an incremental-mode task is running
// as a full sync: the core has no incremental read path (SPEC_FULL.md §11
// decision #2), but rejecting the task outright would be a worse surprise
// for a caller that only wants the unit to run.
func (c *Controller) warnIncrementalUnsupported(taskID string) {
	entry := model.NewLogEntry(model.LogWarn, model.CategorySync, "",
		"mode=incremental is not implemented by this core; running as a full sync")
	c.logs.Append(taskID, entry)
	c.publisher.Publish(taskID, model.EventLog, entry)
}

func (c *Controller) loadEndpoints(ctx context.Context, task *model.Task) (source, target *model.DataSource, err error) {
	source, err = c.dataSources.FindByID(ctx, task.SourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("load source data source %s: %w", task.SourceID, err)
	}
	target, err = c.dataSources.FindByID(ctx, task.TargetID)
	if err != nil {
		return nil, nil, fmt.Errorf("load target data source %s: %w", task.TargetID, err)
	}
	return source, target, nil
}

// runMonitor is the "monitor task" from spec.md §4.1 step 7: it waits for
// the worker barrier, clears is_running, and resolves the task's terminal
// status, pushing periodic progress snapshots while the task runs.
func (c *Controller) runMonitor(task *model.Task, cfg *model.TaskConfig, exec *execution, pool *workerPool, queue chan job) {
	ctx := context.Background()

	barrier := make(chan struct{})
	go func() {
		pool.run(ctx, queue, exec.cancel)
		close(barrier)
	}()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-barrier:
			// finish() (and its SetRunning(false)) must complete before
			// exec.done closes: Pause() unblocks on exec.done and a caller
			// must never observe is_running=true after Pause() returns
			// (spec.md §8 invariant 3).
			c.finish(ctx, task, cfg, exec)
			close(exec.done)
			return
		case <-ticker.C:
			c.pushSnapshot(ctx, task.ID)
		}
	}
}

// pushSnapshot re-reads the Checkpoint Store (the canonical state, per
// spec.md §9 "Events vs. state") and publishes a full per-task snapshot,
// but only while the task is still running (spec.md §4.6) and only when
// somebody is listening.
func (c *Controller) pushSnapshot(ctx context.Context, taskID string) {
	if !c.publisher.HasSubscribers(taskID) {
		return
	}
	task, err := c.tasks.FindByID(ctx, taskID)
	if err != nil || !task.IsRunning {
		return
	}
	units, err := c.checkpoint.ListAll(ctx, taskID)
	if err != nil {
		return
	}
	c.publisher.Publish(taskID, model.EventProgress, model.ProgressSnapshot{
		TaskID:    taskID,
		IsRunning: task.IsRunning,
		Units:     units,
		Aggregate: model.Aggregate(units),
	})
}

func (c *Controller) finish(ctx context.Context, task *model.Task, cfg *model.TaskConfig, exec *execution) {
	c.mu.Lock()
	delete(c.executions, task.ID)
	c.mu.Unlock()

	if err := c.tasks.SetRunning(ctx, task.ID, false); err != nil {
		return
	}

	units, err := c.checkpoint.ListAll(ctx, task.ID)
	if err != nil {
		return
	}

	allCompleted := true
	anyFailed := false
	for _, u := range units {
		if u.Status != model.UnitCompleted {
			allCompleted = false
		}
		if u.Status == model.UnitFailed {
			anyFailed = true
		}
	}

	switch {
	case allCompleted:
		_ = c.tasks.UpdateStatus(ctx, task.ID, model.TaskCompleted)
	case anyFailed && cfg.ErrorPolicy == model.PolicyPause:
		_ = c.tasks.UpdateStatus(ctx, task.ID, model.TaskFailed)
	case anyFailed:
		// errorPolicy=skip: task reaches completed even with failed units
		// (spec.md §7 "User-visible behavior"); the failed set is still
		// visible via getTaskUnits/getErrors.
		_ = c.tasks.UpdateStatus(ctx, task.ID, model.TaskCompleted)
	default:
		_ = c.tasks.UpdateStatus(ctx, task.ID, model.TaskConfigured)
	}

	c.publisher.Publish(task.ID, model.EventProgress, model.ProgressSnapshot{
		TaskID:    task.ID,
		IsRunning: false,
		Units:     units,
		Aggregate: model.Aggregate(units),
	})
}

// onUnitDone is invoked by the worker pool after a unit reaches a terminal
// status. Under errorPolicy=pause, a failed unit escalates to task-wide
// cancellation (spec.md §4.2, §4.3 "running -> failed ... fires task
// cancellation").
func (c *Controller) onUnitDone(taskID string, cfg *model.TaskConfig, r *model.TaskUnitRuntime, exec *execution) {
	if r.Status == model.UnitFailed && cfg.ErrorPolicy == model.PolicyPause {
		exec.fireCancel()
	}
}

func (c *Controller) onStorageFailure(taskID string, r *model.TaskUnitRuntime, err error) {
	c.publisher.Publish(taskID, model.EventError, model.ErrorRecord{
		TaskID:    taskID,
		UnitName:  r.UnitName,
		Message:   fmt.Sprintf("checkpoint store failure, unit abandoned: %v", err),
		Timestamp: time.Now(),
	})
}

// Pause implements spec.md §4.1 pause(taskId).
func (c *Controller) Pause(ctx context.Context, taskID string) error {
	task, err := c.tasks.FindByID(ctx, taskID)
	if err != nil {
		return c.translateLookupErr(err)
	}
	if !task.IsRunning {
		return fmt.Errorf("%w: task %s", ErrNotRunning, taskID)
	}

	exec, ok := c.lookup(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotRunning, taskID)
	}
	exec.fireCancel()
	<-exec.done
	return nil
}

// Stop implements spec.md §4.1 stop(taskId): pause semantics plus
// resetting every runtime to pending with cleared counters.
func (c *Controller) Stop(ctx context.Context, taskID string) error {
	task, err := c.tasks.FindByID(ctx, taskID)
	if err != nil {
		return c.translateLookupErr(err)
	}

	if exec, ok := c.lookup(taskID); ok {
		exec.fireCancel()
		<-exec.done
	}

	if err := c.checkpoint.ResetRuntimes(ctx, taskID, nil); err != nil {
		return fmt.Errorf("reset runtimes for %s: %w", taskID, err)
	}
	if task.IsRunning {
		if err := c.tasks.SetRunning(ctx, taskID, false); err != nil {
			return fmt.Errorf("clear is_running for %s: %w", taskID, err)
		}
	}
	return nil
}

func (c *Controller) lookup(taskID string) (*execution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exec, ok := c.executions[taskID]
	return exec, ok
}

// GetProgress implements spec.md §6.1 getProgress(taskId).
func (c *Controller) GetProgress(ctx context.Context, taskID string) (*model.ProgressSnapshot, error) {
	task, err := c.tasks.FindByID(ctx, taskID)
	if err != nil {
		return nil, c.translateLookupErr(err)
	}
	units, err := c.checkpoint.ListAll(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runtimes for %s: %w", taskID, err)
	}
	return &model.ProgressSnapshot{
		TaskID:    taskID,
		IsRunning: task.IsRunning,
		Units:     units,
		Aggregate: model.Aggregate(units),
	}, nil
}

// TaskUnitsView is the response shape for spec.md §6.1 getTaskUnits.
type TaskUnitsView struct {
	Active    []*model.TaskUnitRuntime
	Completed []*model.TaskUnitRuntime
	Stats     model.ProgressAggregate
}

// GetTaskUnits implements spec.md §6.1 getTaskUnits(taskId).
func (c *Controller) GetTaskUnits(ctx context.Context, taskID string) (*TaskUnitsView, error) {
	if _, err := c.tasks.FindByID(ctx, taskID); err != nil {
		return nil, c.translateLookupErr(err)
	}
	units, err := c.checkpoint.ListAll(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runtimes for %s: %w", taskID, err)
	}

	view := &TaskUnitsView{Stats: model.Aggregate(units)}
	for _, u := range units {
		if u.Status == model.UnitCompleted {
			view.Completed = append(view.Completed, u)
		} else {
			view.Active = append(view.Active, u)
		}
	}
	return view, nil
}

// GetErrors implements spec.md §6.1 getErrors(taskId).
func (c *Controller) GetErrors(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	if _, err := c.tasks.FindByID(ctx, taskID); err != nil {
		return nil, c.translateLookupErr(err)
	}
	units, err := c.checkpoint.ListAll(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runtimes for %s: %w", taskID, err)
	}
	var failed []*model.TaskUnitRuntime
	for _, u := range units {
		if u.Status == model.UnitFailed {
			failed = append(failed, u)
		}
	}
	return failed, nil
}

// GetLogs implements spec.md §6.1 getLogs(taskId, limit).
func (c *Controller) GetLogs(ctx context.Context, taskID string, limit int) ([]model.LogEntry, error) {
	if _, err := c.tasks.FindByID(ctx, taskID); err != nil {
		return nil, c.translateLookupErr(err)
	}
	return c.logs.Recent(taskID, limit), nil
}

// ResetFailed implements spec.md §6.1 resetFailed(taskId) -> count.
func (c *Controller) ResetFailed(ctx context.Context, taskID string) (int, error) {
	if _, err := c.tasks.FindByID(ctx, taskID); err != nil {
		return 0, c.translateLookupErr(err)
	}
	units, err := c.checkpoint.ListAll(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("list runtimes for %s: %w", taskID, err)
	}
	failedCount := 0
	for _, u := range units {
		if u.Status == model.UnitFailed {
			failedCount++
		}
	}
	if failedCount == 0 {
		return 0, nil
	}
	if err := c.checkpoint.ResetRuntimes(ctx, taskID, []model.UnitStatus{model.UnitFailed}); err != nil {
		return 0, fmt.Errorf("reset failed runtimes for %s: %w", taskID, err)
	}
	return failedCount, nil
}

// ResetUnit implements spec.md §4.1 resetUnit(unitId) (admin operation).
// Rejected if the unit is owned by a live worker.
func (c *Controller) ResetUnit(ctx context.Context, unitID string) error {
	runtime, err := c.checkpoint.FindByID(ctx, unitID)
	if err != nil {
		return c.translateLookupErr(err)
	}
	if runtime.Status == model.UnitRunning {
		if _, running := c.lookup(runtime.TaskID); running {
			return fmt.Errorf("%w: unit %s", repository.ErrOwnedByWorker, unitID)
		}
	}
	runtime.Reset()
	if err := c.checkpoint.UpdateUnit(ctx, runtime); err != nil {
		return fmt.Errorf("reset unit %s: %w", unitID, err)
	}
	return nil
}

// ClearByPattern implements spec.md §4.1 clearByPattern(taskId, pattern).
func (c *Controller) ClearByPattern(ctx context.Context, taskID, pattern string) (int, error) {
	if _, err := c.tasks.FindByID(ctx, taskID); err != nil {
		return 0, c.translateLookupErr(err)
	}
	count, err := c.checkpoint.ClearHistoryByPattern(ctx, taskID, pattern)
	if err != nil {
		return 0, fmt.Errorf("clear history for %s: %w", taskID, err)
	}
	return count, nil
}

func (c *Controller) translateLookupErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrTaskNotFound, err)
	}
	return err
}
