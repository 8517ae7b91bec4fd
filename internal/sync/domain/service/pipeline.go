// Package service holds the Unit Pipeline (this file), the per-unit core of
// the sync engine; the Task Controller that drives it lives in
// internal/sync/app/service (controller.go). The pipeline is grounded on the
// teacher's execution/domain/service.WorkflowExecutor — same shape of
// cancellation-aware, event-emitting execution, generalized from a DAG of
// nodes to a flat set of independent units.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/logbuffer"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

// Publisher is the narrow Event Bus surface the pipeline and controller
// depend on (spec.md §4.6). adapters/eventbus.Bus satisfies it.
type Publisher interface {
	Publish(taskID string, kind model.EventKind, payload interface{})
	HasSubscribers(taskID string) bool
}

// LogSink is the narrow Task Log Buffer surface (spec.md §4.7).
// domain/logbuffer.Buffer satisfies it.
type LogSink interface {
	Append(taskID string, entry model.LogEntry)
	Recent(taskID string, limit int) []model.LogEntry
}

var _ LogSink = (*logbuffer.Buffer)(nil)

// Archiver optionally mirrors completed-unit history to durable long-term
// storage beyond the Checkpoint Store's own history table. A nil Archiver
// on Pipeline disables this path entirely; archival failures never fail
// the unit (SPEC_FULL domain stack: archival is additive).
type Archiver interface {
	Archive(ctx context.Context, record model.TaskUnitHistory) error
}

// defaultConnectTimeout bounds adapter Open calls (spec.md §5).
const defaultConnectTimeout = 5 * time.Second

// Pipeline runs one unit end to end: open, prepare target, stream batches,
// persist progress, emit events (spec.md §4.3).
type Pipeline struct {
	Adapters   engine.Registry
	Checkpoint repository.CheckpointStore
	Publisher  Publisher
	Logs       LogSink
	Archiver   Archiver
}

// UnitJob is everything a Pipeline run needs for one unit.
type UnitJob struct {
	Task     *model.Task
	Config   *model.TaskConfig
	Runtime  *model.TaskUnitRuntime
	Source   *model.DataSource
	Target   *model.DataSource
	Cancel   <-chan struct{}
}

// Run executes the Unit Pipeline for job, mutating job.Runtime and
// persisting it through p.Checkpoint at every step boundary. It never
// returns an error for unit-level failures: those are reflected in
// job.Runtime.Status. A non-nil error return means the Checkpoint Store
// itself failed and the caller cannot trust the runtime's last write.
func (p *Pipeline) Run(ctx context.Context, job UnitJob) error {
	r := job.Runtime

	if err := r.Start(); err != nil {
		return p.fail(ctx, job, fmt.Sprintf("cannot start unit: %v", err))
	}
	if err := p.persist(ctx, r); err != nil {
		return err
	}
	p.emitProgress(job)

	sourceSchema, sourceEntity, targetSchema, targetEntity, ok := job.Config.FindMapping(r.UnitName)
	if !ok {
		return p.fail(ctx, job, fmt.Sprintf("no mapping found for unit %s", r.UnitName))
	}

	sourceAdapter, err := p.open(ctx, job.Task.SourceKind, job.Source)
	if err != nil {
		return p.fail(ctx, job, fmt.Sprintf("open source: %v", err))
	}
	defer sourceAdapter.Close()

	targetAdapter, err := p.open(ctx, job.Task.TargetKind, job.Target)
	if err != nil {
		return p.fail(ctx, job, fmt.Sprintf("open target: %v", err))
	}
	defer targetAdapter.Close()

	sourceFullEntity := sourceSchema + "." + sourceEntity
	targetFullEntity := targetSchema + "." + targetEntity

	charset, err := sourceAdapter.GetSchemaCharset(ctx, sourceSchema)
	if err != nil {
		charset = "" // adapters already fall back internally; this is belt-and-suspenders
	}

	created, err := targetAdapter.EnsureSchema(ctx, targetSchema, charset)
	if err != nil {
		return p.fail(ctx, job, fmt.Sprintf("ensure target schema %s: %v", targetSchema, err))
	}
	if created {
		p.log(job.Task.ID, model.LogInfo, model.CategoryCreate, r.UnitName, fmt.Sprintf("created schema %s", targetSchema))
	}

	if err := p.applyTargetExistsPolicy(ctx, job, sourceAdapter, targetAdapter, sourceFullEntity, targetFullEntity); err != nil {
		return p.fail(ctx, job, err.Error())
	}

	total, err := sourceAdapter.CountRows(ctx, sourceFullEntity)
	if err != nil {
		return p.fail(ctx, job, fmt.Sprintf("count source rows: %v", err))
	}
	r.SetTotal(total)
	if err := p.persist(ctx, r); err != nil {
		return err
	}

	if total == 0 {
		r.Complete()
		if err := p.persist(ctx, r); err != nil {
			return err
		}
		p.log(job.Task.ID, model.LogSuccess, model.CategoryComplete, r.UnitName, "completed (zero-row source)")
		p.recordCompletion(ctx, job)
		p.emitProgress(job)
		return nil
	}

	return p.stream(ctx, job, sourceAdapter, targetAdapter, sourceFullEntity, targetFullEntity)
}

func (p *Pipeline) open(ctx context.Context, kind model.EngineKind, ds *model.DataSource) (engine.Adapter, error) {
	factory, ok := p.Adapters.For(kind)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for engine kind %q", kind)
	}
	adapter := factory()

	openCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	if err := adapter.Open(openCtx, ds); err != nil {
		return nil, err
	}
	return adapter, nil
}

// applyTargetExistsPolicy implements Unit Pipeline step 5.
func (p *Pipeline) applyTargetExistsPolicy(ctx context.Context, job UnitJob, source, target engine.Adapter, sourceEntity, targetEntity string) error {
	switch job.Config.TargetExists {
	case model.TargetDrop:
		if err := target.Drop(ctx, targetEntity); err != nil {
			return fmt.Errorf("drop target %s: %w", targetEntity, err)
		}
		if _, err := target.CreateLike(ctx, source, sourceEntity, targetEntity); err != nil {
			return fmt.Errorf("recreate target %s: %w", targetEntity, err)
		}
		return nil
	case model.TargetTruncate:
		if err := target.Truncate(ctx, targetEntity); err != nil {
			return fmt.Errorf("truncate target %s: %w", targetEntity, err)
		}
		return nil
	case model.TargetAppend:
		return nil
	default:
		return fmt.Errorf("unknown targetExists policy %q", job.Config.TargetExists)
	}
}

// stream implements Unit Pipeline step 7: the per-batch read/write loop.
func (p *Pipeline) stream(ctx context.Context, job UnitJob, source, target engine.Adapter, sourceEntity, targetEntity string) error {
	r := job.Runtime
	cursor, err := source.DecodeCursor(r.CursorToken)
	if err != nil {
		return p.fail(ctx, job, fmt.Sprintf("decode resume cursor %q: %v", r.CursorToken, err))
	}
	batchIndex := r.LastBatchIndex

	for {
		select {
		case <-job.Cancel:
			r.Pause()
			r.CursorToken = source.EncodeCursor(cursor)
			if err := p.persist(ctx, r); err != nil {
				return err
			}
			p.emitProgress(job)
			return nil
		default:
		}

		batchIndex++
		rows, next, err := source.ReadBatch(ctx, sourceEntity, cursor, job.Config.BatchSize)
		if err != nil {
			return p.fail(ctx, job, fmt.Sprintf("read batch %d from %s: %v", batchIndex, sourceEntity, err))
		}
		if len(rows) == 0 {
			break
		}

		if writeErr := target.WriteBatch(ctx, targetEntity, rows); writeErr != nil {
			if job.Config.ErrorPolicy == model.PolicySkip {
				p.log(job.Task.ID, model.LogError, model.CategorySync, r.UnitName,
					fmt.Sprintf("batch %d write failed, skipped: %v", batchIndex, writeErr))
				// Cursor still advances past the failed page: spec.md §9
				// "skip effectively means advance past the failed page".
				cursor = next
				r.CursorToken = source.EncodeCursor(cursor)
				continue
			}
			return p.fail(ctx, job, fmt.Sprintf("batch %d write to %s: %v", batchIndex, targetEntity, writeErr))
		}

		cursor = next
		r.CursorToken = source.EncodeCursor(cursor)
		r.AdvanceProgress(int64(len(rows)), batchIndex)
		if err := p.persist(ctx, r); err != nil {
			return err
		}
		p.log(job.Task.ID, model.LogInfo, model.CategorySync, r.UnitName,
			fmt.Sprintf("batch %d: %d rows synced", batchIndex, len(rows)))
		p.emitProgress(job)
	}

	r.Complete()
	if err := p.persist(ctx, r); err != nil {
		return err
	}
	p.log(job.Task.ID, model.LogSuccess, model.CategoryComplete, r.UnitName, "completed")
	p.recordCompletion(ctx, job)
	p.emitProgress(job)
	return nil
}

// recordCompletion appends a history row for a completed unit and mirrors
// it to the optional Archiver. Neither failure affects unit status: the
// unit is already durably marked completed in the Checkpoint Store.
func (p *Pipeline) recordCompletion(ctx context.Context, job UnitJob) {
	r := job.Runtime
	var durationMillis int64
	if r.StartedAt != nil {
		durationMillis = time.Since(*r.StartedAt).Milliseconds()
	}
	record := model.TaskUnitHistory{
		TaskID:         job.Task.ID,
		UnitName:       r.UnitName,
		Pattern:        r.UnitName,
		TotalRecords:   r.TotalRecords,
		DurationMillis: durationMillis,
		CompletedAt:    time.Now(),
	}
	if err := p.Checkpoint.RecordHistory(ctx, &record); err != nil {
		p.log(job.Task.ID, model.LogError, model.CategoryComplete, r.UnitName, fmt.Sprintf("record history: %v", err))
	}
	if p.Archiver != nil {
		if err := p.Archiver.Archive(ctx, record); err != nil {
			p.log(job.Task.ID, model.LogError, model.CategoryComplete, r.UnitName, fmt.Sprintf("archive history: %v", err))
		}
	}
}

// fail marks the unit failed and persists it. A Checkpoint Store failure
// while recording the failure is itself fatal for this worker (spec.md §7
// "Storage" taxonomy): it is returned unwrapped so the caller can abandon
// the unit without claiming a consistent on-disk state.
func (p *Pipeline) fail(ctx context.Context, job UnitJob, message string) error {
	job.Runtime.Fail(message)
	if err := p.persist(ctx, job.Runtime); err != nil {
		return err
	}
	p.log(job.Task.ID, model.LogError, model.CategorySync, job.Runtime.UnitName, message)
	p.Publisher.Publish(job.Task.ID, model.EventError, model.ErrorRecord{
		TaskID:    job.Task.ID,
		UnitName:  job.Runtime.UnitName,
		Message:   message,
		Timestamp: time.Now(),
	})
	p.emitProgress(job)
	return nil
}

func (p *Pipeline) persist(ctx context.Context, r *model.TaskUnitRuntime) error {
	if err := p.Checkpoint.UpdateUnit(ctx, r); err != nil {
		return fmt.Errorf("persist unit %s: %w", r.UnitName, err)
	}
	return nil
}

func (p *Pipeline) log(taskID string, level model.LogLevel, category model.LogCategory, unitName, message string) {
	entry := model.NewLogEntry(level, category, unitName, message)
	p.Logs.Append(taskID, entry)
	p.Publisher.Publish(taskID, model.EventLog, entry)
}

func (p *Pipeline) emitProgress(job UnitJob) {
	if !p.Publisher.HasSubscribers(job.Task.ID) {
		return
	}
	p.Publisher.Publish(job.Task.ID, model.EventProgress, model.ProgressSnapshot{
		TaskID:    job.Task.ID,
		IsRunning: job.Task.IsRunning,
		Units:     []*model.TaskUnitRuntime{job.Runtime},
		Aggregate: model.Aggregate([]*model.TaskUnitRuntime{job.Runtime}),
	})
}
