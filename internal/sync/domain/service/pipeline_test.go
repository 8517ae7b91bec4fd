package service

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/logbuffer"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

// fakeAdapter is a minimal engine.Adapter double; fields configure its
// behavior per test, call counters let assertions inspect what happened.
type fakeAdapter struct {
	countRows       int64
	countErr        error
	pages           [][]engine.Row
	readCalls       int
	ensureCreated   bool
	charset         string
	failWriteOnCall int // 1-indexed WriteBatch call to fail; 0 = never
	writeErr        error
	writeCalls      int
	writtenBatches  [][]engine.Row
}

func (f *fakeAdapter) Open(ctx context.Context, ds *model.DataSource) error { return nil }
func (f *fakeAdapter) Close() error                                        { return nil }

func (f *fakeAdapter) CountRows(ctx context.Context, entity string) (int64, error) {
	return f.countRows, f.countErr
}

func (f *fakeAdapter) ReadBatch(ctx context.Context, entity string, cursor engine.Cursor, limit int) ([]engine.Row, engine.Cursor, error) {
	idx := f.readCalls
	f.readCalls++
	if idx >= len(f.pages) {
		return nil, nil, nil
	}
	return f.pages[idx], idx + 1, nil
}

func (f *fakeAdapter) EnsureSchema(ctx context.Context, schema, charset string) (bool, error) {
	return f.ensureCreated, nil
}

func (f *fakeAdapter) CreateLike(ctx context.Context, source engine.Adapter, sourceEntity, targetEntity string) (bool, error) {
	return true, nil
}

func (f *fakeAdapter) Truncate(ctx context.Context, entity string) error { return nil }
func (f *fakeAdapter) Drop(ctx context.Context, entity string) error     { return nil }

func (f *fakeAdapter) WriteBatch(ctx context.Context, entity string, rows []engine.Row) error {
	f.writeCalls++
	f.writtenBatches = append(f.writtenBatches, rows)
	if f.failWriteOnCall != 0 && f.writeCalls == f.failWriteOnCall {
		return f.writeErr
	}
	return nil
}

func (f *fakeAdapter) EncodeCursor(cursor engine.Cursor) string {
	if cursor == nil {
		return ""
	}
	return fmt.Sprintf("%v", cursor)
}

func (f *fakeAdapter) DecodeCursor(token string) (engine.Cursor, error) {
	if token == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(token)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (f *fakeAdapter) GetSchemaCharset(ctx context.Context, schema string) (string, error) {
	return f.charset, nil
}

var _ engine.Adapter = (*fakeAdapter)(nil)

// fakeCheckpoint is a minimal repository.CheckpointStore double; only
// UpdateUnit and RecordHistory are exercised by the pipeline.
type fakeCheckpoint struct {
	updates    []*model.TaskUnitRuntime
	updateErr  error
	history    []*model.TaskUnitHistory
	historyErr error
}

func (c *fakeCheckpoint) MaterializeRuntimes(ctx context.Context, taskID string, configs []*model.TaskUnitConfig) error {
	return nil
}
func (c *fakeCheckpoint) ResetRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	return nil
}
func (c *fakeCheckpoint) ReactivateRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	return nil
}
func (c *fakeCheckpoint) ListPending(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (c *fakeCheckpoint) ListAll(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (c *fakeCheckpoint) FindByUnitName(ctx context.Context, taskID, unitName string) (*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (c *fakeCheckpoint) FindByID(ctx context.Context, unitID string) (*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (c *fakeCheckpoint) UpdateUnit(ctx context.Context, runtime *model.TaskUnitRuntime) error {
	if c.updateErr != nil {
		return c.updateErr
	}
	snap := *runtime
	c.updates = append(c.updates, &snap)
	return nil
}
func (c *fakeCheckpoint) RecordHistory(ctx context.Context, row *model.TaskUnitHistory) error {
	if c.historyErr != nil {
		return c.historyErr
	}
	c.history = append(c.history, row)
	return nil
}
func (c *fakeCheckpoint) ClearHistoryByPattern(ctx context.Context, taskID, pattern string) (int, error) {
	return 0, nil
}

var _ repository.CheckpointStore = (*fakeCheckpoint)(nil)

type publishedEvent struct {
	taskID  string
	kind    model.EventKind
	payload interface{}
}

type fakePublisher struct {
	events []publishedEvent
}

func (p *fakePublisher) Publish(taskID string, kind model.EventKind, payload interface{}) {
	p.events = append(p.events, publishedEvent{taskID, kind, payload})
}
func (p *fakePublisher) HasSubscribers(taskID string) bool { return true }

var _ Publisher = (*fakePublisher)(nil)

type fakeArchiver struct {
	records []model.TaskUnitHistory
	err     error
}

func (a *fakeArchiver) Archive(ctx context.Context, record model.TaskUnitHistory) error {
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, record)
	return nil
}

var _ Archiver = (*fakeArchiver)(nil)

func newRegistry(source, target engine.Adapter) engine.Registry {
	return engine.Registry{
		model.EngineSQL: func() engine.Adapter { return source },
		model.EngineDOC: func() engine.Adapter { return target },
	}
}

func newJob(batchSize int, errorPolicy model.ErrorPolicy, cancel chan struct{}) (*model.Task, UnitJob) {
	cfg := &model.TaskConfig{
		BatchSize:    batchSize,
		ThreadCount:  1,
		ErrorPolicy:  errorPolicy,
		TargetExists: model.TargetAppend,
		SelectedDatabases: []model.DatabaseSelection{
			{
				TargetSchema: "tgt",
				SourceSchema: "src",
				Tables:       []model.TableMapping{{SourceName: "t", TargetName: "t"}},
			},
		},
	}
	task := &model.Task{ID: "task1", SourceKind: model.EngineSQL, TargetKind: model.EngineDOC, IsRunning: true}
	runtime := model.NewPendingRuntime("u1", "task1", "tgt.t")
	job := UnitJob{
		Task:    task,
		Config:  cfg,
		Runtime: runtime,
		Source:  &model.DataSource{ID: "src-ds", Engine: model.EngineSQL, Host: "h"},
		Target:  &model.DataSource{ID: "tgt-ds", Engine: model.EngineDOC, Host: "h"},
		Cancel:  cancel,
	}
	return task, job
}

func newTestPipeline(source, target *fakeAdapter, checkpoint *fakeCheckpoint, publisher *fakePublisher, archiver *fakeArchiver) *Pipeline {
	return &Pipeline{
		Adapters:   newRegistry(source, target),
		Checkpoint: checkpoint,
		Publisher:  publisher,
		Logs:       logbuffer.New(0),
		Archiver:   archiver,
	}
}

func TestPipeline_HappyPathCompletesAndRecordsHistory(t *testing.T) {
	rows := []engine.Row{{"id": 1}, {"id": 2}}
	source := &fakeAdapter{countRows: 2, pages: [][]engine.Row{rows}}
	target := &fakeAdapter{}
	checkpoint := &fakeCheckpoint{}
	archiver := &fakeArchiver{}
	p := newTestPipeline(source, target, checkpoint, &fakePublisher{}, archiver)

	_, job := newJob(100, model.PolicySkip, make(chan struct{}))
	err := p.Run(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, model.UnitCompleted, job.Runtime.Status)
	assert.Equal(t, int64(2), job.Runtime.ProcessedRecords)
	require.Len(t, checkpoint.history, 1)
	assert.Equal(t, int64(2), checkpoint.history[0].TotalRecords)
	require.Len(t, archiver.records, 1)
	require.Len(t, target.writtenBatches, 1)
	assert.Equal(t, rows, target.writtenBatches[0])
}

func TestPipeline_ZeroRowSourceCompletesWithoutStreaming(t *testing.T) {
	source := &fakeAdapter{countRows: 0}
	target := &fakeAdapter{}
	checkpoint := &fakeCheckpoint{}
	archiver := &fakeArchiver{}
	p := newTestPipeline(source, target, checkpoint, &fakePublisher{}, archiver)

	_, job := newJob(100, model.PolicySkip, make(chan struct{}))
	err := p.Run(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, model.UnitCompleted, job.Runtime.Status)
	assert.Equal(t, 0, source.readCalls)
	require.Len(t, checkpoint.history, 1)
	require.Len(t, archiver.records, 1)
}

func TestPipeline_BatchSizeLargerThanTotalCompletesInOneBatch(t *testing.T) {
	rows := []engine.Row{{"id": 1}, {"id": 2}}
	source := &fakeAdapter{countRows: 2, pages: [][]engine.Row{rows}}
	target := &fakeAdapter{}
	checkpoint := &fakeCheckpoint{}
	p := newTestPipeline(source, target, checkpoint, &fakePublisher{}, &fakeArchiver{})

	_, job := newJob(10000, model.PolicySkip, make(chan struct{}))
	err := p.Run(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, model.UnitCompleted, job.Runtime.Status)
	assert.Equal(t, 2, source.readCalls) // one page of data, then one empty page ends the loop
}

func TestPipeline_CancelPausesMidBatchWithoutRecordingHistory(t *testing.T) {
	source := &fakeAdapter{countRows: 5, pages: [][]engine.Row{{{"id": 1}}}}
	target := &fakeAdapter{}
	checkpoint := &fakeCheckpoint{}
	archiver := &fakeArchiver{}
	p := newTestPipeline(source, target, checkpoint, &fakePublisher{}, archiver)

	cancel := make(chan struct{})
	close(cancel)
	_, job := newJob(100, model.PolicySkip, cancel)
	err := p.Run(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, model.UnitPaused, job.Runtime.Status)
	assert.Equal(t, 0, source.readCalls)
	assert.Empty(t, checkpoint.history)
	assert.Empty(t, archiver.records)
}

func TestPipeline_SkipPolicyAdvancesCursorPastFailedBatch(t *testing.T) {
	page1 := []engine.Row{{"id": 1}, {"id": 2}}
	page2 := []engine.Row{{"id": 3}, {"id": 4}}
	source := &fakeAdapter{countRows: 2, pages: [][]engine.Row{page1, page2}}
	target := &fakeAdapter{failWriteOnCall: 1}
	checkpoint := &fakeCheckpoint{}
	p := newTestPipeline(source, target, checkpoint, &fakePublisher{}, &fakeArchiver{})

	_, job := newJob(100, model.PolicySkip, make(chan struct{}))
	err := p.Run(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, model.UnitCompleted, job.Runtime.Status)
	assert.Equal(t, int64(2), job.Runtime.ProcessedRecords) // only the succeeding batch counts
	assert.Equal(t, 2, target.writeCalls)                   // failed batch 1 attempted, batch 2 succeeded
	require.Len(t, checkpoint.history, 1)
}

func TestPipeline_PausePolicyFailsUnitOnWriteError(t *testing.T) {
	rows := []engine.Row{{"id": 1}, {"id": 2}}
	source := &fakeAdapter{countRows: 2, pages: [][]engine.Row{rows}}
	target := &fakeAdapter{failWriteOnCall: 1}
	checkpoint := &fakeCheckpoint{}
	publisher := &fakePublisher{}
	p := newTestPipeline(source, target, checkpoint, publisher, &fakeArchiver{})

	_, job := newJob(100, model.PolicyPause, make(chan struct{}))
	err := p.Run(context.Background(), job)

	require.NoError(t, err) // unit-level failures never surface as pipeline errors
	assert.Equal(t, model.UnitFailed, job.Runtime.Status)
	assert.NotEmpty(t, job.Runtime.ErrorMessage)
	assert.Empty(t, checkpoint.history)

	found := false
	for _, evt := range publisher.events {
		if evt.kind == model.EventError {
			found = true
		}
	}
	assert.True(t, found, "expected an EventError to be published on unit failure")
}

func TestPipeline_CheckpointFailureDuringPersistIsFatal(t *testing.T) {
	source := &fakeAdapter{countRows: 2, pages: [][]engine.Row{{{"id": 1}, {"id": 2}}}}
	target := &fakeAdapter{}
	checkpoint := &fakeCheckpoint{updateErr: assertErr}
	p := newTestPipeline(source, target, checkpoint, &fakePublisher{}, &fakeArchiver{})

	_, job := newJob(100, model.PolicySkip, make(chan struct{}))
	err := p.Run(context.Background(), job)

	require.Error(t, err)
}

var assertErr = context.DeadlineExceeded
