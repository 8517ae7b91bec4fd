package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/logbuffer"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/repository"
)

type fakeTaskRepo struct {
	mu            sync.Mutex
	tasks         map[string]*model.Task
	setRunningErr error
}

func newFakeTaskRepo(tasks ...*model.Task) *fakeTaskRepo {
	m := map[string]*model.Task{}
	for _, t := range tasks {
		m[t.ID] = t
	}
	return &fakeTaskRepo{tasks: m}
}

func (f *fakeTaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskRepo) UpdateStatus(ctx context.Context, id string, status model.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.Status = status
	}
	return nil
}

func (f *fakeTaskRepo) SetRunning(ctx context.Context, id string, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setRunningErr != nil {
		return f.setRunningErr
	}
	if t, ok := f.tasks[id]; ok {
		t.IsRunning = running
	}
	return nil
}

type fakeDataSourceRepo struct {
	sources map[string]*model.DataSource
}

func (f *fakeDataSourceRepo) FindByID(ctx context.Context, id string) (*model.DataSource, error) {
	ds, ok := f.sources[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return ds, nil
}

type fakeUnitConfigRepo struct {
	configs map[string][]*model.TaskUnitConfig
}

func (f *fakeUnitConfigRepo) ListByTask(ctx context.Context, taskID string) ([]*model.TaskUnitConfig, error) {
	return f.configs[taskID], nil
}

// fakeCheckpointStore keeps runtimes by pointer so in-place mutation by the
// worker pool (and by ResetRuntimes/Reset) is visible to later reads,
// matching how the postgres-backed store reflects a worker's own writes.
type fakeCheckpointStore struct {
	mu    sync.Mutex
	units map[string][]*model.TaskUnitRuntime
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{units: map[string][]*model.TaskUnitRuntime{}}
}

func (s *fakeCheckpointStore) MaterializeRuntimes(ctx context.Context, taskID string, configs []*model.TaskUnitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.units[taskID]) > 0 {
		return nil
	}
	for i, c := range configs {
		s.units[taskID] = append(s.units[taskID], model.NewPendingRuntime(fmt.Sprintf("%s-%d", taskID, i), taskID, c.UnitName))
	}
	return nil
}

func (s *fakeCheckpointStore) ResetRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(st model.UnitStatus) bool {
		if len(fromStatuses) == 0 {
			return true
		}
		for _, f := range fromStatuses {
			if f == st {
				return true
			}
		}
		return false
	}
	for _, r := range s.units[taskID] {
		if match(r.Status) {
			r.Reset()
		}
	}
	return nil
}

func (s *fakeCheckpointStore) ReactivateRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(st model.UnitStatus) bool {
		if len(fromStatuses) == 0 {
			return true
		}
		for _, f := range fromStatuses {
			if f == st {
				return true
			}
		}
		return false
	}
	for _, r := range s.units[taskID] {
		if match(r.Status) {
			r.Status = model.UnitPending
		}
	}
	return nil
}

func (s *fakeCheckpointStore) ListPending(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TaskUnitRuntime
	for _, r := range s.units[taskID] {
		if r.Status == model.UnitPending || r.Status == model.UnitFailed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeCheckpointStore) ListAll(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.TaskUnitRuntime{}, s.units[taskID]...), nil
}

func (s *fakeCheckpointStore) FindByUnitName(ctx context.Context, taskID, unitName string) (*model.TaskUnitRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.units[taskID] {
		if r.UnitName == unitName {
			return r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeCheckpointStore) FindByID(ctx context.Context, unitID string) (*model.TaskUnitRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.units {
		for _, r := range list {
			if r.ID == unitID {
				return r, nil
			}
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeCheckpointStore) UpdateUnit(ctx context.Context, runtime *model.TaskUnitRuntime) error {
	return nil
}

func (s *fakeCheckpointStore) RecordHistory(ctx context.Context, row *model.TaskUnitHistory) error {
	return nil
}

func (s *fakeCheckpointStore) ClearHistoryByPattern(ctx context.Context, taskID, pattern string) (int, error) {
	return 0, nil
}

var _ repository.CheckpointStore = (*fakeCheckpointStore)(nil)

type recordingPublisher struct {
	mu      sync.Mutex
	events  []publishedEvent
	hasSubs bool
}

type publishedEvent struct {
	taskID  string
	kind    model.EventKind
	payload interface{}
}

func (p *recordingPublisher) Publish(taskID string, kind model.EventKind, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{taskID, kind, payload})
}

func (p *recordingPublisher) HasSubscribers(taskID string) bool { return p.hasSubs }

type fakeLock struct {
	acquired bool
	err      error
	released bool
}

func (f *fakeLock) Acquire(ctx context.Context, taskID string) (func(context.Context), bool, error) {
	if f.err != nil {
		return func(context.Context) {}, false, f.err
	}
	if !f.acquired {
		return func(context.Context) {}, false, nil
	}
	return func(context.Context) { f.released = true }, true, nil
}

func newTestController(task *model.Task, source, target *model.DataSource, configs []*model.TaskUnitConfig) (*Controller, *fakeTaskRepo, *fakeCheckpointStore, *recordingPublisher) {
	taskRepo := newFakeTaskRepo(task)
	dsRepo := &fakeDataSourceRepo{sources: map[string]*model.DataSource{source.ID: source, target.ID: target}}
	unitRepo := &fakeUnitConfigRepo{configs: map[string][]*model.TaskUnitConfig{task.ID: configs}}
	checkpoint := newFakeCheckpointStore()
	publisher := &recordingPublisher{}
	registry := engine.Registry{model.EngineSQL: func() engine.Adapter { return &trackingAdapter{} }}

	c := NewController(taskRepo, dsRepo, unitRepo, checkpoint, registry, publisher, logbuffer.New(0))
	return c, taskRepo, checkpoint, publisher
}

func testConfigBlob() string {
	return `{"batchSize":100,"threadCount":2,"errorPolicy":"skip","targetExists":"append","selectedDatabases":[{"targetSchema":"tgt","sourceSchema":"src","tables":[{"sourceName":"t","targetName":"t"}]}]}`
}

func waitForTaskDone(t *testing.T, repo *fakeTaskRepo, taskID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := repo.FindByID(context.Background(), taskID)
		return err == nil && !task.IsRunning
	}, time.Second, time.Millisecond)
}

func TestController_StartMaterializesRuntimesAndRunsToCompletion(t *testing.T) {
	task := &model.Task{ID: "t1", Name: "n", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	source := &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}
	target := &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}
	configs := []*model.TaskUnitConfig{{ID: "c1", TaskID: "t1", UnitName: "tgt.t", UnitType: model.UnitTable}}

	c, taskRepo, checkpoint, _ := newTestController(task, source, target, configs)

	err := c.Start(context.Background(), "t1")
	require.NoError(t, err)

	waitForTaskDone(t, taskRepo, "t1")

	units, _ := checkpoint.ListAll(context.Background(), "t1")
	require.Len(t, units, 1)
	assert.Equal(t, model.UnitCompleted, units[0].Status)

	final, _ := taskRepo.FindByID(context.Background(), "t1")
	assert.Equal(t, model.TaskCompleted, final.Status)
}

func TestController_StartRejectsWhenNotConfigured(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskRunning, ConfigBlob: testConfigBlob()}
	source := &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}
	target := &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}
	c, _, _, _ := newTestController(task, source, target, nil)

	err := c.Start(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestController_StartRejectsWhenLockHeldElsewhere(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	source := &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}
	target := &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}
	configs := []*model.TaskUnitConfig{{ID: "c1", TaskID: "t1", UnitName: "tgt.t", UnitType: model.UnitTable}}
	c, _, _, _ := newTestController(task, source, target, configs)
	c.SetLock(&fakeLock{acquired: false})

	err := c.Start(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestController_StartProceedsWhenLockErrorsOpen(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	source := &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}
	target := &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}
	configs := []*model.TaskUnitConfig{{ID: "c1", TaskID: "t1", UnitName: "tgt.t", UnitType: model.UnitTable}}
	c, taskRepo, _, _ := newTestController(task, source, target, configs)
	c.SetLock(&fakeLock{err: fmt.Errorf("redis unreachable")})

	err := c.Start(context.Background(), "t1")
	require.NoError(t, err)
	waitForTaskDone(t, taskRepo, "t1")
}

func TestController_StartFailsWithNoPendingUnits(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	source := &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}
	target := &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}
	c, _, _, _ := newTestController(task, source, target, nil)

	err := c.Start(context.Background(), "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoWork)
}

// slowStreamAdapter feeds one row per batch with a small delay, giving a
// test enough of a window to call Pause mid-stream before the unit would
// otherwise complete on its own.
type slowStreamAdapter struct {
	total   int64
	batches int
	delay   time.Duration
	calls   int
}

func (a *slowStreamAdapter) Open(ctx context.Context, ds *model.DataSource) error { return nil }
func (a *slowStreamAdapter) Close() error                                        { return nil }
func (a *slowStreamAdapter) CountRows(ctx context.Context, entity string) (int64, error) {
	return a.total, nil
}
func (a *slowStreamAdapter) ReadBatch(ctx context.Context, entity string, cursor engine.Cursor, limit int) ([]engine.Row, engine.Cursor, error) {
	if a.calls >= a.batches {
		return nil, nil, nil
	}
	time.Sleep(a.delay)
	a.calls++
	return []engine.Row{{"id": a.calls}}, a.calls, nil
}
func (a *slowStreamAdapter) EnsureSchema(ctx context.Context, schema, charset string) (bool, error) {
	return false, nil
}
func (a *slowStreamAdapter) CreateLike(ctx context.Context, source engine.Adapter, sourceEntity, targetEntity string) (bool, error) {
	return false, nil
}
func (a *slowStreamAdapter) Truncate(ctx context.Context, entity string) error { return nil }
func (a *slowStreamAdapter) Drop(ctx context.Context, entity string) error    { return nil }
func (a *slowStreamAdapter) WriteBatch(ctx context.Context, entity string, rows []engine.Row) error {
	return nil
}
func (a *slowStreamAdapter) GetSchemaCharset(ctx context.Context, schema string) (string, error) {
	return "", nil
}
func (a *slowStreamAdapter) EncodeCursor(cursor engine.Cursor) string { return "" }
func (a *slowStreamAdapter) DecodeCursor(token string) (engine.Cursor, error) {
	return nil, nil
}

var _ engine.Adapter = (*slowStreamAdapter)(nil)

func TestController_PauseStopsMidStreamAndClearsIsRunning(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineDOC, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	source := &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}
	target := &model.DataSource{ID: "d", Engine: model.EngineDOC, Host: "h"}
	configs := []*model.TaskUnitConfig{{ID: "c1", TaskID: "t1", UnitName: "tgt.t", UnitType: model.UnitTable}}

	taskRepo := newFakeTaskRepo(task)
	dsRepo := &fakeDataSourceRepo{sources: map[string]*model.DataSource{"s": source, "d": target}}
	unitRepo := &fakeUnitConfigRepo{configs: map[string][]*model.TaskUnitConfig{"t1": configs}}
	checkpoint := newFakeCheckpointStore()
	publisher := &recordingPublisher{}
	streamAdapter := &slowStreamAdapter{total: 50, batches: 50, delay: 20 * time.Millisecond}
	registry := engine.Registry{
		model.EngineSQL: func() engine.Adapter { return streamAdapter },
		model.EngineDOC: func() engine.Adapter { return &trackingAdapter{} },
	}
	c := NewController(taskRepo, dsRepo, unitRepo, checkpoint, registry, publisher, logbuffer.New(0))

	require.NoError(t, c.Start(context.Background(), "t1"))
	time.Sleep(60 * time.Millisecond) // let a few batches land before pausing

	require.NoError(t, c.Pause(context.Background(), "t1"))

	final, _ := taskRepo.FindByID(context.Background(), "t1")
	assert.False(t, final.IsRunning)

	units, _ := checkpoint.ListAll(context.Background(), "t1")
	require.Len(t, units, 1)
	assert.Equal(t, model.UnitPaused, units[0].Status)
	assert.Less(t, units[0].ProcessedRecords, int64(50))
}

func TestController_PauseRejectsWhenNotRunning(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	source := &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}
	target := &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}
	c, _, _, _ := newTestController(task, source, target, nil)

	err := c.Pause(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestController_StopResetsAllRuntimesRegardlessOfStatus(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	c, taskRepo, checkpoint, _ := newTestController(task, &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}, &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}, nil)

	checkpoint.units["t1"] = []*model.TaskUnitRuntime{
		{ID: "u1", TaskID: "t1", UnitName: "tgt.a", Status: model.UnitCompleted, ProcessedRecords: 10, TotalRecords: 10},
		{ID: "u2", TaskID: "t1", UnitName: "tgt.b", Status: model.UnitFailed, ErrorMessage: "boom"},
	}
	taskRepo.tasks["t1"].IsRunning = true

	require.NoError(t, c.Stop(context.Background(), "t1"))

	units, _ := checkpoint.ListAll(context.Background(), "t1")
	for _, u := range units {
		assert.Equal(t, model.UnitPending, u.Status)
		assert.Equal(t, int64(0), u.ProcessedRecords)
	}
	final, _ := taskRepo.FindByID(context.Background(), "t1")
	assert.False(t, final.IsRunning)
}

func TestController_ResetUnitRejectsWhenOwnedByLiveExecution(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	c, _, checkpoint, _ := newTestController(task, &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}, &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}, nil)

	checkpoint.units["t1"] = []*model.TaskUnitRuntime{
		{ID: "u1", TaskID: "t1", UnitName: "tgt.a", Status: model.UnitRunning},
	}
	c.mu.Lock()
	c.executions["t1"] = &execution{cancel: make(chan struct{}), done: make(chan struct{})}
	c.mu.Unlock()

	err := c.ResetUnit(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrOwnedByWorker)
}

func TestController_ResetUnitSucceedsWhenNoLiveExecution(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	c, _, checkpoint, _ := newTestController(task, &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}, &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}, nil)

	checkpoint.units["t1"] = []*model.TaskUnitRuntime{
		{ID: "u1", TaskID: "t1", UnitName: "tgt.a", Status: model.UnitFailed, ErrorMessage: "boom"},
	}

	require.NoError(t, c.ResetUnit(context.Background(), "u1"))

	r, _ := checkpoint.FindByID(context.Background(), "u1")
	assert.Equal(t, model.UnitPending, r.Status)
	assert.Empty(t, r.ErrorMessage)
}

func TestController_ResetFailedCountsAndResetsOnlyFailedUnits(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	c, _, checkpoint, _ := newTestController(task, &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}, &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}, nil)

	checkpoint.units["t1"] = []*model.TaskUnitRuntime{
		{ID: "u1", TaskID: "t1", UnitName: "tgt.a", Status: model.UnitFailed},
		{ID: "u2", TaskID: "t1", UnitName: "tgt.b", Status: model.UnitCompleted},
	}

	count, err := c.ResetFailed(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	units, _ := checkpoint.ListAll(context.Background(), "t1")
	for _, u := range units {
		if u.ID == "u1" {
			assert.Equal(t, model.UnitPending, u.Status)
		}
		if u.ID == "u2" {
			assert.Equal(t, model.UnitCompleted, u.Status)
		}
	}
}

func TestController_GetTaskUnitsSplitsActiveAndCompleted(t *testing.T) {
	task := &model.Task{ID: "t1", SourceID: "s", TargetID: "d", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL, Status: model.TaskConfigured, ConfigBlob: testConfigBlob()}
	c, _, checkpoint, _ := newTestController(task, &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"}, &model.DataSource{ID: "d", Engine: model.EngineSQL, Host: "h"}, nil)

	checkpoint.units["t1"] = []*model.TaskUnitRuntime{
		{ID: "u1", TaskID: "t1", UnitName: "tgt.a", Status: model.UnitCompleted},
		{ID: "u2", TaskID: "t1", UnitName: "tgt.b", Status: model.UnitRunning},
		{ID: "u3", TaskID: "t1", UnitName: "tgt.c", Status: model.UnitPending},
	}

	view, err := c.GetTaskUnits(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, view.Completed, 1)
	assert.Len(t, view.Active, 2)
}
