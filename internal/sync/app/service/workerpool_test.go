package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/logbuffer"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	domainservice "github.com/datatrac/datatrac-sync/internal/sync/domain/service"
)

// trackingAdapter is a minimal engine.Adapter double used to observe how
// many units a workerPool runs concurrently. CountRows blocks on release
// so a test can pin a goroutine mid-unit before letting it proceed.
type trackingAdapter struct {
	mu        sync.Mutex
	active    int
	maxActive int
	release   chan struct{}
}

func (a *trackingAdapter) Open(ctx context.Context, ds *model.DataSource) error { return nil }
func (a *trackingAdapter) Close() error                                        { return nil }

func (a *trackingAdapter) CountRows(ctx context.Context, entity string) (int64, error) {
	a.mu.Lock()
	a.active++
	if a.active > a.maxActive {
		a.maxActive = a.active
	}
	a.mu.Unlock()

	if a.release != nil {
		<-a.release
	}

	a.mu.Lock()
	a.active--
	a.mu.Unlock()
	return 0, nil
}

func (a *trackingAdapter) ReadBatch(ctx context.Context, entity string, cursor engine.Cursor, limit int) ([]engine.Row, engine.Cursor, error) {
	return nil, nil, nil
}
func (a *trackingAdapter) EnsureSchema(ctx context.Context, schema, charset string) (bool, error) {
	return false, nil
}
func (a *trackingAdapter) CreateLike(ctx context.Context, source engine.Adapter, sourceEntity, targetEntity string) (bool, error) {
	return false, nil
}
func (a *trackingAdapter) Truncate(ctx context.Context, entity string) error { return nil }
func (a *trackingAdapter) Drop(ctx context.Context, entity string) error    { return nil }
func (a *trackingAdapter) WriteBatch(ctx context.Context, entity string, rows []engine.Row) error {
	return nil
}
func (a *trackingAdapter) GetSchemaCharset(ctx context.Context, schema string) (string, error) {
	return "", nil
}
func (a *trackingAdapter) EncodeCursor(cursor engine.Cursor) string { return "" }
func (a *trackingAdapter) DecodeCursor(token string) (engine.Cursor, error) {
	return nil, nil
}

var _ engine.Adapter = (*trackingAdapter)(nil)

// noopCheckpoint satisfies repository.CheckpointStore with no-op success
// responses; the worker pool tests care about scheduling, not persistence.
type noopCheckpoint struct{}

func (noopCheckpoint) MaterializeRuntimes(ctx context.Context, taskID string, configs []*model.TaskUnitConfig) error {
	return nil
}
func (noopCheckpoint) ResetRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	return nil
}
func (noopCheckpoint) ReactivateRuntimes(ctx context.Context, taskID string, fromStatuses []model.UnitStatus) error {
	return nil
}
func (noopCheckpoint) ListPending(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (noopCheckpoint) ListAll(ctx context.Context, taskID string) ([]*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (noopCheckpoint) FindByUnitName(ctx context.Context, taskID, unitName string) (*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (noopCheckpoint) FindByID(ctx context.Context, unitID string) (*model.TaskUnitRuntime, error) {
	return nil, nil
}
func (noopCheckpoint) UpdateUnit(ctx context.Context, runtime *model.TaskUnitRuntime) error {
	return nil
}
func (noopCheckpoint) RecordHistory(ctx context.Context, row *model.TaskUnitHistory) error {
	return nil
}
func (noopCheckpoint) ClearHistoryByPattern(ctx context.Context, taskID, pattern string) (int, error) {
	return 0, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(taskID string, kind model.EventKind, payload interface{}) {}
func (noopPublisher) HasSubscribers(taskID string) bool                               { return false }

func testTaskConfig() *model.TaskConfig {
	return &model.TaskConfig{
		BatchSize:    100,
		ThreadCount:  1,
		ErrorPolicy:  model.PolicySkip,
		TargetExists: model.TargetAppend,
		SelectedDatabases: []model.DatabaseSelection{
			{TargetSchema: "tgt", SourceSchema: "src", Tables: []model.TableMapping{{SourceName: "t", TargetName: "t"}}},
		},
	}
}

func TestWorkerPool_RunDrainsQueueAndInvokesOnDone(t *testing.T) {
	adapter := &trackingAdapter{}
	pipeline := &domainservice.Pipeline{
		Adapters:   engine.Registry{model.EngineSQL: func() engine.Adapter { return adapter }},
		Checkpoint: noopCheckpoint{},
		Publisher:  noopPublisher{},
		Logs:       logbuffer.New(0),
	}
	wp := &workerPool{pipeline: pipeline, concurrency: 3}

	const unitCount = 8
	var mu sync.Mutex
	var done []*model.TaskUnitRuntime

	queue := make(chan job, unitCount)
	task := &model.Task{ID: "task1", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL}
	cfg := testTaskConfig()
	for i := 0; i < unitCount; i++ {
		runtime := model.NewPendingRuntime("u", "task1", "tgt.t")
		queue <- job{
			task:    task,
			config:  cfg,
			runtime: runtime,
			source:  &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"},
			target:  &model.DataSource{ID: "t", Engine: model.EngineSQL, Host: "h"},
			onDone: func(r *model.TaskUnitRuntime) {
				mu.Lock()
				done = append(done, r)
				mu.Unlock()
			},
			onStorageFailure: func(r *model.TaskUnitRuntime, err error) {
				t.Errorf("unexpected storage failure: %v", err)
			},
		}
	}
	close(queue)

	wp.run(context.Background(), queue, make(chan struct{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, done, unitCount)
	for _, r := range done {
		assert.Equal(t, model.UnitCompleted, r.Status)
	}
}

func TestWorkerPool_NeverExceedsConfiguredConcurrency(t *testing.T) {
	const concurrency = 2
	adapter := &trackingAdapter{release: make(chan struct{})}
	pipeline := &domainservice.Pipeline{
		Adapters:   engine.Registry{model.EngineSQL: func() engine.Adapter { return adapter }},
		Checkpoint: noopCheckpoint{},
		Publisher:  noopPublisher{},
		Logs:       logbuffer.New(0),
	}
	wp := &workerPool{pipeline: pipeline, concurrency: concurrency}

	const unitCount = 6
	queue := make(chan job, unitCount)
	task := &model.Task{ID: "task1", SourceKind: model.EngineSQL, TargetKind: model.EngineSQL}
	cfg := testTaskConfig()
	var doneCount int
	var mu sync.Mutex
	for i := 0; i < unitCount; i++ {
		runtime := model.NewPendingRuntime("u", "task1", "tgt.t")
		queue <- job{
			task:    task,
			config:  cfg,
			runtime: runtime,
			source:  &model.DataSource{ID: "s", Engine: model.EngineSQL, Host: "h"},
			target:  &model.DataSource{ID: "t", Engine: model.EngineSQL, Host: "h"},
			onDone: func(r *model.TaskUnitRuntime) {
				mu.Lock()
				doneCount++
				mu.Unlock()
			},
			onStorageFailure: func(r *model.TaskUnitRuntime, err error) {},
		}
	}
	close(queue)

	finished := make(chan struct{})
	go func() {
		wp.run(context.Background(), queue, make(chan struct{}))
		close(finished)
	}()

	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.active == concurrency
	}, time.Second, time.Millisecond)

	adapter.mu.Lock()
	assert.LessOrEqual(t, adapter.active, concurrency)
	adapter.mu.Unlock()

	close(adapter.release)
	<-finished

	assert.Equal(t, unitCount, doneCount)
	assert.LessOrEqual(t, adapter.maxActive, concurrency)
}
