package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskUnitRuntime_StartThenComplete(t *testing.T) {
	r := NewPendingRuntime("r1", "t1", "public.orders")
	require.NoError(t, r.Start())
	assert.Equal(t, UnitRunning, r.Status)
	require.NotNil(t, r.StartedAt)

	r.SetTotal(3000)
	r.AdvanceProgress(1000, 1)
	r.AdvanceProgress(1000, 2)
	r.AdvanceProgress(1000, 3)
	assert.Equal(t, int64(3000), r.ProcessedRecords)

	r.Complete()
	assert.Equal(t, UnitCompleted, r.Status)
	assert.Equal(t, r.TotalRecords, r.ProcessedRecords)
}

func TestTaskUnitRuntime_ProgressNeverExceedsTotal(t *testing.T) {
	r := NewPendingRuntime("r1", "t1", "public.orders")
	require.NoError(t, r.Start())
	r.SetTotal(500)
	r.AdvanceProgress(1000, 1) // overshoot
	assert.Equal(t, r.TotalRecords, r.ProcessedRecords)
}

func TestTaskUnitRuntime_ZeroRowSourceCompletesWithoutBatches(t *testing.T) {
	r := NewPendingRuntime("r1", "t1", "public.empty")
	require.NoError(t, r.Start())
	r.SetTotal(0)
	r.Complete()
	assert.Equal(t, UnitCompleted, r.Status)
	assert.Equal(t, int64(0), r.ProcessedRecords)
}

func TestTaskUnitRuntime_Reset(t *testing.T) {
	r := NewPendingRuntime("r1", "t1", "public.orders")
	require.NoError(t, r.Start())
	r.SetTotal(100)
	r.AdvanceProgress(50, 1)
	r.Fail("boom")

	r.Reset()
	assert.Equal(t, UnitPending, r.Status)
	assert.Equal(t, int64(0), r.ProcessedRecords)
	assert.Equal(t, int64(0), r.TotalRecords)
	assert.Nil(t, r.StartedAt)
	assert.Empty(t, r.ErrorMessage)
}

func TestTaskUnitRuntime_CannotStartWhileRunning(t *testing.T) {
	r := NewPendingRuntime("r1", "t1", "public.orders")
	require.NoError(t, r.Start())
	assert.Error(t, r.Start())
}

func TestTaskUnitRuntime_Pause(t *testing.T) {
	r := NewPendingRuntime("r1", "t1", "public.orders")
	require.NoError(t, r.Start())
	r.Pause()
	assert.Equal(t, UnitPaused, r.Status)
	assert.Empty(t, r.ErrorMessage)
}

func TestTask_SourceTargetMustDiffer(t *testing.T) {
	task := &Task{ID: "t1", SourceID: "ds1", TargetID: "ds1", SourceKind: EngineSQL, TargetKind: EngineSQL}
	assert.Error(t, task.Validate())
}

func TestTask_TransitionTo(t *testing.T) {
	task := &Task{ID: "t1", SourceID: "ds1", TargetID: "ds2", SourceKind: EngineSQL, TargetKind: EngineSQL, Status: TaskConfigured}
	require.NoError(t, task.TransitionTo(TaskRunning))
	assert.Equal(t, TaskRunning, task.Status)
	assert.Error(t, task.TransitionTo(TaskConfigured+"_bogus"))
}

func TestTaskConfig_ValidateBounds(t *testing.T) {
	cfg := TaskConfig{BatchSize: 50, ThreadCount: 4, ErrorPolicy: PolicySkip, TargetExists: TargetAppend}
	assert.Error(t, cfg.Validate(), "batchSize below minimum must be rejected")

	cfg.BatchSize = 1000
	assert.NoError(t, cfg.Validate())

	cfg.ThreadCount = 64
	assert.Error(t, cfg.Validate(), "threadCount above maximum must be rejected")
}

func TestTaskConfig_FindMapping(t *testing.T) {
	cfg := TaskConfig{
		SelectedDatabases: []DatabaseSelection{
			{
				SourceSchema: "shop",
				TargetSchema: "shop_mirror",
				Tables: []TableMapping{
					{SourceName: "orders", TargetName: "orders"},
				},
			},
		},
	}

	srcSchema, srcEntity, tgtSchema, tgtEntity, ok := cfg.FindMapping("shop_mirror.orders")
	require.True(t, ok)
	assert.Equal(t, "shop", srcSchema)
	assert.Equal(t, "orders", srcEntity)
	assert.Equal(t, "shop_mirror", tgtSchema)
	assert.Equal(t, "orders", tgtEntity)

	_, _, _, _, ok = cfg.FindMapping("shop_mirror.missing")
	assert.False(t, ok)
}
