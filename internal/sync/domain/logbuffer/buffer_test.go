package logbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

func entry(msg string) model.LogEntry {
	return model.NewLogEntry(model.LogInfo, model.CategorySync, "unit-a", msg)
}

func TestBuffer_AppendAndRecentRoundTrip(t *testing.T) {
	b := New(10)
	b.Append("t1", entry("one"))
	b.Append("t1", entry("two"))

	got := b.Recent("t1", 10)
	assert.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, "two", got[1].Message)
}

func TestBuffer_RecentUnknownTaskReturnsNil(t *testing.T) {
	b := New(10)
	assert.Nil(t, b.Recent("ghost", 10))
}

func TestBuffer_RecentWithNonPositiveLimitReturnsEverything(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		b.Append("t1", entry("m"))
	}
	assert.Len(t, b.Recent("t1", 0), 5)
	assert.Len(t, b.Recent("t1", -1), 5)
}

func TestBuffer_OverwritesOldestOnceCapacityExceeded(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Append("t1", entry(string(rune('a' + i))))
	}

	got := b.Recent("t1", 10)
	assert.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Message)
	assert.Equal(t, "d", got[1].Message)
	assert.Equal(t, "e", got[2].Message)
}

func TestBuffer_RecentLimitReturnsMostRecentOldestFirst(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		b.Append("t1", entry(string(rune('a' + i))))
	}

	got := b.Recent("t1", 2)
	assert.Len(t, got, 2)
	assert.Equal(t, "d", got[0].Message)
	assert.Equal(t, "e", got[1].Message)
}

func TestBuffer_NewWithNonPositiveCapacityUsesDefault(t *testing.T) {
	b := New(0)
	assert.Equal(t, DefaultCapacity, b.capacity)

	b2 := New(-5)
	assert.Equal(t, DefaultCapacity, b2.capacity)
}

func TestBuffer_TasksAreIndependent(t *testing.T) {
	b := New(10)
	b.Append("t1", entry("from-t1"))
	b.Append("t2", entry("from-t2"))

	assert.Len(t, b.Recent("t1", 10), 1)
	assert.Len(t, b.Recent("t2", 10), 1)
	assert.Equal(t, "from-t1", b.Recent("t1", 10)[0].Message)
}
