package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/flotilla/pkg/types"
)

func task(id string) types.ImageTask {
	return types.ImageTask{
		TaskID:   id,
		TaskType: types.TaskTypeYoloV5,
		Strategy: types.StrategyLoadBased,
	}
}

func TestPushPopOrder(t *testing.T) {
	m := NewManager()
	m.Push(task("a.png"), false)
	m.Push(task("b.png"), false)
	m.Push(task("c.png"), false)

	for _, want := range []string{"a.png", "b.png", "c.png"} {
		got, ok := m.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got.TaskID)
		assert.Equal(t, types.TaskPending, got.Status)
	}
}

func TestHighPriorityPushGoesFirst(t *testing.T) {
	m := NewManager()
	m.Push(task("a.png"), false)
	m.Push(task("b.png"), false)
	m.Push(task("retry.png"), true)

	got, ok := m.Pop()
	require.True(t, ok)
	assert.Equal(t, "retry.png", got.TaskID)
}

func TestPopReturnsFalseAfterClose(t *testing.T) {
	m := NewManager()

	done := make(chan bool)
	go func() {
		_, ok := m.Pop()
		done <- ok
	}()

	m.Close()
	assert.False(t, <-done)
}

func TestCompleteExactAndStemMatch(t *testing.T) {
	tests := []struct {
		name     string
		taskID   string
		reported string
		found    bool
	}{
		{name: "exact match", taskID: "img01.png", reported: "img01.png", found: true},
		{name: "stem match", taskID: "img01.png", reported: "img01", found: true},
		{name: "no match", taskID: "img01.png", reported: "img02", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			m.AddRunning("node-1", task(tt.taskID))

			got, ok := m.Complete(tt.reported)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.taskID, got.TaskID)
				assert.Equal(t, 0, m.RunningCount())
			} else {
				assert.Equal(t, 1, m.RunningCount())
			}
		})
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	m := NewManager()
	m.AddRunning("node-1", task("img01.png"))

	_, ok := m.Complete("img01.png")
	require.True(t, ok)

	_, ok = m.Complete("img01.png")
	assert.False(t, ok)
	assert.Equal(t, 0, m.RunningCount())
}

func TestRecoverPreservesOrderAndBumpsRetry(t *testing.T) {
	m := NewManager()
	m.Push(task("queued.png"), false)
	m.AddRunning("node-1", task("a.png"))
	m.AddRunning("node-1", task("b.png"))

	recovered := m.Recover("node-1")
	assert.Equal(t, 2, recovered)
	assert.Equal(t, 0, m.RunningCount())

	pending := m.PendingTasks()
	require.Len(t, pending, 3)
	assert.Equal(t, "a.png", pending[0].TaskID)
	assert.Equal(t, "b.png", pending[1].TaskID)
	assert.Equal(t, "queued.png", pending[2].TaskID)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, 1, pending[1].RetryCount)
	assert.Equal(t, types.TaskPending, pending[0].Status)
}

func TestRecoverUnknownNodeIsNoop(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.Recover("ghost"))
	assert.Equal(t, 0, m.PendingLen())
}

func TestRecoverParksExhaustedTasks(t *testing.T) {
	m := NewManager()
	exhausted := task("old.png")
	exhausted.RetryCount = MaxRetries
	m.AddRunning("node-1", exhausted)
	m.AddRunning("node-1", task("fresh.png"))

	recovered := m.Recover("node-1")
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, m.PendingLen())

	failed := m.FailedTasks()
	require.Len(t, failed, 1)
	assert.Equal(t, "old.png", failed[0].TaskID)
	assert.Equal(t, MaxRetries+1, failed[0].RetryCount)
}

type recordingSink struct {
	tasks []types.ImageTask
}

func (s *recordingSink) TaskFailed(task types.ImageTask) {
	s.tasks = append(s.tasks, task)
}

func TestFailureSinkIsNotified(t *testing.T) {
	m := NewManager()
	sink := &recordingSink{}
	m.SetFailureSink(sink)

	m.MoveToFailed(task("doomed.png"))

	require.Len(t, sink.tasks, 1)
	assert.Equal(t, "doomed.png", sink.tasks[0].TaskID)
}

func TestTaskLivesInExactlyOneContainer(t *testing.T) {
	m := NewManager()
	m.Push(task("a.png"), false)

	popped, ok := m.Pop()
	require.True(t, ok)
	assert.Equal(t, 0, m.PendingLen())

	m.AddRunning("node-1", popped)
	assert.Equal(t, 0, m.PendingLen())
	assert.Equal(t, 1, m.RunningCount())
	assert.Empty(t, m.FailedTasks())

	m.Recover("node-1")
	assert.Equal(t, 1, m.PendingLen())
	assert.Equal(t, 0, m.RunningCount())
	assert.Empty(t, m.FailedTasks())
}
