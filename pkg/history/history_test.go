package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/flotilla/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordCompleted(t *testing.T) {
	s := openStore(t)

	task := types.ImageTask{TaskID: "a.png", TaskType: types.TaskTypeYoloV5}
	require.NoError(t, s.RecordCompleted(task, "node-1"))
	require.NoError(t, s.RecordCompleted(types.ImageTask{TaskID: "b.png"}, "node-2"))

	records, err := s.Completed()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.png", records[0].Task.TaskID)
	assert.Equal(t, types.DeviceID("node-1"), records[0].DeviceID)
	assert.Equal(t, "b.png", records[1].Task.TaskID)
	assert.False(t, records[0].RecordedAt.IsZero())
}

func TestTaskFailedRecords(t *testing.T) {
	s := openStore(t)

	s.TaskFailed(types.ImageTask{TaskID: "doomed.png", RetryCount: 4})

	records, err := s.Failed()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "doomed.png", records[0].Task.TaskID)
	assert.Equal(t, 4, records[0].Task.RetryCount)

	completed, err := s.Completed()
	require.NoError(t, err)
	assert.Empty(t, completed)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.RecordCompleted(types.ImageTask{TaskID: "a.png"}, "node-1"))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	records, err := s.Completed()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.png", records[0].Task.TaskID)
}
