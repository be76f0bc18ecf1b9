package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTask() *types.Task {
	return &types.Task{
		ID:          uuid.New().String(),
		Description: "build user authentication",
		State:       types.TaskStatePending,
		Config:      &types.TaskConfig{CheckpointFrequency: types.CheckpointFrequencyLow},
		CreatedAt:   time.Now().UTC(),
	}
}

func TestTaskCRUD(t *testing.T) {
	store := newTestStore(t)

	task := newTask()
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, types.TaskStatePending, got.State)

	_, err = store.GetTask("missing")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	store := newTestStore(t)

	task := newTask()
	require.NoError(t, store.CreateTask(task))

	// First writer wins and bumps the version
	a, err := store.GetTask(task.ID)
	require.NoError(t, err)
	b, err := store.GetTask(task.ID)
	require.NoError(t, err)

	a.State = types.TaskStateInitializing
	require.NoError(t, store.UpdateTask(a))
	assert.Equal(t, uint64(1), a.Version)

	// Second writer holds a stale version
	b.State = types.TaskStateRunning
	err = store.UpdateTask(b)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestMutateTaskRetriesConflicts(t *testing.T) {
	store := newTestStore(t)

	task := newTask()
	require.NoError(t, store.CreateTask(task))

	calls := 0
	updated, err := store.MutateTask(task.ID, func(tk *types.Task) error {
		calls++
		if calls == 1 {
			// Interleave a competing write to force one CAS conflict
			other, err := store.GetTask(task.ID)
			require.NoError(t, err)
			other.Progress = 10
			require.NoError(t, store.UpdateTask(other))
		}
		tk.State = types.TaskStateRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.TaskStateRunning, updated.State)
	assert.Equal(t, 10, updated.Progress)
}

func TestPutSubtasksBatch(t *testing.T) {
	store := newTestStore(t)

	task := newTask()
	require.NoError(t, store.CreateTask(task))

	var batch []*types.Subtask
	for i := 0; i < 3; i++ {
		batch = append(batch, &types.Subtask{
			ID:     uuid.New().String(),
			TaskID: task.ID,
			Kind:   types.SubtaskKindWork,
			State:  types.SubtaskStatePending,
		})
	}
	require.NoError(t, store.PutSubtasks(batch))

	got, err := store.ListSubtasksByTask(task.ID)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	other, err := store.ListSubtasksByTask("other-task")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestListSubtasksByWorker(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateSubtask(&types.Subtask{
		ID: "s1", TaskID: "t1", AssignedWorker: "w1", State: types.SubtaskStateRunning,
	}))
	require.NoError(t, store.CreateSubtask(&types.Subtask{
		ID: "s2", TaskID: "t1", AssignedWorker: "w2", State: types.SubtaskStateRunning,
	}))

	got, err := store.ListSubtasksByWorker("w1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)
}

func TestPendingCheckpoint(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateCheckpoint(&types.Checkpoint{
		ID: "c1", TaskID: "t1", Status: types.CheckpointApproved,
	}))

	_, err := store.PendingCheckpoint("t1")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))

	require.NoError(t, store.CreateCheckpoint(&types.Checkpoint{
		ID: "c2", TaskID: "t1", Status: types.CheckpointPendingReview,
	}))

	got, err := store.PendingCheckpoint("t1")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ID)
}

func TestCreateCheckpointIfNonePending(t *testing.T) {
	store := newTestStore(t)

	first, created, err := store.CreateCheckpointIfNonePending(&types.Checkpoint{
		ID: "c1", TaskID: "t1", Status: types.CheckpointPendingReview,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c1", first.ID)

	// A second pending checkpoint for the same task loses to the first
	second, created, err := store.CreateCheckpointIfNonePending(&types.Checkpoint{
		ID: "c2", TaskID: "t1", Status: types.CheckpointPendingReview,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c1", second.ID)

	_, err = store.GetCheckpoint("c2")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))

	// Other tasks and decided checkpoints do not block creation
	first.Status = types.CheckpointApproved
	require.NoError(t, store.UpdateCheckpoint(first))
	_, created, err = store.CreateCheckpointIfNonePending(&types.Checkpoint{
		ID: "c3", TaskID: "t1", Status: types.CheckpointPendingReview,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDeleteTaskPurgesSubtree(t *testing.T) {
	store := newTestStore(t)

	task := newTask()
	require.NoError(t, store.CreateTask(task))
	require.NoError(t, store.CreateSubtask(&types.Subtask{ID: "s1", TaskID: task.ID}))
	require.NoError(t, store.CreateSubtask(&types.Subtask{ID: "s2", TaskID: "unrelated"}))

	require.NoError(t, store.DeleteTask(task.ID))

	_, err := store.GetTask(task.ID)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))

	_, err = store.GetSubtask("s1")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))

	_, err = store.GetSubtask("s2")
	assert.NoError(t, err)
}

func TestBreakerPassesThroughDomainErrors(t *testing.T) {
	store := NewBreakerStore(newTestStore(t))

	// Repeated not-found results must not trip the breaker
	for i := 0; i < 20; i++ {
		_, err := store.GetTask("missing")
		assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
	}

	task := newTask()
	require.NoError(t, store.CreateTask(task))
	_, err := store.GetTask(task.ID)
	assert.NoError(t, err)
}
