package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/decompose"
	"github.com/loomctl/loom/pkg/evaluate"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/scheduler"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

type dispatched struct {
	workerID  string
	subtaskID string
	attempt   int
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatches []dispatched
	cancels    []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, workerID string, sub *types.Subtask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatches = append(d.dispatches, dispatched{workerID, sub.ID, sub.Attempt})
	return nil
}

func (d *fakeDispatcher) Cancel(_ context.Context, _, subtaskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels = append(d.cancels, subtaskID)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatches)
}

func (d *fakeDispatcher) last() dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatches[len(d.dispatches)-1]
}

func (d *fakeDispatcher) find(subtaskID string) (dispatched, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range d.dispatches {
		if item.subtaskID == subtaskID {
			return item, true
		}
	}
	return dispatched{}, false
}

type env struct {
	cfg        *config.Config
	store      storage.Store
	broker     *events.Broker
	reg        *registry.Registry
	sched      *scheduler.Scheduler
	dispatcher *fakeDispatcher
	orch       *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 40 * time.Millisecond
	cfg.DispatchAckTimeout = time.Second
	cfg.EvaluatorTimeout = time.Second

	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker(cfg.EventReplaySize)
	broker.Start()
	t.Cleanup(broker.Stop)

	reg := registry.New(store, broker, cfg.HeartbeatLossWindow, 3)
	d := &fakeDispatcher{}
	sched := scheduler.New(store, reg, d, broker, scheduler.Config{
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		RetryMaxAttempts:   cfg.RetryMaxAttempts,
		DispatchAckTimeout: cfg.DispatchAckTimeout,
		SubtaskTimeout:     cfg.SubtaskTimeout,
	})
	reg.SetAvailableHook(sched.Kick)
	reg.SetOfflineHook(sched.OnWorkerLost)

	evaluator, err := evaluate.NewDefault(cfg.EvaluatorWeights, cfg.EvaluatorTimeout)
	require.NoError(t, err)

	orch := New(cfg, store, broker, reg, sched, decompose.New(nil, time.Second), evaluator)
	orch.Start()
	sched.Start()
	t.Cleanup(sched.Stop)
	t.Cleanup(orch.Stop)

	return &env{cfg: cfg, store: store, broker: broker, reg: reg, sched: sched, dispatcher: d, orch: orch}
}

func (e *env) addWorker(t *testing.T, id string, tools ...string) {
	t.Helper()
	_, err := e.reg.Register(registry.Registration{
		ID:        id,
		Tools:     tools,
		Resources: &types.WorkerResources{CPUPercent: 10, MemPercent: 10, DiskPercent: 10},
	})
	require.NoError(t, err)
}

func (e *env) waitDispatches(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.dispatcher.count() >= n },
		2*time.Second, 5*time.Millisecond)
}

func (e *env) waitTaskState(t *testing.T, id string, state types.TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := e.store.GetTask(id)
		return err == nil && task.State == state
	}, 2*time.Second, 5*time.Millisecond)
}

func goodOutput() *types.SubtaskOutput {
	return &types.SubtaskOutput{
		Files: []types.OutputFile{
			{Path: "pkg/feature.go", Content: "package feature\n\nfunc Do() {}\n"},
			{Path: "pkg/feature_test.go", Content: "package feature\n\nfunc TestDo(t *testing.T) {}\n"},
		},
		Text: "implemented the feature with tests",
	}
}

func verdictOutput(body string) *types.SubtaskOutput {
	return &types.SubtaskOutput{Text: body}
}

func TestSubmitTaskValidation(t *testing.T) {
	e := newEnv(t)

	_, err := e.orch.SubmitTask(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.KindValidation, apierr.KindOf(err))

	_, err = e.orch.SubmitTask(context.Background(), "do something",
		&types.TaskConfig{CheckpointFrequency: "hourly"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindValidation, apierr.KindOf(err))
}

func TestSubmitTaskDefaultsAndAdmission(t *testing.T) {
	e := newEnv(t)

	task, err := e.orch.SubmitTask(context.Background(), "tidy up the build scripts", nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePending, task.State)
	assert.Equal(t, types.CheckpointFrequencyMedium, task.Config.CheckpointFrequency)
	assert.Equal(t, types.PrivacyNormal, task.Config.Privacy)

	e.waitTaskState(t, task.ID, types.TaskStateRunning)

	subs, err := e.store.ListSubtasksByTask(task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, subs)
	for _, s := range subs {
		assert.Equal(t, types.SubtaskKindWork, s.Kind)
	}
}

// A single-subtask task: completion scores it, spawns a peer review, and the
// medium frequency policy parks the task at a checkpoint. Approving resumes
// the review, whose accepting verdict completes the task.
func TestLifecycleReviewAccept(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", "claude-code")
	e.addWorker(t, "w2", "claude-code")

	task, err := e.orch.SubmitTask(context.Background(), "do the thing", nil)
	require.NoError(t, err)
	e.waitTaskState(t, task.ID, types.TaskStateRunning)
	e.waitDispatches(t, 1)

	work := e.dispatcher.last()
	assert.Equal(t, "w1", work.workerID)
	require.NoError(t, e.orch.HandleTaskResult(work.subtaskID, work.attempt, true, goodOutput(), "", false))

	// Evaluation scored it; the frequency policy raised a checkpoint
	scored, err := e.store.GetSubtask(work.subtaskID)
	require.NoError(t, err)
	require.NotNil(t, scored.Score)
	assert.InDelta(t, 10, *scored.Score, 0.01)

	ckpt, err := e.store.PendingCheckpoint(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerFrequency, ckpt.Trigger)
	e.waitTaskState(t, task.ID, types.TaskStateCheckpointPending)

	_, err = e.orch.ApproveCheckpoint(ckpt.ID, true, "looks fine")
	require.NoError(t, err)

	// The review subtask goes to the other worker
	e.waitDispatches(t, 2)
	rev := e.dispatcher.last()
	assert.Equal(t, "w2", rev.workerID)

	require.NoError(t, e.orch.HandleTaskResult(rev.subtaskID, rev.attempt, true,
		verdictOutput(`{"score": 9, "issues": [], "auto_fix_feasible": false}`), "", false))

	e.waitTaskState(t, task.ID, types.TaskStateCompleted)
	done, err := e.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)

	reviews, err := e.store.ListReviewsBySubtask(work.subtaskID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, types.ReviewApproved, reviews[0].Decision)
}

// A revision verdict spawns a correction routed back to the author, whose
// output supersedes the original and re-enters review.
func TestReviewCorrectionLoop(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", "claude-code")
	e.addWorker(t, "w2", "claude-code")

	task, err := e.orch.SubmitTask(context.Background(), "do the other thing", nil)
	require.NoError(t, err)
	e.waitTaskState(t, task.ID, types.TaskStateRunning)
	e.waitDispatches(t, 1)

	work := e.dispatcher.last()
	require.NoError(t, e.orch.HandleTaskResult(work.subtaskID, work.attempt, true, goodOutput(), "", false))

	ckpt, err := e.store.PendingCheckpoint(task.ID)
	require.NoError(t, err)
	_, err = e.orch.ApproveCheckpoint(ckpt.ID, true, "")
	require.NoError(t, err)

	e.waitDispatches(t, 2)
	rev := e.dispatcher.last()
	assert.Equal(t, "w2", rev.workerID)
	require.NoError(t, e.orch.HandleTaskResult(rev.subtaskID, rev.attempt, true,
		verdictOutput(`{"score": 6.5, "issues": [{"severity": "medium", "description": "missing edge case"}], "auto_fix_feasible": true, "suggested_fix": "handle the empty input case"}`), "", false))

	// Correction goes back to the author
	e.waitDispatches(t, 3)
	corr := e.dispatcher.last()
	assert.Equal(t, "w1", corr.workerID)
	require.NoError(t, e.orch.HandleTaskResult(corr.subtaskID, corr.attempt, true, goodOutput(), "", false))

	original, err := e.store.GetSubtask(work.subtaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, original.ReviewCycles)
	require.NotNil(t, original.Output)
	assert.Equal(t, "implemented the feature with tests", original.Output.Text)

	// The corrected output is reviewed again and accepted
	e.waitDispatches(t, 4)
	rev2 := e.dispatcher.last()
	assert.Equal(t, "w2", rev2.workerID)
	require.NoError(t, e.orch.HandleTaskResult(rev2.subtaskID, rev2.attempt, true,
		verdictOutput(`{"score": 9, "issues": [], "auto_fix_feasible": false}`), "", false))

	e.waitTaskState(t, task.ID, types.TaskStateCompleted)

	reviews, err := e.store.ListReviewsBySubtask(work.subtaskID)
	require.NoError(t, err)
	assert.Len(t, reviews, 2)
}

func TestWorkAtCycleCeilingEscalates(t *testing.T) {
	e := newEnv(t)

	task := &types.Task{ID: "t1", State: types.TaskStateRunning,
		Config: &types.TaskConfig{CheckpointFrequency: types.CheckpointFrequencyLow}}
	require.NoError(t, e.store.CreateTask(task))
	sub := &types.Subtask{
		ID: "s1", TaskID: "t1", Kind: types.SubtaskKindWork,
		State: types.SubtaskStateCompleted, Complexity: 3,
		ReviewCycles: e.cfg.PeerReviewMaxCycles, Output: goodOutput(),
	}
	require.NoError(t, e.store.CreateSubtask(sub))

	e.orch.handleWorkCompleted(sub)

	ckpt, err := e.store.PendingCheckpoint("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TriggerReviewEscalation, ckpt.Trigger)

	got, err := e.store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCheckpointPending, got.State)
}

func TestLowScoreRaisesCheckpoint(t *testing.T) {
	e := newEnv(t)

	task := &types.Task{ID: "t1", State: types.TaskStateRunning,
		Config: &types.TaskConfig{CheckpointFrequency: types.CheckpointFrequencyLow}}
	require.NoError(t, e.store.CreateTask(task))
	sub := &types.Subtask{
		ID: "s1", TaskID: "t1", Kind: types.SubtaskKindWork,
		State: types.SubtaskStateCompleted, Complexity: 2,
		Output: &types.SubtaskOutput{},
	}
	require.NoError(t, e.store.CreateSubtask(sub))

	e.orch.handleWorkCompleted(sub)

	ckpt, err := e.store.PendingCheckpoint("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TriggerLowScore, ckpt.Trigger)
	require.NotNil(t, ckpt.Snapshot)
	assert.NotEmpty(t, ckpt.Snapshot.Issues)
}

func TestRejectCheckpointFailsTask(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", "claude-code")

	task, err := e.orch.SubmitTask(context.Background(), "one more thing", nil)
	require.NoError(t, err)
	e.waitDispatches(t, 1)

	work := e.dispatcher.last()
	require.NoError(t, e.orch.HandleTaskResult(work.subtaskID, work.attempt, true, goodOutput(), "", false))

	ckpt, err := e.store.PendingCheckpoint(task.ID)
	require.NoError(t, err)
	_, err = e.orch.ApproveCheckpoint(ckpt.ID, false, "wrong direction")
	require.NoError(t, err)

	e.waitTaskState(t, task.ID, types.TaskStateFailed)
}

func TestSubmitCorrectionFromCheckpoint(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", "claude-code")

	task, err := e.orch.SubmitTask(context.Background(), "yet another thing", nil)
	require.NoError(t, err)
	e.waitDispatches(t, 1)

	work := e.dispatcher.last()
	require.NoError(t, e.orch.HandleTaskResult(work.subtaskID, work.attempt, true, goodOutput(), "", false))

	ckpt, err := e.store.PendingCheckpoint(task.ID)
	require.NoError(t, err)

	corr, err := e.orch.SubmitCorrection(ckpt.ID, work.subtaskID, types.CorrectionBug, "the parser drops the last record")
	require.NoError(t, err)
	assert.Equal(t, types.CorrectionPending, corr.Result)
	e.waitTaskState(t, task.ID, types.TaskStateRunning)

	subs, err := e.store.ListSubtasksByTask(task.ID)
	require.NoError(t, err)
	var corrSubID string
	for _, s := range subs {
		if s.Kind == types.SubtaskKindCorrection {
			corrSubID = s.ID
		}
	}
	require.NotEmpty(t, corrSubID)

	// The correction subtask goes to the original author
	var corrSub dispatched
	require.Eventually(t, func() bool {
		var ok bool
		corrSub, ok = e.dispatcher.find(corrSubID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "w1", corrSub.workerID)
	require.NoError(t, e.orch.HandleTaskResult(corrSub.subtaskID, corrSub.attempt, true, goodOutput(), "", false))

	got, err := e.store.GetCorrection(corr.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CorrectionSuccess, got.Result)
}

func TestCancelTaskIdempotent(t *testing.T) {
	e := newEnv(t)

	task, err := e.orch.SubmitTask(context.Background(), "cancel me", nil)
	require.NoError(t, err)
	e.waitTaskState(t, task.ID, types.TaskStateRunning)

	first, err := e.orch.CancelTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, first.State)

	second, err := e.orch.CancelTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCancelled, second.State)
}

func TestCancelCompletedTaskConflicts(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.CreateTask(&types.Task{
		ID: "t1", State: types.TaskStateCompleted, Config: &types.TaskConfig{},
	}))

	_, err := e.orch.CancelTask(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, apierr.KindConflict, apierr.KindOf(err))
}

func TestHandleTaskResultDropsStaleAttempt(t *testing.T) {
	e := newEnv(t)
	e.addWorker(t, "w1", "claude-code")

	_, err := e.orch.SubmitTask(context.Background(), "stale results", nil)
	require.NoError(t, err)
	e.waitDispatches(t, 1)

	work := e.dispatcher.last()
	require.NoError(t, e.orch.HandleTaskResult(work.subtaskID, work.attempt+1, true, goodOutput(), "", false))

	sub, err := e.store.GetSubtask(work.subtaskID)
	require.NoError(t, err)
	assert.Equal(t, types.SubtaskStateRunning, sub.State)

	// The real attempt still lands, and a duplicate of it is ignored
	require.NoError(t, e.orch.HandleTaskResult(work.subtaskID, work.attempt, true, goodOutput(), "", false))
	require.NoError(t, e.orch.HandleTaskResult(work.subtaskID, work.attempt, true, goodOutput(), "", false))
	sub, err = e.store.GetSubtask(work.subtaskID)
	require.NoError(t, err)
	assert.Equal(t, types.SubtaskStateCompleted, sub.State)
}

func TestGetTaskDetail(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.store.CreateTask(&types.Task{
		ID: "t1", State: types.TaskStateRunning, Config: &types.TaskConfig{},
	}))
	s1, s2 := 8.0, 6.0
	require.NoError(t, e.store.CreateSubtask(&types.Subtask{
		ID: "s1", TaskID: "t1", Kind: types.SubtaskKindWork, Score: &s1,
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}))
	require.NoError(t, e.store.CreateSubtask(&types.Subtask{
		ID: "s2", TaskID: "t1", Kind: types.SubtaskKindWork, Score: &s2,
		CreatedAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, e.store.CreateSubtask(&types.Subtask{
		ID: "s3", TaskID: "t1", Kind: types.SubtaskKindReview, CreatedAt: time.Now(),
	}))
	require.NoError(t, e.store.CreateCheckpoint(&types.Checkpoint{
		ID: "c1", TaskID: "t1", Status: types.CheckpointApproved,
		CreatedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, e.store.CreateCheckpoint(&types.Checkpoint{
		ID: "c2", TaskID: "t1", Status: types.CheckpointPendingReview,
		CreatedAt: time.Now(),
	}))

	detail, err := e.orch.GetTask("t1")
	require.NoError(t, err)
	assert.Len(t, detail.Subtasks, 3)
	assert.Equal(t, "s1", detail.Subtasks[0].ID)
	assert.InDelta(t, 7.0, detail.AggregateScore, 0.01)
	require.NotNil(t, detail.Checkpoint)
	assert.Equal(t, "c2", detail.Checkpoint.ID)
}

func TestListTasksFilterAndPaging(t *testing.T) {
	e := newEnv(t)
	base := time.Now()
	states := []types.TaskState{
		types.TaskStateRunning, types.TaskStateRunning,
		types.TaskStateCompleted, types.TaskStateRunning,
	}
	for i, st := range states {
		require.NoError(t, e.store.CreateTask(&types.Task{
			ID: "t" + string(rune('1'+i)), State: st, Config: &types.TaskConfig{},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	running, total, err := e.orch.ListTasks(ListFilter{State: types.TaskStateRunning})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, running, 3)
	assert.Equal(t, "t4", running[0].ID)

	page, total, err := e.orch.ListTasks(ListFilter{State: types.TaskStateRunning, Page: 2, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "t1", page[0].ID)
}
