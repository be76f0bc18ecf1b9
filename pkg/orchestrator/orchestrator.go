package orchestrator

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/checkpoint"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/decompose"
	"github.com/loomctl/loom/pkg/evaluate"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/review"
	"github.com/loomctl/loom/pkg/scheduler"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

// TaskDetail is the full task view returned to API clients
type TaskDetail struct {
	Task           *types.Task       `json:"task"`
	Subtasks       []*types.Subtask  `json:"subtasks"`
	Checkpoint     *types.Checkpoint `json:"checkpoint,omitempty"`
	AggregateScore float64           `json:"aggregate_score"`
}

// ListFilter narrows and pages task listings
type ListFilter struct {
	State   types.TaskState
	Page    int
	PerPage int
}

// Orchestrator owns the task lifecycle: decomposition, scheduling,
// evaluation, peer review, checkpoints and completion.
type Orchestrator struct {
	cfg       *config.Config
	store     storage.Store
	broker    *events.Broker
	reg       *registry.Registry
	sched     *scheduler.Scheduler
	decomp    *decompose.Decomposer
	evaluator *evaluate.Pipeline
	reviews   *review.Controller
	ckpts     *checkpoint.Controller
	logger    zerolog.Logger

	mu sync.Mutex
	// drained marks tasks whose DAG finished while parked at a checkpoint
	drained map[string]bool
	// correctionBySubtask links correction subtasks to their audit record
	correctionBySubtask map[string]string

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New wires the orchestrator. Call Start to install scheduler hooks and
// begin background work.
func New(cfg *config.Config, store storage.Store, broker *events.Broker, reg *registry.Registry,
	sched *scheduler.Scheduler, decomp *decompose.Decomposer, evaluator *evaluate.Pipeline) *Orchestrator {
	return &Orchestrator{
		cfg:                 cfg,
		store:               store,
		broker:              broker,
		reg:                 reg,
		sched:               sched,
		decomp:              decomp,
		evaluator:           evaluator,
		reviews:             review.NewController(cfg.PeerReviewMaxCycles, cfg.AutoFixScoreFloor),
		ckpts:               checkpoint.New(store, broker),
		logger:              log.WithComponent("orchestrator"),
		drained:             make(map[string]bool),
		correctionBySubtask: make(map[string]string),
		stopCh:              make(chan struct{}),
	}
}

// Start installs the scheduler hooks and launches the gauge refresher
func (o *Orchestrator) Start() {
	o.sched.SetHooks(scheduler.Hooks{
		OnSubtaskCompleted: o.onSubtaskCompleted,
		OnTaskDrained:      o.onTaskDrained,
		OnTaskFailed:       o.failTask,
	})
	go o.gaugeLoop()
}

// Stop halts background work
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// SubmitTask validates and persists a new task, then decomposes and admits
// it in the background. The returned task is in state pending.
func (o *Orchestrator) SubmitTask(ctx context.Context, description string, cfg *types.TaskConfig) (*types.Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, apierr.Validation("description_required", "task description must not be empty")
	}
	if cfg == nil {
		cfg = &types.TaskConfig{}
	}
	if cfg.CheckpointFrequency == "" {
		cfg.CheckpointFrequency = o.cfg.CheckpointFrequencyDefault
	}
	switch cfg.CheckpointFrequency {
	case types.CheckpointFrequencyLow, types.CheckpointFrequencyMedium, types.CheckpointFrequencyHigh:
	default:
		return nil, apierr.Validation("frequency_invalid", "unknown checkpoint frequency %q", cfg.CheckpointFrequency)
	}
	if cfg.Privacy == "" {
		cfg.Privacy = types.PrivacyNormal
	}

	task := &types.Task{
		ID:          uuid.NewString(),
		Description: description,
		Config:      cfg,
		State:       types.TaskStatePending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateTask(task); err != nil {
		return nil, err
	}

	o.logger.Info().Str("task_id", task.ID).Msg("task submitted")
	o.publish(task.ID, events.KindTaskUpdate, "", "task submitted")
	go o.initialize(task)
	return task, nil
}

// initialize runs decomposition and admits the task to the scheduler
func (o *Orchestrator) initialize(task *types.Task) {
	logger := log.WithTaskID(task.ID)
	if _, err := o.store.MutateTask(task.ID, func(t *types.Task) error {
		if t.State != types.TaskStatePending {
			return apierr.Conflict("task_not_pending", "task %s is %s", t.ID, t.State)
		}
		t.State = types.TaskStateInitializing
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to enter initializing")
		return
	}
	o.publish(task.ID, events.KindTaskUpdate, "", "decomposing task")

	specs, err := o.decomp.Decompose(context.Background(), task.Description,
		task.Config.Requirements, task.Config.PreferredTools)
	if err != nil {
		o.failTask(task.ID, "decomposition rejected: "+err.Error())
		return
	}
	subs := materialize(task.ID, specs)

	updated, err := o.store.MutateTask(task.ID, func(t *types.Task) error {
		if t.State.Terminal() {
			return apierr.Conflict("task_terminal", "task %s is %s", t.ID, t.State)
		}
		t.State = types.TaskStateRunning
		t.StartedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to enter running")
		return
	}
	if err := o.sched.Submit(updated, subs); err != nil {
		o.failTask(task.ID, "scheduler admission failed: "+err.Error())
		return
	}
	o.publish(task.ID, events.KindActivityLog, "",
		"task decomposed into "+strconv.Itoa(len(subs))+" subtasks")
}

// materialize turns plan entries into persisted-form subtasks, mapping
// dependency indices onto generated IDs.
func materialize(taskID string, specs []decompose.Spec) []*types.Subtask {
	now := time.Now().UTC()
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = uuid.NewString()
	}
	subs := make([]*types.Subtask, len(specs))
	for i, spec := range specs {
		deps := make([]string, 0, len(spec.DependsOn))
		for _, idx := range spec.DependsOn {
			deps = append(deps, ids[idx])
		}
		subs[i] = &types.Subtask{
			ID:              ids[i],
			TaskID:          taskID,
			Kind:            types.SubtaskKindWork,
			Name:            spec.Name,
			Description:     spec.Description,
			State:           types.SubtaskStatePending,
			DependsOn:       deps,
			RecommendedTool: spec.RecommendedTool,
			Complexity:      spec.Complexity,
			CreatedAt:       now,
		}
	}
	return subs
}

// GetTask returns the task with its subtasks, latest checkpoint and the
// aggregate evaluation score.
func (o *Orchestrator) GetTask(id string) (*TaskDetail, error) {
	task, err := o.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	subs, err := o.store.ListSubtasksByTask(id)
	if err != nil {
		return nil, err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })

	detail := &TaskDetail{
		Task:           task,
		Subtasks:       subs,
		AggregateScore: aggregateScore(subs),
	}
	cps, err := o.store.ListCheckpointsByTask(id)
	if err != nil {
		return nil, err
	}
	if len(cps) > 0 {
		sort.Slice(cps, func(i, j int) bool { return cps[i].CreatedAt.After(cps[j].CreatedAt) })
		detail.Checkpoint = cps[0]
	}
	return detail, nil
}

// ListTasks returns tasks matching the filter, newest first
func (o *Orchestrator) ListTasks(f ListFilter) ([]*types.Task, int, error) {
	tasks, err := o.store.ListTasks()
	if err != nil {
		return nil, 0, err
	}
	filtered := tasks[:0]
	for _, t := range tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		filtered = append(filtered, t)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })

	total := len(filtered)
	if f.PerPage <= 0 {
		return filtered, total, nil
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * f.PerPage
	if start >= total {
		return nil, total, nil
	}
	end := start + f.PerPage
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// CancelTask cancels a task and its in-flight subtasks. Cancelling an
// already-cancelled task is a no-op; other terminal states conflict.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (*types.Task, error) {
	var already bool
	task, err := o.store.MutateTask(id, func(t *types.Task) error {
		if t.State == types.TaskStateCancelled {
			already = true
			return nil
		}
		if t.State.Terminal() {
			return apierr.Conflict("task_terminal", "task %s is already %s", id, t.State)
		}
		t.State = types.TaskStateCancelled
		t.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return task, nil
	}

	o.sched.CancelTask(ctx, id)
	o.sched.Forget(id)
	o.logger.Info().Str("task_id", id).Msg("task cancelled")
	o.publish(id, events.KindTaskUpdate, "", "task cancelled")
	return task, nil
}

// ApproveCheckpoint applies an approve or reject decision
func (o *Orchestrator) ApproveCheckpoint(id string, approve bool, notes string) (*types.Checkpoint, error) {
	if !approve {
		ckpt, err := o.ckpts.Reject(id, notes)
		if err != nil {
			return nil, err
		}
		o.sched.CancelTask(context.Background(), ckpt.TaskID)
		o.sched.Forget(ckpt.TaskID)
		return ckpt, nil
	}

	ckpt, err := o.ckpts.Approve(id, notes)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	wasDrained := o.drained[ckpt.TaskID]
	delete(o.drained, ckpt.TaskID)
	o.mu.Unlock()

	if wasDrained {
		o.completeTask(ckpt.TaskID)
		return ckpt, nil
	}
	o.sched.Resume(ckpt.TaskID)
	return ckpt, nil
}

// SubmitCorrection records guidance against a subtask of a pending
// checkpoint and re-enters it as a correction subtask.
func (o *Orchestrator) SubmitCorrection(ckptID, subtaskID string, category types.CorrectionCategory, guidance string) (*types.Correction, error) {
	corr, err := o.ckpts.Correct(ckptID, subtaskID, category, guidance)
	if err != nil {
		return nil, err
	}
	original, err := o.store.GetSubtask(subtaskID)
	if err != nil {
		return nil, err
	}

	sub := o.reviews.BuildCorrectionSubtask(original, guidance)
	if err := o.sched.AddSubtask(sub); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.correctionBySubtask[sub.ID] = corr.ID
	delete(o.drained, original.TaskID)
	o.mu.Unlock()

	o.sched.Resume(original.TaskID)
	return corr, nil
}

// HandleTaskResult processes one task_result frame from a worker. Results
// carrying a stale attempt number, or arriving for an already-terminal
// subtask, are dropped.
func (o *Orchestrator) HandleTaskResult(subtaskID string, attempt int, completed bool, output *types.SubtaskOutput, errMsg string, fatal bool) error {
	sub, err := o.store.GetSubtask(subtaskID)
	if err != nil {
		return err
	}
	if sub.Attempt != attempt || sub.State.Terminal() {
		o.logger.Debug().
			Str("subtask_id", subtaskID).
			Int("attempt", attempt).
			Int("current_attempt", sub.Attempt).
			Msg("dropping stale or duplicate task result")
		return nil
	}
	if completed {
		return o.sched.OnSubtaskComplete(subtaskID, output)
	}
	return o.sched.OnSubtaskFailed(subtaskID, errMsg, fatal)
}

// onSubtaskCompleted drives evaluation, peer review and checkpoint policy
// after the scheduler moved a subtask to Done.
func (o *Orchestrator) onSubtaskCompleted(sub *types.Subtask) {
	switch sub.Kind {
	case types.SubtaskKindReview:
		o.handleReviewCompleted(sub)
	case types.SubtaskKindCorrection:
		o.handleCorrectionCompleted(sub)
	default:
		o.handleWorkCompleted(sub)
	}
}

func (o *Orchestrator) handleWorkCompleted(sub *types.Subtask) {
	eval := o.evaluateSubtask(sub)

	task, err := o.store.GetTask(sub.TaskID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", sub.TaskID).Msg("completed subtask for unknown task")
		return
	}

	if review.Needed(sub) {
		if o.reviews.AtCycleCeiling(sub) {
			o.raiseCheckpoint(task.ID, types.TriggerReviewEscalation, nil)
			return
		}
		if err := o.sched.AddSubtask(o.reviews.BuildReviewSubtask(sub)); err != nil {
			o.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to spawn review subtask")
		}
	}

	if eval != nil && checkpoint.LowScore(eval.Overall) {
		o.raiseCheckpoint(task.ID, types.TriggerLowScore, eval.Issues)
		return
	}
	o.applyFrequencyPolicy(task)
}

func (o *Orchestrator) handleReviewCompleted(reviewSub *types.Subtask) {
	original, err := o.store.GetSubtask(reviewSub.ReviewTarget)
	if err != nil {
		o.logger.Error().Err(err).Str("subtask_id", reviewSub.ID).Msg("review target vanished")
		return
	}

	verdict, err := o.reviews.ParseVerdict(reviewSub.Output)
	if err != nil {
		o.logger.Warn().Err(err).Str("subtask_id", reviewSub.ID).Msg("unusable review verdict, escalating")
		o.raiseCheckpoint(reviewSub.TaskID, types.TriggerPeerReviewIssues, []types.Issue{{
			Severity:    types.SeverityMedium,
			Description: "review verdict could not be interpreted",
		}})
		return
	}

	outcome, decision := o.reviews.Decide(verdict, original.ReviewCycles)
	if err := o.store.CreateReview(o.reviews.Record(reviewSub, original, verdict, decision)); err != nil {
		o.logger.Error().Err(err).Str("subtask_id", original.ID).Msg("failed to persist review")
	}
	o.logger.Info().
		Str("subtask_id", original.ID).
		Float64("score", verdict.Score).
		Str("outcome", outcome.String()).
		Int("cycles", original.ReviewCycles).
		Msg("review decided")

	switch outcome {
	case review.OutcomeAccept:
		// nothing further, the DAG proceeds
	case review.OutcomeCorrect:
		guidance := verdict.SuggestedFix
		if guidance == "" {
			guidance = issuesAsGuidance(verdict.Issues)
		}
		if err := o.sched.AddSubtask(o.reviews.BuildCorrectionSubtask(original, guidance)); err != nil {
			o.logger.Error().Err(err).Str("subtask_id", original.ID).Msg("failed to spawn correction subtask")
		}
	case review.OutcomeCheckpoint:
		o.raiseCheckpoint(reviewSub.TaskID, types.TriggerPeerReviewIssues, verdict.Issues)
	}
}

func (o *Orchestrator) handleCorrectionCompleted(corrSub *types.Subtask) {
	original, err := o.store.GetSubtask(corrSub.ReviewTarget)
	if err != nil {
		o.logger.Error().Err(err).Str("subtask_id", corrSub.ID).Msg("correction target vanished")
		return
	}

	// The corrected output supersedes the original's and re-enters review
	original.Output = corrSub.Output
	original.ReviewCycles = corrSub.ReviewCycles + 1
	if err := o.store.UpdateSubtask(original); err != nil {
		o.logger.Error().Err(err).Str("subtask_id", original.ID).Msg("failed to adopt corrected output")
		return
	}
	o.markCorrectionResult(corrSub.ID, types.CorrectionSuccess)

	if o.reviews.AtCycleCeiling(original) {
		o.raiseCheckpoint(original.TaskID, types.TriggerReviewEscalation, nil)
		return
	}
	if err := o.sched.AddSubtask(o.reviews.BuildReviewSubtask(original)); err != nil {
		o.logger.Error().Err(err).Str("subtask_id", original.ID).Msg("failed to spawn re-review subtask")
	}
}

func (o *Orchestrator) evaluateSubtask(sub *types.Subtask) *types.Evaluation {
	eval, err := o.evaluator.Evaluate(context.Background(), sub)
	if err != nil {
		o.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("evaluation failed")
		return nil
	}
	if err := o.store.CreateEvaluation(eval); err != nil {
		o.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to persist evaluation")
	}
	sub.Score = &eval.Overall
	if err := o.store.UpdateSubtask(sub); err != nil {
		o.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to persist score")
	}
	return eval
}

// applyFrequencyPolicy raises a frequency checkpoint when due
func (o *Orchestrator) applyFrequencyPolicy(task *types.Task) {
	subs, err := o.store.ListSubtasksByTask(task.ID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to list subtasks for checkpoint policy")
		return
	}
	var completed, total int
	for _, s := range subs {
		if s.Kind != types.SubtaskKindWork {
			continue
		}
		total++
		if s.State == types.SubtaskStateCompleted {
			completed++
		}
	}
	freq := o.cfg.CheckpointFrequencyDefault
	if task.Config != nil && task.Config.CheckpointFrequency != "" {
		freq = task.Config.CheckpointFrequency
	}
	if checkpoint.FrequencyDue(freq, completed, total) {
		o.raiseCheckpointWithSubs(task.ID, types.TriggerFrequency, nil, subs)
	}
}

func (o *Orchestrator) raiseCheckpoint(taskID string, trigger types.CheckpointTrigger, issues []types.Issue) {
	subs, err := o.store.ListSubtasksByTask(taskID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to snapshot task for checkpoint")
		return
	}
	o.raiseCheckpointWithSubs(taskID, trigger, issues, subs)
}

func (o *Orchestrator) raiseCheckpointWithSubs(taskID string, trigger types.CheckpointTrigger, issues []types.Issue, subs []*types.Subtask) {
	snap := checkpoint.Snapshot(subs, aggregateScore(subs), issues)
	_, created, err := o.ckpts.Create(taskID, trigger, snap)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to raise checkpoint")
		return
	}
	if created {
		o.sched.Suspend(taskID)
	}
}

// onTaskDrained completes a task, or parks the completion behind a still
// pending checkpoint.
func (o *Orchestrator) onTaskDrained(taskID string) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("drained task vanished")
		return
	}
	if task.State == types.TaskStateCheckpointPending {
		o.mu.Lock()
		o.drained[taskID] = true
		o.mu.Unlock()
		o.logger.Info().Str("task_id", taskID).Msg("task drained, awaiting checkpoint decision")
		return
	}
	o.completeTask(taskID)
}

func (o *Orchestrator) completeTask(taskID string) {
	if _, err := o.store.MutateTask(taskID, func(t *types.Task) error {
		if t.State.Terminal() {
			return nil
		}
		t.State = types.TaskStateCompleted
		t.Progress = 100
		t.CompletedAt = time.Now().UTC()
		return nil
	}); err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to complete task")
		return
	}
	o.sched.Forget(taskID)
	o.logger.Info().Str("task_id", taskID).Msg("task completed")
	o.publish(taskID, events.KindTaskComplete, "", "task completed")
}

func (o *Orchestrator) failTask(taskID, reason string) {
	if _, err := o.store.MutateTask(taskID, func(t *types.Task) error {
		if t.State.Terminal() {
			return nil
		}
		t.State = types.TaskStateFailed
		t.Error = reason
		t.CompletedAt = time.Now().UTC()
		return nil
	}); err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to fail task")
		return
	}
	o.sched.Forget(taskID)
	o.logger.Warn().Str("task_id", taskID).Str("reason", reason).Msg("task failed")
	o.publish(taskID, events.KindTaskFailed, "", reason)
}

func (o *Orchestrator) markCorrectionResult(subtaskID string, result types.CorrectionResult) {
	o.mu.Lock()
	corrID, ok := o.correctionBySubtask[subtaskID]
	delete(o.correctionBySubtask, subtaskID)
	o.mu.Unlock()
	if !ok {
		return
	}
	corr, err := o.store.GetCorrection(corrID)
	if err != nil {
		return
	}
	corr.Result = result
	if err := o.store.UpdateCorrection(corr); err != nil {
		o.logger.Error().Err(err).Str("correction_id", corrID).Msg("failed to record correction result")
	}
}

// aggregateScore is the mean evaluation score across scored work subtasks
func aggregateScore(subs []*types.Subtask) float64 {
	var sum float64
	var n int
	for _, s := range subs {
		if s.Kind != types.SubtaskKindWork || s.Score == nil {
			continue
		}
		sum += *s.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func issuesAsGuidance(issues []types.Issue) string {
	var b strings.Builder
	for _, issue := range issues {
		b.WriteString("- ")
		b.WriteString(issue.Description)
		b.WriteByte('\n')
	}
	return b.String()
}

// gaugeLoop refreshes the fleet and task state gauges from the store
func (o *Orchestrator) gaugeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.refreshGauges()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) refreshGauges() {
	if workers, err := o.store.ListWorkers(); err == nil {
		counts := map[types.WorkerState]float64{}
		for _, w := range workers {
			if !w.Deregistered {
				counts[w.State]++
			}
		}
		for _, st := range []types.WorkerState{types.WorkerStateOnline, types.WorkerStateBusy, types.WorkerStateOffline} {
			metrics.WorkersTotal.WithLabelValues(string(st)).Set(counts[st])
		}
	}
	tasks, err := o.store.ListTasks()
	if err != nil {
		return
	}
	taskCounts := map[types.TaskState]float64{}
	subCounts := map[[2]string]float64{}
	for _, t := range tasks {
		taskCounts[t.State]++
		subs, err := o.store.ListSubtasksByTask(t.ID)
		if err != nil {
			continue
		}
		for _, s := range subs {
			subCounts[[2]string{string(s.State), string(s.Kind)}]++
		}
	}
	for _, st := range []types.TaskState{
		types.TaskStatePending, types.TaskStateInitializing, types.TaskStateRunning,
		types.TaskStateCheckpointPending, types.TaskStateCompleted, types.TaskStateFailed,
		types.TaskStateCancelled,
	} {
		metrics.TasksTotal.WithLabelValues(string(st)).Set(taskCounts[st])
	}
	metrics.SubtasksTotal.Reset()
	for key, n := range subCounts {
		metrics.SubtasksTotal.WithLabelValues(key[0], key[1]).Set(n)
	}
}

func (o *Orchestrator) publish(taskID string, kind events.Kind, subtaskID, msg string) {
	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
	o.broker.Publish(events.TaskTopic(taskID), &events.Event{
		Kind:      kind,
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Message:   msg,
	})
}
