package checkpoint

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

// LowScoreThreshold is the evaluation score below which a checkpoint triggers
const LowScoreThreshold = 7.0

// Controller owns checkpoint lifecycle: trigger policy, creation with the
// single-pending invariant, and the user decisions that resume or end a task.
type Controller struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a checkpoint controller
func New(store storage.Store, broker *events.Broker) *Controller {
	return &Controller{
		store:  store,
		broker: broker,
		logger: log.WithComponent("checkpoint"),
	}
}

// FrequencyDue evaluates the frequency policy after a work subtask completes.
// completed counts finished work subtasks, total counts all work subtasks.
func FrequencyDue(freq types.CheckpointFrequency, completed, total int) bool {
	if total == 0 || completed == 0 {
		return false
	}
	remaining := total - completed
	switch freq {
	case types.CheckpointFrequencyHigh:
		return true
	case types.CheckpointFrequencyLow:
		return remaining == 1 || (total == 1 && completed == 1)
	default: // medium
		if remaining == 1 || (total == 1 && completed == 1) {
			return true
		}
		if completed%3 == 0 {
			return true
		}
		return crossedHalf(completed, total)
	}
}

// crossedHalf reports whether this completion moved the task past 50 %
func crossedHalf(completed, total int) bool {
	before := float64(completed-1) / float64(total)
	after := float64(completed) / float64(total)
	return before < 0.5 && after >= 0.5
}

// LowScore reports whether an evaluation score warrants a checkpoint
func LowScore(overall float64) bool {
	return overall < LowScoreThreshold
}

// Create raises a checkpoint for the task unless one is already pending.
// The bool result reports whether a new checkpoint was created; when false
// the returned checkpoint is the existing pending one. Creation moves the
// task to checkpoint_pending; the caller suspends scheduling.
func (c *Controller) Create(taskID string, trigger types.CheckpointTrigger, snapshot *types.CheckpointSnapshot) (*types.Checkpoint, bool, error) {
	ckpt, created, err := c.store.CreateCheckpointIfNonePending(&types.Checkpoint{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Trigger:   trigger,
		Snapshot:  snapshot,
		Status:    types.CheckpointPendingReview,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		c.logger.Debug().
			Str("task_id", taskID).
			Str("trigger", string(trigger)).
			Msg("checkpoint already pending, not raising another")
		return ckpt, false, nil
	}

	_, err = c.store.MutateTask(taskID, func(t *types.Task) error {
		if t.State.Terminal() {
			return apierr.Conflict("task_terminal", "task %s is %s", taskID, t.State)
		}
		t.State = types.TaskStateCheckpointPending
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	metrics.CheckpointsTotal.WithLabelValues(string(trigger)).Inc()
	c.logger.Info().
		Str("task_id", taskID).
		Str("checkpoint_id", ckpt.ID).
		Str("trigger", string(trigger)).
		Msg("checkpoint raised")

	c.publish(taskID, events.KindCheckpointReady, ckpt.ID, "checkpoint awaiting review")
	c.publish(taskID, events.KindTaskUpdate, ckpt.ID, "task paused at checkpoint")
	return ckpt, true, nil
}

// Approve marks a pending checkpoint approved and returns the task to
// running. Approving an already-approved checkpoint is a no-op.
func (c *Controller) Approve(id, notes string) (*types.Checkpoint, error) {
	ckpt, err := c.store.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if ckpt.Status == types.CheckpointApproved {
		return ckpt, nil
	}
	if ckpt.Status != types.CheckpointPendingReview {
		return nil, apierr.Conflict("checkpoint_decided", "checkpoint %s is already %s", id, ckpt.Status)
	}

	ckpt.Status = types.CheckpointApproved
	ckpt.Notes = notes
	ckpt.DecidedAt = time.Now().UTC()
	if err := c.store.UpdateCheckpoint(ckpt); err != nil {
		return nil, err
	}

	if _, err := c.store.MutateTask(ckpt.TaskID, func(t *types.Task) error {
		if t.State == types.TaskStateCheckpointPending {
			t.State = types.TaskStateRunning
		}
		return nil
	}); err != nil {
		return nil, err
	}

	c.logger.Info().Str("checkpoint_id", id).Str("task_id", ckpt.TaskID).Msg("checkpoint approved")
	c.publish(ckpt.TaskID, events.KindTaskUpdate, id, "checkpoint approved, task resuming")
	return ckpt, nil
}

// Reject marks a pending checkpoint rejected and fails the task. Rejecting
// a checkpoint that is not pending is a conflict.
func (c *Controller) Reject(id, notes string) (*types.Checkpoint, error) {
	ckpt, err := c.store.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if ckpt.Status != types.CheckpointPendingReview {
		return nil, apierr.Conflict("checkpoint_decided", "checkpoint %s is already %s", id, ckpt.Status)
	}

	ckpt.Status = types.CheckpointRejected
	ckpt.Notes = notes
	ckpt.DecidedAt = time.Now().UTC()
	if err := c.store.UpdateCheckpoint(ckpt); err != nil {
		return nil, err
	}

	if _, err := c.store.MutateTask(ckpt.TaskID, func(t *types.Task) error {
		if !t.State.Terminal() {
			t.State = types.TaskStateFailed
			t.Error = "rejected at checkpoint"
			t.CompletedAt = time.Now().UTC()
		}
		return nil
	}); err != nil {
		return nil, err
	}

	c.logger.Info().Str("checkpoint_id", id).Str("task_id", ckpt.TaskID).Msg("checkpoint rejected, task failed")
	c.publish(ckpt.TaskID, events.KindTaskFailed, id, "task rejected at checkpoint")
	return ckpt, nil
}

// Correct records corrective guidance against a subtask of a pending
// checkpoint. Only pending checkpoints accept corrections; the caller spawns
// the correction subtask and resumes the task.
func (c *Controller) Correct(id, subtaskID string, category types.CorrectionCategory, guidance string) (*types.Correction, error) {
	if guidance == "" {
		return nil, apierr.Validation("guidance_required", "correction guidance must not be empty")
	}
	ckpt, err := c.store.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if ckpt.Status != types.CheckpointPendingReview {
		return nil, apierr.Conflict("checkpoint_decided",
			"corrections are only accepted while the checkpoint is pending, checkpoint %s is %s", id, ckpt.Status)
	}

	sub, err := c.store.GetSubtask(subtaskID)
	if err != nil {
		return nil, err
	}
	if sub.TaskID != ckpt.TaskID {
		return nil, apierr.Validation("subtask_mismatch", "subtask %s does not belong to task %s", subtaskID, ckpt.TaskID)
	}

	corr := &types.Correction{
		ID:           uuid.NewString(),
		CheckpointID: ckpt.ID,
		SubtaskID:    subtaskID,
		Category:     category,
		Guidance:     guidance,
		Result:       types.CorrectionPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.CreateCorrection(corr); err != nil {
		return nil, err
	}

	ckpt.Status = types.CheckpointCorrected
	ckpt.DecidedAt = time.Now().UTC()
	if err := c.store.UpdateCheckpoint(ckpt); err != nil {
		return nil, err
	}

	if _, err := c.store.MutateTask(ckpt.TaskID, func(t *types.Task) error {
		if t.State == types.TaskStateCheckpointPending {
			t.State = types.TaskStateRunning
		}
		return nil
	}); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("checkpoint_id", id).
		Str("subtask_id", subtaskID).
		Str("category", string(category)).
		Msg("correction submitted")
	c.publish(ckpt.TaskID, events.KindTaskUpdate, id, "correction submitted, task resuming")
	return corr, nil
}

// Snapshot builds the reviewer-facing summary of where the task stands
func Snapshot(subtasks []*types.Subtask, aggregate float64, issues []types.Issue) *types.CheckpointSnapshot {
	snap := &types.CheckpointSnapshot{AggregateScore: aggregate, Issues: issues}
	for _, s := range subtasks {
		switch s.State {
		case types.SubtaskStateCompleted:
			snap.CompletedSubtasks = append(snap.CompletedSubtasks, s.ID)
		case types.SubtaskStateReady, types.SubtaskStatePending:
			snap.NextSubtasks = append(snap.NextSubtasks, s.Name)
		}
	}
	return snap
}

func (c *Controller) publish(taskID string, kind events.Kind, ckptID, msg string) {
	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
	c.broker.Publish(events.TaskTopic(taskID), &events.Event{
		Kind:    kind,
		TaskID:  taskID,
		Message: msg,
		Data:    map[string]string{"checkpoint_id": ckptID},
	})
}
