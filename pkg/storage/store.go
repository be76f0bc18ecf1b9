package storage

import (
	"github.com/loomctl/loom/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// Implemented by the bbolt-backed store; the circuit-breaker decorator
// wraps any implementation.
type Store interface {
	// Tasks. UpdateTask performs a compare-and-swap on Task.Version and
	// returns a conflict error on mismatch; MutateTask wraps the
	// read-modify-write cycle with bounded retries.
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	MutateTask(id string, fn func(*types.Task) error) (*types.Task, error)
	DeleteTask(id string) error

	// Subtasks. PutSubtasks writes a batch atomically within one
	// transaction, which is what per-task DAG sweeps require.
	CreateSubtask(st *types.Subtask) error
	GetSubtask(id string) (*types.Subtask, error)
	ListSubtasksByTask(taskID string) ([]*types.Subtask, error)
	ListSubtasksByWorker(workerID string) ([]*types.Subtask, error)
	UpdateSubtask(st *types.Subtask) error
	PutSubtasks(sts []*types.Subtask) error

	// Workers
	CreateWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(w *types.Worker) error

	// Checkpoints. CreateCheckpointIfNonePending enforces the
	// one-pending-checkpoint-per-task invariant inside a single
	// transaction; concurrent callers race safely.
	CreateCheckpoint(c *types.Checkpoint) error
	CreateCheckpointIfNonePending(c *types.Checkpoint) (*types.Checkpoint, bool, error)
	GetCheckpoint(id string) (*types.Checkpoint, error)
	ListCheckpointsByTask(taskID string) ([]*types.Checkpoint, error)
	PendingCheckpoint(taskID string) (*types.Checkpoint, error)
	UpdateCheckpoint(c *types.Checkpoint) error

	// Reviews, evaluations, corrections are append-mostly audit entities
	CreateReview(r *types.Review) error
	ListReviewsBySubtask(subtaskID string) ([]*types.Review, error)
	CreateEvaluation(e *types.Evaluation) error
	ListEvaluationsBySubtask(subtaskID string) ([]*types.Evaluation, error)
	CreateCorrection(c *types.Correction) error
	GetCorrection(id string) (*types.Correction, error)
	UpdateCorrection(c *types.Correction) error

	// Utility
	Close() error
}
