package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/types"
)

var (
	// Bucket names
	bucketTasks       = []byte("tasks")
	bucketSubtasks    = []byte("subtasks")
	bucketWorkers     = []byte("workers")
	bucketCheckpoints = []byte("checkpoints")
	bucketReviews     = []byte("reviews")
	bucketEvaluations = []byte("evaluations")
	bucketCorrections = []byte("corrections")
)

// casRetries bounds optimistic-lock retries on task updates
const casRetries = 3

// BoltStore implements Store using bbolt. bbolt serializes writers, which
// gives subtask sweeps the single-task transaction semantics the scheduler
// relies on; task rows additionally carry an optimistic version counter so
// concurrent read-modify-write cycles detect each other.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new bbolt-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "loom.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketSubtasks,
			bucketWorkers,
			bucketCheckpoints,
			bucketReviews,
			bucketEvaluations,
			bucketCorrections,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.put(bucketTasks, task.ID, task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return apierr.NotFound("task_not_found", "task %s not found", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// UpdateTask writes the task iff the stored version matches task.Version,
// then increments the counter. Mismatch surfaces as a conflict error.
func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(task.ID))
		if data == nil {
			return apierr.NotFound("task_not_found", "task %s not found", task.ID)
		}
		var current types.Task
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != task.Version {
			return apierr.Conflict("task_version_conflict",
				"task %s version %d does not match stored %d",
				task.ID, task.Version, current.Version)
		}
		task.Version++
		out, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), out)
	})
}

// MutateTask runs fn on a fresh copy of the task and commits via UpdateTask,
// retrying version conflicts with exponential backoff (100ms, 200ms, 400ms).
func (s *BoltStore) MutateTask(id string, fn func(*types.Task) error) (*types.Task, error) {
	var result *types.Task

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 400 * time.Millisecond

	attempt := 0
	op := func() error {
		attempt++
		task, err := s.GetTask(id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(task); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.UpdateTask(task); err != nil {
			if apierr.IsKind(err, apierr.KindConflict) && attempt <= casRetries {
				return err // retry
			}
			return backoff.Permanent(err)
		}
		result = task
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTasks).Delete([]byte(id)); err != nil {
			return err
		}
		// Purge the subtree along with the task
		b := tx.Bucket(bucketSubtasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var st types.Subtask
			if err := json.Unmarshal(v, &st); err != nil {
				continue
			}
			if st.TaskID == id {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Subtask operations

func (s *BoltStore) CreateSubtask(st *types.Subtask) error {
	return s.put(bucketSubtasks, st.ID, st)
}

func (s *BoltStore) GetSubtask(id string) (*types.Subtask, error) {
	var st types.Subtask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubtasks).Get([]byte(id))
		if data == nil {
			return apierr.NotFound("subtask_not_found", "subtask %s not found", id)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) ListSubtasksByTask(taskID string) ([]*types.Subtask, error) {
	return s.listSubtasks(func(st *types.Subtask) bool { return st.TaskID == taskID })
}

func (s *BoltStore) ListSubtasksByWorker(workerID string) ([]*types.Subtask, error) {
	return s.listSubtasks(func(st *types.Subtask) bool { return st.AssignedWorker == workerID })
}

func (s *BoltStore) listSubtasks(match func(*types.Subtask) bool) ([]*types.Subtask, error) {
	var sts []*types.Subtask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubtasks).ForEach(func(k, v []byte) error {
			var st types.Subtask
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if match(&st) {
				sts = append(sts, &st)
			}
			return nil
		})
	})
	return sts, err
}

func (s *BoltStore) UpdateSubtask(st *types.Subtask) error {
	return s.put(bucketSubtasks, st.ID, st)
}

// PutSubtasks writes the batch in one transaction so a task's DAG sweep
// commits atomically.
func (s *BoltStore) PutSubtasks(sts []*types.Subtask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubtasks)
		for _, st := range sts {
			data, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(st.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Worker operations

func (s *BoltStore) CreateWorker(w *types.Worker) error {
	return s.put(bucketWorkers, w.ID, w)
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var w types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return apierr.NotFound("worker_not_found", "worker %s not found", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(w *types.Worker) error {
	return s.put(bucketWorkers, w.ID, w)
}

// Checkpoint operations

func (s *BoltStore) CreateCheckpoint(c *types.Checkpoint) error {
	return s.put(bucketCheckpoints, c.ID, c)
}

// CreateCheckpointIfNonePending writes the checkpoint unless the task already
// has one in pending_review. The lookup and the write share one transaction.
// Returns the surviving checkpoint and whether c was written.
func (s *BoltStore) CreateCheckpointIfNonePending(c *types.Checkpoint) (*types.Checkpoint, bool, error) {
	var existing *types.Checkpoint
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		if err := b.ForEach(func(k, v []byte) error {
			var cp types.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			if cp.TaskID == c.TaskID && cp.Status == types.CheckpointPendingReview {
				existing = &cp
			}
			return nil
		}); err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ID), data)
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return c, true, nil
}

func (s *BoltStore) GetCheckpoint(id string) (*types.Checkpoint, error) {
	var c types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(id))
		if data == nil {
			return apierr.NotFound("checkpoint_not_found", "checkpoint %s not found", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListCheckpointsByTask(taskID string) ([]*types.Checkpoint, error) {
	var cps []*types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, v []byte) error {
			var c types.Checkpoint
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.TaskID == taskID {
				cps = append(cps, &c)
			}
			return nil
		})
	})
	return cps, err
}

// PendingCheckpoint returns the task's pending_review checkpoint, or a
// not-found error. At most one can exist per task.
func (s *BoltStore) PendingCheckpoint(taskID string) (*types.Checkpoint, error) {
	cps, err := s.ListCheckpointsByTask(taskID)
	if err != nil {
		return nil, err
	}
	for _, c := range cps {
		if c.Status == types.CheckpointPendingReview {
			return c, nil
		}
	}
	return nil, apierr.NotFound("checkpoint_not_found", "no pending checkpoint for task %s", taskID)
}

func (s *BoltStore) UpdateCheckpoint(c *types.Checkpoint) error {
	return s.put(bucketCheckpoints, c.ID, c)
}

// Review operations

func (s *BoltStore) CreateReview(r *types.Review) error {
	return s.put(bucketReviews, r.ID, r)
}

func (s *BoltStore) ListReviewsBySubtask(subtaskID string) ([]*types.Review, error) {
	var reviews []*types.Review
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReviews).ForEach(func(k, v []byte) error {
			var r types.Review
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.SubtaskID == subtaskID {
				reviews = append(reviews, &r)
			}
			return nil
		})
	})
	return reviews, err
}

// Evaluation operations

func (s *BoltStore) CreateEvaluation(e *types.Evaluation) error {
	return s.put(bucketEvaluations, e.ID, e)
}

func (s *BoltStore) ListEvaluationsBySubtask(subtaskID string) ([]*types.Evaluation, error) {
	var evals []*types.Evaluation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvaluations).ForEach(func(k, v []byte) error {
			var e types.Evaluation
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.SubtaskID == subtaskID {
				evals = append(evals, &e)
			}
			return nil
		})
	})
	return evals, err
}

// Correction operations

func (s *BoltStore) CreateCorrection(c *types.Correction) error {
	return s.put(bucketCorrections, c.ID, c)
}

func (s *BoltStore) GetCorrection(id string) (*types.Correction, error) {
	var c types.Correction
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCorrections).Get([]byte(id))
		if data == nil {
			return apierr.NotFound("correction_not_found", "correction %s not found", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) UpdateCorrection(c *types.Correction) error {
	return s.put(bucketCorrections, c.ID, c)
}
