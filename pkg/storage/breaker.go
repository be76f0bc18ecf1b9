package storage

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/types"
)

// BreakerStore decorates a Store with a circuit breaker. When the underlying
// store fails repeatedly the breaker opens and operations fail fast with an
// unavailable error until the cool-down expires. Domain errors (not-found,
// conflict, validation) pass through and do not trip the breaker.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps store with a circuit breaker
func NewBreakerStore(store Store) *BreakerStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &BreakerStore{inner: store, cb: cb}
}

// domainError reports whether err is an expected outcome rather than an
// infrastructure failure
func domainError(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.KindNotFound, apierr.KindConflict, apierr.KindValidation:
		return true
	}
	return false
}

func (s *BreakerStore) do(fn func() error) error {
	_, err := s.cb.Execute(func() (any, error) {
		if err := fn(); err != nil {
			if domainError(err) {
				// Success as far as the breaker is concerned
				return err, nil
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return apierr.Unavailable("store_unavailable", "state store circuit open").Wrap(err)
		}
		return err
	}
	return nil
}

func call[T any](s *BreakerStore, fn func() (T, error)) (T, error) {
	var out T
	var inner error
	err := s.do(func() error {
		var e error
		out, e = fn()
		inner = e
		return e
	})
	if err != nil {
		return out, err
	}
	return out, inner
}

func (s *BreakerStore) wrap(fn func() error) error {
	var inner error
	err := s.do(func() error {
		inner = fn()
		return inner
	})
	if err != nil {
		return err
	}
	return inner
}

func (s *BreakerStore) CreateTask(t *types.Task) error  { return s.wrap(func() error { return s.inner.CreateTask(t) }) }
func (s *BreakerStore) UpdateTask(t *types.Task) error  { return s.wrap(func() error { return s.inner.UpdateTask(t) }) }
func (s *BreakerStore) DeleteTask(id string) error      { return s.wrap(func() error { return s.inner.DeleteTask(id) }) }
func (s *BreakerStore) GetTask(id string) (*types.Task, error) {
	return call(s, func() (*types.Task, error) { return s.inner.GetTask(id) })
}
func (s *BreakerStore) ListTasks() ([]*types.Task, error) {
	return call(s, func() ([]*types.Task, error) { return s.inner.ListTasks() })
}
func (s *BreakerStore) MutateTask(id string, fn func(*types.Task) error) (*types.Task, error) {
	return call(s, func() (*types.Task, error) { return s.inner.MutateTask(id, fn) })
}

func (s *BreakerStore) CreateSubtask(st *types.Subtask) error {
	return s.wrap(func() error { return s.inner.CreateSubtask(st) })
}
func (s *BreakerStore) UpdateSubtask(st *types.Subtask) error {
	return s.wrap(func() error { return s.inner.UpdateSubtask(st) })
}
func (s *BreakerStore) PutSubtasks(sts []*types.Subtask) error {
	return s.wrap(func() error { return s.inner.PutSubtasks(sts) })
}
func (s *BreakerStore) GetSubtask(id string) (*types.Subtask, error) {
	return call(s, func() (*types.Subtask, error) { return s.inner.GetSubtask(id) })
}
func (s *BreakerStore) ListSubtasksByTask(taskID string) ([]*types.Subtask, error) {
	return call(s, func() ([]*types.Subtask, error) { return s.inner.ListSubtasksByTask(taskID) })
}
func (s *BreakerStore) ListSubtasksByWorker(workerID string) ([]*types.Subtask, error) {
	return call(s, func() ([]*types.Subtask, error) { return s.inner.ListSubtasksByWorker(workerID) })
}

func (s *BreakerStore) CreateWorker(w *types.Worker) error {
	return s.wrap(func() error { return s.inner.CreateWorker(w) })
}
func (s *BreakerStore) UpdateWorker(w *types.Worker) error {
	return s.wrap(func() error { return s.inner.UpdateWorker(w) })
}
func (s *BreakerStore) GetWorker(id string) (*types.Worker, error) {
	return call(s, func() (*types.Worker, error) { return s.inner.GetWorker(id) })
}
func (s *BreakerStore) ListWorkers() ([]*types.Worker, error) {
	return call(s, func() ([]*types.Worker, error) { return s.inner.ListWorkers() })
}

func (s *BreakerStore) CreateCheckpoint(c *types.Checkpoint) error {
	return s.wrap(func() error { return s.inner.CreateCheckpoint(c) })
}
func (s *BreakerStore) CreateCheckpointIfNonePending(c *types.Checkpoint) (*types.Checkpoint, bool, error) {
	var created bool
	ckpt, err := call(s, func() (*types.Checkpoint, error) {
		out, ok, err := s.inner.CreateCheckpointIfNonePending(c)
		created = ok
		return out, err
	})
	return ckpt, created, err
}
func (s *BreakerStore) UpdateCheckpoint(c *types.Checkpoint) error {
	return s.wrap(func() error { return s.inner.UpdateCheckpoint(c) })
}
func (s *BreakerStore) GetCheckpoint(id string) (*types.Checkpoint, error) {
	return call(s, func() (*types.Checkpoint, error) { return s.inner.GetCheckpoint(id) })
}
func (s *BreakerStore) ListCheckpointsByTask(taskID string) ([]*types.Checkpoint, error) {
	return call(s, func() ([]*types.Checkpoint, error) { return s.inner.ListCheckpointsByTask(taskID) })
}
func (s *BreakerStore) PendingCheckpoint(taskID string) (*types.Checkpoint, error) {
	return call(s, func() (*types.Checkpoint, error) { return s.inner.PendingCheckpoint(taskID) })
}

func (s *BreakerStore) CreateReview(r *types.Review) error {
	return s.wrap(func() error { return s.inner.CreateReview(r) })
}
func (s *BreakerStore) ListReviewsBySubtask(subtaskID string) ([]*types.Review, error) {
	return call(s, func() ([]*types.Review, error) { return s.inner.ListReviewsBySubtask(subtaskID) })
}
func (s *BreakerStore) CreateEvaluation(e *types.Evaluation) error {
	return s.wrap(func() error { return s.inner.CreateEvaluation(e) })
}
func (s *BreakerStore) ListEvaluationsBySubtask(subtaskID string) ([]*types.Evaluation, error) {
	return call(s, func() ([]*types.Evaluation, error) { return s.inner.ListEvaluationsBySubtask(subtaskID) })
}
func (s *BreakerStore) CreateCorrection(c *types.Correction) error {
	return s.wrap(func() error { return s.inner.CreateCorrection(c) })
}
func (s *BreakerStore) GetCorrection(id string) (*types.Correction, error) {
	return call(s, func() (*types.Correction, error) { return s.inner.GetCorrection(id) })
}
func (s *BreakerStore) UpdateCorrection(c *types.Correction) error {
	return s.wrap(func() error { return s.inner.UpdateCorrection(c) })
}

func (s *BreakerStore) Close() error {
	return s.inner.Close()
}
