package scheduler

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

// Dispatcher sends work to the assigned worker over the worker channel
type Dispatcher interface {
	Dispatch(ctx context.Context, workerID string, sub *types.Subtask) error
	Cancel(ctx context.Context, workerID, subtaskID string) error
}

// Hooks let the orchestrator react to scheduling outcomes. They are invoked
// outside scheduler locks; implementations may call back into the scheduler.
type Hooks struct {
	// OnSubtaskCompleted fires after a subtask moved to Done and its
	// dependents were promoted.
	OnSubtaskCompleted func(sub *types.Subtask)
	// OnTaskDrained fires once when every subtask of a task is Done.
	OnTaskDrained func(taskID string)
	// OnTaskFailed fires once when a subtask failed permanently and all
	// other running work drained.
	OnTaskFailed func(taskID, reason string)
}

// Config holds the scheduler's retry and dispatch tuning
type Config struct {
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryMaxAttempts   int
	DispatchAckTimeout time.Duration
	// SubtaskTimeout bounds one execution attempt on a worker. A worker
	// that heartbeats but never reports a result is treated as a
	// transient failure when it expires. Zero disables the watchdog.
	SubtaskTimeout time.Duration
}

// queued is one ready subtask waiting for a worker
type queued struct {
	id         string
	priority   int
	complexity int
	seq        uint64
	readyAt    time.Time
}

// taskState is the in-memory run state of one admitted task. The store
// remains the source of truth; this mirrors it for fast queue decisions.
type taskState struct {
	taskID    string
	privacy   types.PrivacyLevel
	preferred []string

	deps       map[string][]string
	dependents map[string][]string
	total      int

	pending map[string]bool
	ready   []*queued
	running map[string]string // subtask id -> worker id
	done    map[string]bool
	failed  map[string]bool

	retryTimers    map[string]*time.Timer
	execTimers     map[string]*time.Timer
	pendingRetries int
	noWorkerLogged map[string]bool

	suspended bool
	cancelled bool
	finished  bool
}

// Scheduler maintains per-task DAG run state and places ready subtasks onto
// the best available worker.
type Scheduler struct {
	store      storage.Store
	reg        *registry.Registry
	dispatcher Dispatcher
	broker     *events.Broker
	cfg        Config
	hooks      Hooks
	logger     zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*taskState
	seq   uint64

	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a scheduler
func New(store storage.Store, reg *registry.Registry, dispatcher Dispatcher, broker *events.Broker, cfg Config) *Scheduler {
	return &Scheduler{
		store:      store,
		reg:        reg,
		dispatcher: dispatcher,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
		tasks:      make(map[string]*taskState),
		kickCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// SetHooks installs the orchestrator callbacks; call before Start
func (s *Scheduler) SetHooks(h Hooks) {
	s.hooks = h
}

// Start launches the dispatch loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the dispatch loop and outstanding retry timers
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		for _, ts := range s.tasks {
			for _, t := range ts.retryTimers {
				t.Stop()
			}
			for _, t := range ts.execTimers {
				t.Stop()
			}
		}
		s.mu.Unlock()
	})
}

// Kick requests a dispatch pass; coalesces when one is already queued
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.kickCh:
			s.dispatchPass()
		case <-s.stopCh:
			return
		}
	}
}

// Submit admits a task with its decomposed DAG. Subtasks with no
// dependencies become Ready immediately; the rest wait as Pending.
func (s *Scheduler) Submit(task *types.Task, subs []*types.Subtask) error {
	ts := &taskState{
		taskID:         task.ID,
		deps:           make(map[string][]string, len(subs)),
		dependents:     make(map[string][]string),
		total:          len(subs),
		pending:        make(map[string]bool),
		running:        make(map[string]string),
		done:           make(map[string]bool),
		failed:         make(map[string]bool),
		retryTimers:    make(map[string]*time.Timer),
		execTimers:     make(map[string]*time.Timer),
		noWorkerLogged: make(map[string]bool),
	}
	if task.Config != nil {
		ts.privacy = task.Config.Privacy
		ts.preferred = task.Config.PreferredTools
	}

	now := time.Now().UTC()
	for _, sub := range subs {
		ts.deps[sub.ID] = sub.DependsOn
		for _, dep := range sub.DependsOn {
			ts.dependents[dep] = append(ts.dependents[dep], sub.ID)
		}
	}
	for _, sub := range subs {
		if len(sub.DependsOn) == 0 {
			sub.State = types.SubtaskStateReady
		} else {
			sub.State = types.SubtaskStatePending
			ts.pending[sub.ID] = true
		}
	}
	if err := s.store.PutSubtasks(subs); err != nil {
		return err
	}

	s.mu.Lock()
	for _, sub := range subs {
		if sub.State == types.SubtaskStateReady {
			s.enqueueLocked(ts, sub, now)
		}
	}
	s.tasks[task.ID] = ts
	s.mu.Unlock()

	s.logger.Info().Str("task_id", task.ID).Int("subtasks", len(subs)).Msg("task admitted")
	s.Kick()
	return nil
}

// AddSubtask appends one subtask (review or correction) to an admitted
// task mid-flight. It is persisted and becomes Ready at once.
func (s *Scheduler) AddSubtask(sub *types.Subtask) error {
	sub.State = types.SubtaskStateReady
	if err := s.store.CreateSubtask(sub); err != nil {
		return err
	}

	s.mu.Lock()
	ts, ok := s.tasks[sub.TaskID]
	if !ok {
		s.mu.Unlock()
		return apierr.NotFound("task_not_admitted", "task %s is not admitted", sub.TaskID)
	}
	ts.total++
	ts.deps[sub.ID] = nil
	s.enqueueLocked(ts, sub, time.Now().UTC())
	s.mu.Unlock()

	s.publish(sub.TaskID, &events.Event{
		Kind:      events.KindSubtaskUpdate,
		TaskID:    sub.TaskID,
		SubtaskID: sub.ID,
		Message:   "subtask added",
		Data:      map[string]string{"kind": string(sub.Kind), "state": string(sub.State)},
	})
	s.Kick()
	return nil
}

func (s *Scheduler) enqueueLocked(ts *taskState, sub *types.Subtask, readyAt time.Time) {
	s.seq++
	ts.ready = append(ts.ready, &queued{
		id:         sub.ID,
		priority:   sub.Priority,
		complexity: sub.Complexity,
		seq:        s.seq,
		readyAt:    readyAt,
	})
}

// dispatchPass drains as much of every task's ready queue as the worker
// fleet can absorb.
func (s *Scheduler) dispatchPass() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, taskID := range ids {
		s.dispatchTask(taskID)
	}
}

func (s *Scheduler) dispatchTask(taskID string) {
	for {
		s.mu.Lock()
		ts, ok := s.tasks[taskID]
		if !ok || ts.suspended || ts.cancelled || len(ts.ready) == 0 {
			s.mu.Unlock()
			return
		}
		sortReady(ts.ready)
		item := ts.ready[0]
		ts.ready = ts.ready[1:]
		s.mu.Unlock()

		if !s.dispatchOne(ts, item) {
			// No worker took it; push back and wait for a registry event
			s.mu.Lock()
			ts.ready = append(ts.ready, item)
			s.mu.Unlock()
			return
		}
	}
}

// sortReady orders the queue by priority desc, complexity asc, FIFO
func sortReady(q []*queued) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].priority != q[j].priority {
			return q[i].priority > q[j].priority
		}
		if q[i].complexity != q[j].complexity {
			return q[i].complexity < q[j].complexity
		}
		return q[i].seq < q[j].seq
	})
}

// dispatchOne assigns and dispatches a single ready subtask. Returns false
// when no eligible worker exists, true when the subtask reached a worker or
// moved into its failure path.
func (s *Scheduler) dispatchOne(ts *taskState, item *queued) bool {
	sub, err := s.store.GetSubtask(item.id)
	if err != nil {
		s.logger.Error().Err(err).Str("subtask_id", item.id).Msg("ready subtask vanished from store")
		return true
	}
	if sub.State != types.SubtaskStateReady {
		return true
	}

	candidates, err := s.reg.Candidates()
	if err != nil {
		s.logger.Error().Err(err).Msg("worker candidate listing failed")
		return false
	}

	avoid, prefer := s.routingFor(sub)
	worker := SelectWorker(candidates, sub, ts.privacy, ts.preferred, avoid, prefer)
	if worker == nil {
		s.noteNoWorkers(ts, sub)
		return false
	}

	sub.State = types.SubtaskStateAssigned
	sub.AssignedWorker = worker.ID
	sub.Attempt++
	if sub.StartedAt.IsZero() {
		sub.StartedAt = time.Now().UTC()
	}
	if err := s.store.UpdateSubtask(sub); err != nil {
		s.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to persist assignment")
		return false
	}
	if err := s.reg.AdjustLoad(worker.ID, 1); err != nil {
		s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to bump worker load")
	}

	s.mu.Lock()
	ts.running[sub.ID] = worker.ID
	delete(ts.noWorkerLogged, sub.ID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchAckTimeout)
	err = s.dispatcher.Dispatch(ctx, worker.ID, sub)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).
			Str("subtask_id", sub.ID).
			Str("worker_id", worker.ID).
			Msg("dispatch failed")
		s.OnSubtaskFailed(sub.ID, "dispatch failed: "+err.Error(), false)
		return true
	}

	sub.State = types.SubtaskStateRunning
	if err := s.store.UpdateSubtask(sub); err != nil {
		s.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to persist running state")
	}
	s.armExecTimeout(ts, sub.ID, sub.Attempt)

	metrics.SubtasksScheduled.Inc()
	metrics.SchedulingLatency.Observe(time.Since(item.readyAt).Seconds())
	s.logger.Info().
		Str("subtask_id", sub.ID).
		Str("worker_id", worker.ID).
		Int("attempt", sub.Attempt).
		Msg("subtask dispatched")
	s.publish(sub.TaskID, &events.Event{
		Kind:      events.KindSubtaskUpdate,
		TaskID:    sub.TaskID,
		SubtaskID: sub.ID,
		WorkerID:  worker.ID,
		Message:   "subtask dispatched",
		Data:      map[string]string{"state": string(types.SubtaskStateRunning)},
	})
	return true
}

// routingFor derives reviewer/author routing from the subtask kind.
// Reviews steer away from the original author; corrections go back to them.
func (s *Scheduler) routingFor(sub *types.Subtask) (avoid, prefer string) {
	if sub.ReviewTarget == "" {
		return "", ""
	}
	original, err := s.store.GetSubtask(sub.ReviewTarget)
	if err != nil {
		return "", ""
	}
	switch sub.Kind {
	case types.SubtaskKindReview:
		return original.AssignedWorker, ""
	case types.SubtaskKindCorrection:
		return "", original.AssignedWorker
	}
	return "", ""
}

// armExecTimeout starts the execution watchdog for one dispatched attempt.
// A worker that stays live but never reports back is indistinguishable from
// a hung tool run; the watchdog returns the subtask to the retry path.
func (s *Scheduler) armExecTimeout(ts *taskState, subtaskID string, attempt int) {
	if s.cfg.SubtaskTimeout <= 0 {
		return
	}
	timer := time.AfterFunc(s.cfg.SubtaskTimeout, func() {
		sub, err := s.store.GetSubtask(subtaskID)
		if err != nil || sub.Attempt != attempt || sub.State.Terminal() {
			return
		}
		logger := log.WithSubtaskID(subtaskID)
		logger.Warn().
			Int("attempt", attempt).
			Dur("timeout", s.cfg.SubtaskTimeout).
			Msg("subtask execution timed out")
		if sub.AssignedWorker != "" {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchAckTimeout)
			if err := s.dispatcher.Cancel(ctx, sub.AssignedWorker, subtaskID); err != nil {
				logger.Warn().Err(err).Str("worker_id", sub.AssignedWorker).Msg("timeout cancel not acknowledged")
			}
			cancel()
		}
		if err := s.OnSubtaskFailed(subtaskID, "execution timed out", false); err != nil {
			logger.Error().Err(err).Msg("failed to expire subtask")
		}
	})
	s.mu.Lock()
	ts.execTimers[subtaskID] = timer
	s.mu.Unlock()
}

// disarmExecTimeout stops the watchdog once a result arrived or the
// assignment was withdrawn
func (s *Scheduler) disarmExecTimeout(taskID, subtaskID string) {
	s.mu.Lock()
	if ts, ok := s.tasks[taskID]; ok {
		if t, ok := ts.execTimers[subtaskID]; ok {
			t.Stop()
			delete(ts.execTimers, subtaskID)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) noteNoWorkers(ts *taskState, sub *types.Subtask) {
	s.mu.Lock()
	logged := ts.noWorkerLogged[sub.ID]
	ts.noWorkerLogged[sub.ID] = true
	s.mu.Unlock()
	if logged {
		return
	}
	s.logger.Warn().Str("subtask_id", sub.ID).Msg("no eligible workers")
	s.publish(sub.TaskID, &events.Event{
		Kind:      events.KindActivityLog,
		TaskID:    sub.TaskID,
		SubtaskID: sub.ID,
		Message:   "no eligible workers",
	})
}

// OnSubtaskComplete moves a subtask to Done, recomputes task progress,
// promotes dependents and notifies the orchestrator. Duplicate completions
// of an already-terminal subtask are no-ops.
func (s *Scheduler) OnSubtaskComplete(subtaskID string, output *types.SubtaskOutput) error {
	sub, err := s.store.GetSubtask(subtaskID)
	if err != nil {
		return err
	}
	if sub.State.Terminal() {
		return nil
	}
	s.disarmExecTimeout(sub.TaskID, sub.ID)

	sub.State = types.SubtaskStateCompleted
	sub.Output = output
	sub.Error = ""
	sub.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateSubtask(sub); err != nil {
		return err
	}
	s.releaseWorker(sub.AssignedWorker)

	s.mu.Lock()
	ts, ok := s.tasks[sub.TaskID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(ts.running, sub.ID)
	ts.done[sub.ID] = true
	promoted := s.promoteLocked(ts, sub.ID)
	progress := len(ts.done) * 100 / ts.total
	s.mu.Unlock()

	for _, p := range promoted {
		if err := s.store.UpdateSubtask(p); err != nil {
			s.logger.Error().Err(err).Str("subtask_id", p.ID).Msg("failed to persist promotion")
		}
	}
	if _, err := s.store.MutateTask(sub.TaskID, func(t *types.Task) error {
		if !t.State.Terminal() {
			t.Progress = progress
		}
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Str("task_id", sub.TaskID).Msg("failed to persist progress")
	}

	s.publish(sub.TaskID, &events.Event{
		Kind:      events.KindSubtaskUpdate,
		TaskID:    sub.TaskID,
		SubtaskID: sub.ID,
		Message:   "subtask completed",
		Data:      map[string]string{"state": string(sub.State)},
	})
	s.publish(sub.TaskID, &events.Event{
		Kind:    events.KindTaskUpdate,
		TaskID:  sub.TaskID,
		Message: "progress updated",
		Data:    map[string]string{"progress": strconv.Itoa(progress)},
	})

	if s.hooks.OnSubtaskCompleted != nil {
		s.hooks.OnSubtaskCompleted(sub)
	}
	s.checkDrain(sub.TaskID)
	s.Kick()
	return nil
}

// promoteLocked moves dependents of a completed subtask whose dependencies
// are all done from Pending to Ready. Returns the promoted subtasks for
// persistence outside the lock.
func (s *Scheduler) promoteLocked(ts *taskState, completedID string) []*types.Subtask {
	var promoted []*types.Subtask
	now := time.Now().UTC()
	for _, depID := range ts.dependents[completedID] {
		if !ts.pending[depID] {
			continue
		}
		allDone := true
		for _, d := range ts.deps[depID] {
			if !ts.done[d] {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		sub, err := s.store.GetSubtask(depID)
		if err != nil {
			s.logger.Error().Err(err).Str("subtask_id", depID).Msg("pending subtask vanished from store")
			continue
		}
		delete(ts.pending, depID)
		sub.State = types.SubtaskStateReady
		s.enqueueLocked(ts, sub, now)
		promoted = append(promoted, sub)
	}
	return promoted
}

// OnSubtaskFailed handles a subtask failure. Transient causes retry with
// exponential backoff up to the attempt budget; fatal causes fail the
// subtask immediately.
func (s *Scheduler) OnSubtaskFailed(subtaskID, reason string, fatal bool) error {
	sub, err := s.store.GetSubtask(subtaskID)
	if err != nil {
		return err
	}
	if sub.State.Terminal() {
		return nil
	}
	s.disarmExecTimeout(sub.TaskID, sub.ID)

	s.releaseWorker(sub.AssignedWorker)
	s.mu.Lock()
	ts, ok := s.tasks[sub.TaskID]
	if ok {
		delete(ts.running, sub.ID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	metrics.SubtasksFailed.Inc()
	if fatal || sub.Retries+1 >= s.cfg.RetryMaxAttempts {
		return s.failPermanently(ts, sub, reason, fatal)
	}
	return s.scheduleRetry(ts, sub, reason)
}

func (s *Scheduler) failPermanently(ts *taskState, sub *types.Subtask, reason string, fatal bool) error {
	sub.State = types.SubtaskStateFailed
	sub.Error = reason
	sub.Fatal = fatal
	sub.AssignedWorker = ""
	sub.CompletedAt = time.Now().UTC()
	if err := s.store.UpdateSubtask(sub); err != nil {
		return err
	}

	s.mu.Lock()
	ts.failed[sub.ID] = true
	s.mu.Unlock()

	s.logger.Warn().
		Str("subtask_id", sub.ID).
		Str("reason", reason).
		Bool("fatal", fatal).
		Msg("subtask failed permanently")
	s.publish(sub.TaskID, &events.Event{
		Kind:      events.KindSubtaskUpdate,
		TaskID:    sub.TaskID,
		SubtaskID: sub.ID,
		Message:   "subtask failed: " + reason,
		Data:      map[string]string{"state": string(sub.State)},
	})
	s.checkDrain(sub.TaskID)
	return nil
}

func (s *Scheduler) scheduleRetry(ts *taskState, sub *types.Subtask, reason string) error {
	sub.Retries++
	sub.State = types.SubtaskStateReady
	sub.AssignedWorker = ""
	sub.Error = reason
	if err := s.store.UpdateSubtask(sub); err != nil {
		return err
	}

	delay := s.backoffDelay(sub.Retries)
	s.logger.Info().
		Str("subtask_id", sub.ID).
		Int("retries", sub.Retries).
		Dur("delay", delay).
		Msg("subtask retry scheduled")
	s.publish(sub.TaskID, &events.Event{
		Kind:      events.KindActivityLog,
		TaskID:    sub.TaskID,
		SubtaskID: sub.ID,
		Message:   "retry scheduled after failure: " + reason,
	})

	subID := sub.ID
	s.mu.Lock()
	ts.pendingRetries++
	ts.retryTimers[subID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(ts.retryTimers, subID)
		ts.pendingRetries--
		if !ts.cancelled {
			s.enqueueLocked(ts, sub, time.Now().UTC())
		}
		s.mu.Unlock()
		s.Kick()
	})
	s.mu.Unlock()
	return nil
}

// backoffDelay doubles the base delay per prior retry, capped
func (s *Scheduler) backoffDelay(retries int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	if delay > s.cfg.RetryMaxDelay {
		return s.cfg.RetryMaxDelay
	}
	return delay
}

// OnWorkerLost returns every Assigned or Running subtask of a lost worker
// to Ready with its retry counter incremented.
func (s *Scheduler) OnWorkerLost(workerID string) {
	subs, err := s.store.ListSubtasksByWorker(workerID)
	if err != nil {
		s.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to list subtasks of lost worker")
		return
	}

	now := time.Now().UTC()
	reclaimed := 0
	for _, sub := range subs {
		if !sub.State.Active() {
			continue
		}
		s.mu.Lock()
		ts, ok := s.tasks[sub.TaskID]
		if !ok || ts.cancelled {
			s.mu.Unlock()
			continue
		}
		delete(ts.running, sub.ID)
		if t, ok := ts.execTimers[sub.ID]; ok {
			t.Stop()
			delete(ts.execTimers, sub.ID)
		}
		s.mu.Unlock()

		sub.State = types.SubtaskStateReady
		sub.AssignedWorker = ""
		sub.Retries++
		if err := s.store.UpdateSubtask(sub); err != nil {
			s.logger.Error().Err(err).Str("subtask_id", sub.ID).Msg("failed to reclaim subtask")
			continue
		}
		s.mu.Lock()
		s.enqueueLocked(ts, sub, now)
		s.mu.Unlock()
		reclaimed++

		s.publish(sub.TaskID, &events.Event{
			Kind:      events.KindActivityLog,
			TaskID:    sub.TaskID,
			SubtaskID: sub.ID,
			WorkerID:  workerID,
			Message:   "worker lost, subtask reclaimed",
		})
	}
	if reclaimed > 0 {
		if err := s.reg.AdjustLoad(workerID, -reclaimed); err != nil {
			s.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to release lost worker load")
		}
		s.logger.Warn().
			Str("worker_id", workerID).
			Int("subtasks", reclaimed).
			Msg("reclaimed subtasks from lost worker")
	}
	s.Kick()
}

// Suspend stops dispatching for a task; running subtasks keep running
func (s *Scheduler) Suspend(taskID string) {
	s.mu.Lock()
	if ts, ok := s.tasks[taskID]; ok {
		ts.suspended = true
	}
	s.mu.Unlock()
}

// Resume re-enables dispatching for a suspended task
func (s *Scheduler) Resume(taskID string) {
	s.mu.Lock()
	if ts, ok := s.tasks[taskID]; ok {
		ts.suspended = false
	}
	s.mu.Unlock()
	s.checkDrain(taskID)
	s.Kick()
}

// CancelTask stops all scheduling for the task and sends cancels for its
// in-flight subtasks. Unacknowledged cancels resolve via the worker-loss
// path. Idempotent.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) {
	s.mu.Lock()
	ts, ok := s.tasks[taskID]
	if !ok || ts.cancelled {
		s.mu.Unlock()
		return
	}
	ts.cancelled = true
	for _, t := range ts.retryTimers {
		t.Stop()
	}
	for _, t := range ts.execTimers {
		t.Stop()
	}
	ts.retryTimers = make(map[string]*time.Timer)
	ts.execTimers = make(map[string]*time.Timer)
	ts.pendingRetries = 0
	ts.ready = nil
	inflight := make(map[string]string, len(ts.running))
	for subID, workerID := range ts.running {
		inflight[subID] = workerID
	}
	ts.running = make(map[string]string)
	s.mu.Unlock()

	for subID, workerID := range inflight {
		if err := s.dispatcher.Cancel(ctx, workerID, subID); err != nil {
			s.logger.Warn().Err(err).
				Str("subtask_id", subID).
				Str("worker_id", workerID).
				Msg("cancel not acknowledged")
		}
		s.releaseWorker(workerID)

		sub, err := s.store.GetSubtask(subID)
		if err != nil {
			continue
		}
		if sub.State.Terminal() {
			continue
		}
		sub.State = types.SubtaskStateFailed
		sub.Error = "task cancelled"
		sub.CompletedAt = time.Now().UTC()
		if err := s.store.UpdateSubtask(sub); err != nil {
			s.logger.Error().Err(err).Str("subtask_id", subID).Msg("failed to persist cancellation")
		}
	}
	s.logger.Info().Str("task_id", taskID).Int("cancelled", len(inflight)).Msg("task cancelled in scheduler")
}

// Forget drops the in-memory state of a finished task
func (s *Scheduler) Forget(taskID string) {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
}

// checkDrain detects a fully-drained task and fires the terminal hook once
func (s *Scheduler) checkDrain(taskID string) {
	s.mu.Lock()
	ts, ok := s.tasks[taskID]
	if !ok || ts.finished || ts.cancelled {
		s.mu.Unlock()
		return
	}
	if len(ts.running) > 0 || len(ts.ready) > 0 || ts.pendingRetries > 0 {
		s.mu.Unlock()
		return
	}

	var failed, drained bool
	switch {
	case len(ts.failed) > 0:
		failed = true
		ts.finished = true
	case len(ts.done) == ts.total:
		drained = true
		ts.finished = true
	}
	s.mu.Unlock()

	switch {
	case failed && s.hooks.OnTaskFailed != nil:
		s.hooks.OnTaskFailed(taskID, "subtask failed permanently")
	case drained && s.hooks.OnTaskDrained != nil:
		s.hooks.OnTaskDrained(taskID)
	}
}

func (s *Scheduler) releaseWorker(workerID string) {
	if workerID == "" {
		return
	}
	if err := s.reg.AdjustLoad(workerID, -1); err != nil {
		s.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to release worker load")
	}
}

func (s *Scheduler) publish(taskID string, e *events.Event) {
	metrics.EventsPublished.WithLabelValues(string(e.Kind)).Inc()
	s.broker.Publish(events.TaskTopic(taskID), e)
}
