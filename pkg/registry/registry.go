package registry

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

// Registration carries what a worker announces when it connects
type Registration struct {
	ID        string
	Hostname  string
	Tools     []string
	Residency types.Residency
	Resources *types.WorkerResources
}

// Filter narrows List results
type Filter struct {
	State types.WorkerState
	Tool  string
}

// Registry tracks worker identity, capabilities, liveness and load.
// Registration records are durable; liveness is an in-memory TTL index
// refreshed by heartbeats and enforced by a background sweeper.
type Registry struct {
	store      storage.Store
	broker     *events.Broker
	lossWindow time.Duration
	maxLoad    int
	logger     zerolog.Logger

	mu       sync.RWMutex
	lastSeen map[string]time.Time

	// onOffline runs outside the registry lock when a worker is lost,
	// so the scheduler can reclaim its subtasks.
	onOffline func(workerID string)
	// onAvailable runs when capacity appears (registration, heartbeat
	// after busy, load drop); the scheduler uses it to retry dispatch.
	onAvailable func()

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// New creates a worker registry
func New(store storage.Store, broker *events.Broker, lossWindow time.Duration, maxLoad int) *Registry {
	return &Registry{
		store:      store,
		broker:     broker,
		lossWindow: lossWindow,
		maxLoad:    maxLoad,
		logger:     log.WithComponent("registry"),
		lastSeen:   make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// SetOfflineHook installs the worker-loss callback
func (r *Registry) SetOfflineHook(fn func(workerID string)) {
	r.onOffline = fn
}

// SetAvailableHook installs the capacity callback
func (r *Registry) SetAvailableHook(fn func()) {
	r.onAvailable = fn
}

// Start launches the liveness sweeper. Sweeping at half the loss window
// bounds detection latency even when no heartbeats arrive at all.
func (r *Registry) Start() {
	go r.sweep()
}

// Stop stops the sweeper
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Register creates or revives a worker record. Re-registration after a
// disconnect keeps the original registration time.
func (r *Registry) Register(reg Registration) (*types.Worker, error) {
	if reg.ID == "" {
		return nil, apierr.Validation("worker_id_required", "worker id must not be empty")
	}
	if len(reg.Tools) == 0 {
		return nil, apierr.Validation("worker_tools_required", "worker must offer at least one tool")
	}

	now := r.now().UTC()
	w, err := r.store.GetWorker(reg.ID)
	if err != nil {
		if !apierr.IsKind(err, apierr.KindNotFound) {
			return nil, err
		}
		w = &types.Worker{ID: reg.ID, RegisteredAt: now}
	}

	w.Hostname = reg.Hostname
	w.Tools = reg.Tools
	w.Residency = reg.Residency
	if w.Residency == "" {
		w.Residency = types.ResidencyRemote
	}
	w.Resources = reg.Resources
	w.State = types.WorkerStateOnline
	w.LastHeartbeat = now
	w.Deregistered = false

	if err := r.store.UpdateWorker(w); err != nil {
		if apierr.IsKind(err, apierr.KindNotFound) {
			err = r.store.CreateWorker(w)
		}
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.lastSeen[w.ID] = now
	r.mu.Unlock()

	r.logger.Info().Str("worker_id", w.ID).Strs("tools", w.Tools).Msg("worker registered")
	r.publishWorker(w, "worker registered")
	r.notifyAvailable()
	return w, nil
}

// Heartbeat refreshes a worker's liveness TTL and resource snapshot.
// Heartbeats carrying an identical snapshot refresh the TTL silently.
func (r *Registry) Heartbeat(id string, res *types.WorkerResources) error {
	w, err := r.store.GetWorker(id)
	if err != nil {
		return err
	}
	if w.Deregistered {
		return apierr.NotFound("worker_not_found", "worker %s is deregistered", id)
	}

	now := r.now().UTC()
	r.mu.Lock()
	r.lastSeen[id] = now
	r.mu.Unlock()

	wasOffline := w.State == types.WorkerStateOffline
	sameSnapshot := w.Resources.Equal(res)

	w.LastHeartbeat = now
	w.Resources = res
	prev := w.State
	w.State = r.stateForLoad(w.Load)

	if err := r.store.UpdateWorker(w); err != nil {
		return err
	}

	if wasOffline || prev != w.State || !sameSnapshot {
		r.publishWorker(w, "worker heartbeat")
	}
	if wasOffline {
		r.logger.Info().Str("worker_id", id).Msg("worker back online")
		r.notifyAvailable()
	}
	return nil
}

// Deregister soft-deletes a worker and reclaims its subtasks
func (r *Registry) Deregister(id string) error {
	w, err := r.store.GetWorker(id)
	if err != nil {
		return err
	}
	w.Deregistered = true
	w.State = types.WorkerStateOffline
	if err := r.store.UpdateWorker(w); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.lastSeen, id)
	r.mu.Unlock()

	r.publishWorker(w, "worker deregistered")
	if r.onOffline != nil {
		r.onOffline(id)
	}
	return nil
}

// Get returns a worker by ID
func (r *Registry) Get(id string) (*types.Worker, error) {
	return r.store.GetWorker(id)
}

// List returns workers matching the filter, excluding deregistered ones
func (r *Registry) List(f Filter) ([]*types.Worker, error) {
	workers, err := r.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	var out []*types.Worker
	for _, w := range workers {
		if w.Deregistered {
			continue
		}
		if f.State != "" && w.State != f.State {
			continue
		}
		if f.Tool != "" && !w.HasTool(f.Tool) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// Candidates returns workers eligible for dispatch: not offline, not
// deregistered and below the per-worker concurrency limit.
func (r *Registry) Candidates() ([]*types.Worker, error) {
	workers, err := r.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	var out []*types.Worker
	for _, w := range workers {
		if w.Deregistered || w.State == types.WorkerStateOffline {
			continue
		}
		if w.Load >= r.maxLoad {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// AdjustLoad changes a worker's assigned-subtask count and recomputes the
// Online/Busy state. A negative delta frees capacity and kicks the scheduler.
func (r *Registry) AdjustLoad(id string, delta int) error {
	w, err := r.store.GetWorker(id)
	if err != nil {
		return err
	}
	w.Load += delta
	if w.Load < 0 {
		w.Load = 0
	}
	if w.State != types.WorkerStateOffline {
		prev := w.State
		w.State = r.stateForLoad(w.Load)
		if prev != w.State {
			defer r.publishWorker(w, "worker load changed")
		}
	}
	if err := r.store.UpdateWorker(w); err != nil {
		return err
	}
	if delta < 0 {
		r.notifyAvailable()
	}
	return nil
}

func (r *Registry) stateForLoad(load int) types.WorkerState {
	if load >= r.maxLoad {
		return types.WorkerStateBusy
	}
	return types.WorkerStateOnline
}

// sweep expires workers whose TTL lapsed. Runs at half the loss window.
func (r *Registry) sweep() {
	ticker := time.NewTicker(r.lossWindow / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.expire()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) expire() {
	now := r.now()
	var lost []string

	r.mu.Lock()
	for id, seen := range r.lastSeen {
		if now.Sub(seen) >= r.lossWindow {
			delete(r.lastSeen, id)
			lost = append(lost, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lost {
		r.markOffline(id)
	}
}

// Expire forces one sweep pass; used by tests and shutdown paths
func (r *Registry) Expire() {
	r.expire()
}

func (r *Registry) markOffline(id string) {
	w, err := r.store.GetWorker(id)
	if err != nil {
		r.logger.Error().Err(err).Str("worker_id", id).Msg("failed to load expired worker")
		return
	}
	if w.State == types.WorkerStateOffline {
		return
	}
	w.State = types.WorkerStateOffline
	if err := r.store.UpdateWorker(w); err != nil {
		r.logger.Error().Err(err).Str("worker_id", id).Msg("failed to mark worker offline")
		return
	}

	r.logger.Warn().
		Str("worker_id", id).
		Time("last_heartbeat", w.LastHeartbeat).
		Msg("worker offline, no heartbeat within loss window")
	r.publishWorker(w, "worker offline")

	if r.onOffline != nil {
		r.onOffline(id)
	}
}

func (r *Registry) publishWorker(w *types.Worker, msg string) {
	metrics.EventsPublished.WithLabelValues(string(events.KindWorkerUpdate)).Inc()
	r.broker.Publish(events.TopicWorkers, &events.Event{
		Kind:     events.KindWorkerUpdate,
		WorkerID: w.ID,
		Message:  msg,
		Data: map[string]string{
			"state": string(w.State),
			"load":  strconv.Itoa(w.Load),
		},
	})
}

func (r *Registry) notifyAvailable() {
	if r.onAvailable != nil {
		r.onAvailable()
	}
}
