package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/types"
)

// Frame types exchanged on the worker channel
const (
	FrameRegister   = "register"
	FrameHeartbeat  = "heartbeat"
	FrameTaskResult = "task_result"
	FrameExecute    = "execute_task"
	FrameCancel     = "cancel_task"
)

// Result statuses a worker may report
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// Frame is one JSON message on the worker websocket, in either direction.
// Fields are populated according to Type.
type Frame struct {
	Type string `json:"type"`

	// register / heartbeat
	WorkerID  string                 `json:"worker_id,omitempty"`
	Hostname  string                 `json:"hostname,omitempty"`
	Tools     []string               `json:"tools,omitempty"`
	Residency types.Residency        `json:"residency,omitempty"`
	Resources *types.WorkerResources `json:"resources,omitempty"`

	// task_result / execute_task / cancel_task
	SubtaskID string               `json:"subtask_id,omitempty"`
	Attempt   int                  `json:"attempt,omitempty"`
	Status    string               `json:"status,omitempty"`
	Output    *types.SubtaskOutput `json:"output,omitempty"`
	Error     string               `json:"error,omitempty"`
	Fatal     bool                 `json:"fatal,omitempty"`

	// execute_task
	TaskID       string `json:"task_id,omitempty"`
	Tool         string `json:"tool,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// ResultHandler consumes task_result frames
type ResultHandler interface {
	HandleTaskResult(subtaskID string, attempt int, completed bool, output *types.SubtaskOutput, errMsg string, fatal bool) error
}

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

// Hub owns the worker websocket connections. It upgrades incoming worker
// connections, feeds register/heartbeat frames to the registry and
// task_result frames to the result handler, and implements the scheduler's
// Dispatcher by pushing execute/cancel frames to the owning connection.
type Hub struct {
	reg     *registry.Registry
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn
	results ResultHandler
}

type conn struct {
	ws       *websocket.Conn
	workerID string

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// NewHub creates the hub. The result handler is wired after construction
// because the orchestrator is built on top of the scheduler this hub feeds.
func NewHub(reg *registry.Registry) *Hub {
	return &Hub{
		reg:    reg,
		logger: log.WithComponent("dispatch"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "dispatch",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A worker without a connection is a routing miss, not a
			// channel fault; only write failures may trip the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || apierr.IsKind(err, apierr.KindUnavailable)
			},
		}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*conn),
	}
}

// SetResultHandler installs the consumer for task_result frames
func (h *Hub) SetResultHandler(r ResultHandler) {
	h.mu.Lock()
	h.results = r
	h.mu.Unlock()
}

// Connected reports whether a worker currently holds a live connection
func (h *Hub) Connected(workerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[workerID]
	return ok
}

// Close drops every connection
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ServeHTTP upgrades a worker connection. The first frame must be a
// register; afterwards the connection carries heartbeats and task results
// until the worker disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)

	var first Frame
	if err := ws.ReadJSON(&first); err != nil || first.Type != FrameRegister {
		h.logger.Warn().Err(err).Msg("worker connection did not open with a register frame")
		ws.Close()
		return
	}
	worker, err := h.reg.Register(registry.Registration{
		ID:        first.WorkerID,
		Hostname:  first.Hostname,
		Tools:     first.Tools,
		Residency: first.Residency,
		Resources: first.Resources,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("worker_id", first.WorkerID).Msg("worker registration rejected")
		ws.Close()
		return
	}

	c := &conn{ws: ws, workerID: worker.ID, closed: make(chan struct{})}
	h.adopt(c)
	h.logger.Info().Str("worker_id", worker.ID).Str("hostname", worker.Hostname).Msg("worker connected")
	h.readLoop(c)
}

// adopt installs the connection, superseding any previous one for the same
// worker. Workers reconnecting within the heartbeat loss window keep their
// registration record.
func (h *Hub) adopt(c *conn) {
	h.mu.Lock()
	prev := h.conns[c.workerID]
	h.conns[c.workerID] = c
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	if h.conns[c.workerID] == c {
		delete(h.conns, c.workerID)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) readLoop(c *conn) {
	defer h.drop(c)
	logger := log.WithWorkerID(c.workerID)
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("worker connection lost")
			} else {
				logger.Info().Msg("worker disconnected")
			}
			return
		}
		h.handleFrame(c, &f)
	}
}

func (h *Hub) handleFrame(c *conn, f *Frame) {
	switch f.Type {
	case FrameHeartbeat:
		if err := h.reg.Heartbeat(c.workerID, f.Resources); err != nil {
			h.logger.Warn().Err(err).Str("worker_id", c.workerID).Msg("heartbeat rejected")
		}
	case FrameTaskResult:
		h.mu.Lock()
		results := h.results
		h.mu.Unlock()
		if results == nil {
			h.logger.Error().Str("subtask_id", f.SubtaskID).Msg("task result with no handler installed")
			return
		}
		completed := f.Status == ResultCompleted
		if err := results.HandleTaskResult(f.SubtaskID, f.Attempt, completed, f.Output, f.Error, f.Fatal); err != nil {
			h.logger.Warn().Err(err).
				Str("worker_id", c.workerID).
				Str("subtask_id", f.SubtaskID).
				Msg("task result rejected")
		}
	case FrameRegister:
		// Re-register on an open connection refreshes tools and resources
		if _, err := h.reg.Register(registry.Registration{
			ID:        c.workerID,
			Hostname:  f.Hostname,
			Tools:     f.Tools,
			Residency: f.Residency,
			Resources: f.Resources,
		}); err != nil {
			h.logger.Warn().Err(err).Str("worker_id", c.workerID).Msg("re-registration rejected")
		}
	default:
		h.logger.Warn().Str("worker_id", c.workerID).Str("type", f.Type).Msg("unknown frame type")
	}
}

// Dispatch pushes an execute_task frame to the worker's connection. The
// call fails fast while the breaker is open.
func (h *Hub) Dispatch(ctx context.Context, workerID string, sub *types.Subtask) error {
	_, err := h.breaker.Execute(func() (any, error) {
		return nil, h.send(ctx, workerID, &Frame{
			Type:         FrameExecute,
			SubtaskID:    sub.ID,
			TaskID:       sub.TaskID,
			Attempt:      sub.Attempt,
			Tool:         sub.RecommendedTool,
			Instructions: sub.Description,
		})
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apierr.Unavailable("dispatch_breaker_open", "worker channel temporarily unavailable")
	}
	return err
}

// Cancel pushes a cancel_task frame. A missing connection is not an error:
// there is nothing left to cancel on an unreachable worker.
func (h *Hub) Cancel(ctx context.Context, workerID, subtaskID string) error {
	err := h.send(ctx, workerID, &Frame{Type: FrameCancel, SubtaskID: subtaskID})
	if apierr.IsKind(err, apierr.KindUnavailable) {
		return nil
	}
	return err
}

func (h *Hub) send(ctx context.Context, workerID string, f *Frame) error {
	h.mu.Lock()
	c := h.conns[workerID]
	h.mu.Unlock()
	if c == nil {
		return apierr.Unavailable("worker_unreachable", "worker %s has no live connection", workerID)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(f); err != nil {
		h.drop(c)
		return apierr.Transient("worker_write_failed", "writing %s frame to worker %s: %v", f.Type, workerID, err)
	}
	return nil
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}
