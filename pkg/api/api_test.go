package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/decompose"
	"github.com/loomctl/loom/pkg/dispatch"
	"github.com/loomctl/loom/pkg/evaluate"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/orchestrator"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/scheduler"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

type env struct {
	store  storage.Store
	broker *events.Broker
	reg    *registry.Registry
	orch   *orchestrator.Orchestrator
	srv    *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker(cfg.EventReplaySize)
	broker.Start()
	t.Cleanup(broker.Stop)

	reg := registry.New(store, broker, cfg.HeartbeatLossWindow, 3)
	hub := dispatch.NewHub(reg)
	t.Cleanup(hub.Close)

	sched := scheduler.New(store, reg, hub, broker, scheduler.Config{
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

	orch := orchestrator.New(cfg, store, broker, reg, sched, decompose.New(nil, time.Second), evaluator)
	hub.SetResultHandler(orch)
	orch.Start()
	sched.Start()
	t.Cleanup(sched.Stop)
	t.Cleanup(orch.Stop)

	srv := httptest.NewServer(NewServer(orch, reg, store, broker, hub).Router())
	t.Cleanup(srv.Close)

	return &env{store: store, broker: broker, reg: reg, orch: orch, srv: srv}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestSubmitGetAndListTask(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"description":          "clean up the import graph",
		"checkpoint_frequency": "low",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var task types.Task
	require.NoError(t, json.Unmarshal(body, &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.TaskStatePending, task.State)
	assert.Equal(t, types.CheckpointFrequencyLow, task.Config.CheckpointFrequency)

	require.Eventually(t, func() bool {
		got, err := e.store.GetTask(task.ID)
		return err == nil && got.State == types.TaskStateRunning
	}, 2*time.Second, 5*time.Millisecond)

	resp, body = e.do(t, http.MethodGet, "/v1/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Task     *types.Task      `json:"task"`
		Subtasks []*types.Subtask `json:"subtasks"`
	}
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, task.ID, detail.Task.ID)
	assert.NotEmpty(t, detail.Subtasks)

	resp, body = e.do(t, http.MethodGet, "/v1/tasks?status=running", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Tasks []*types.Task `json:"tasks"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Equal(t, 1, listing.Total)
	require.Len(t, listing.Tasks, 1)
	assert.Equal(t, task.ID, listing.Tasks[0].ID)
}

func TestSubmitTaskRejectsBadBodies(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing description", map[string]any{}},
		{"unknown frequency", map[string]any{"description": "x", "checkpoint_frequency": "hourly"}},
		{"unknown privacy", map[string]any{"description": "x", "privacy": "secret"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/v1/tasks", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var envelope struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(body, &envelope))
			assert.Equal(t, "body_invalid", envelope.Error)
		})
	}
}

func TestBodyRequiredEndpointsRejectEmptyBody(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/v1/tasks", "/v1/checkpoints/c1/correct"} {
		resp, body := e.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		var envelope struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(body, &envelope))
		assert.Equal(t, "body_invalid", envelope.Error, path)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.CreateTask(&types.Task{
		ID: "t1", State: types.TaskStateCompleted, Config: &types.TaskConfig{},
	}))
	resp, _ := e.do(t, http.MethodDelete, "/v1/tasks/t1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWorkerEndpoints(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.Register(registry.Registration{
		ID:        "w1",
		Hostname:  "box-1",
		Tools:     []string{"claude-code", "gemini-cli"},
		Resources: &types.WorkerResources{CPUPercent: 15},
	})
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodGet, "/v1/workers?tool=gemini-cli", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Workers []*types.Worker `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Workers, 1)
	assert.Equal(t, "w1", listing.Workers[0].ID)

	resp, body = e.do(t, http.MethodGet, "/v1/workers/w1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var worker types.Worker
	require.NoError(t, json.Unmarshal(body, &worker))
	assert.Equal(t, "box-1", worker.Hostname)

	resp, _ = e.do(t, http.MethodGet, "/v1/workers/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckpointDecisionEndpoints(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.CreateTask(&types.Task{
		ID: "t1", State: types.TaskStateCheckpointPending, Config: &types.TaskConfig{},
	}))
	require.NoError(t, e.store.CreateCheckpoint(&types.Checkpoint{
		ID: "c1", TaskID: "t1", Trigger: types.TriggerFrequency,
		Status: types.CheckpointPendingReview, CreatedAt: time.Now().UTC(),
	}))

	resp, body := e.do(t, http.MethodGet, "/v1/checkpoints?task_id=t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Checkpoints []*types.Checkpoint `json:"checkpoints"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Checkpoints, 1)

	resp, body = e.do(t, http.MethodPost, "/v1/checkpoints/c1/approve", map[string]any{"notes": "ship it"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ckpt types.Checkpoint
	require.NoError(t, json.Unmarshal(body, &ckpt))
	assert.Equal(t, types.CheckpointApproved, ckpt.Status)
	assert.Equal(t, "ship it", ckpt.Notes)

	task, err := e.store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, task.State)

	// Rejecting a decided checkpoint conflicts
	resp, _ = e.do(t, http.MethodPost, "/v1/checkpoints/c1/reject", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCorrectCheckpointValidation(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/v1/checkpoints/c1/correct", map[string]any{
		"subtask_id": "s1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var envelope struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "body_invalid", envelope.Error)
}

func TestListCheckpointsRequiresTaskID(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/v1/checkpoints", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "loom_")
}

func TestEventStream(t *testing.T) {
	e := newEnv(t)

	// Replay: events published before the subscription are delivered when
	// from_seq is set.
	e.broker.Publish(events.TaskTopic("t1"), &events.Event{
		Kind: events.KindTaskUpdate, TaskID: "t1", Message: "first",
	})

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/events?task_id=t1&from_seq=1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, "first", got.Message)
	assert.Equal(t, uint64(1), got.Seq)

	e.broker.Publish(events.TaskTopic("t1"), &events.Event{
		Kind: events.KindTaskComplete, TaskID: "t1", Message: "done",
	})
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, events.KindTaskComplete, got.Kind)
	assert.Equal(t, uint64(2), got.Seq)
}

func TestWorkerChannelMounted(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/workers/connect"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(&dispatch.Frame{
		Type:     dispatch.FrameRegister,
		WorkerID: "w9",
		Tools:    []string{"claude-code"},
	}))
	require.Eventually(t, func() bool {
		w, err := e.reg.Get("w9")
		return err == nil && w.State == types.WorkerStateOnline
	}, 2*time.Second, 5*time.Millisecond)
}
