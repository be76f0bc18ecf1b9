package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker(256)
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, broker, 120*time.Second, 3), broker
}

func testResources() *types.WorkerResources {
	return &types.WorkerResources{CPUPercent: 20, MemPercent: 30, DiskPercent: 10}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		name string
		reg  Registration
	}{
		{"missing id", Registration{Tools: []string{"claude-code"}}},
		{"no tools", Registration{ID: "w1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.reg)
			assert.True(t, apierr.IsKind(err, apierr.KindValidation))
		})
	}
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	w, err := r.Register(Registration{
		ID:        "w1",
		Hostname:  "node-a",
		Tools:     []string{"claude-code", "aider"},
		Residency: types.ResidencyLocal,
		Resources: testResources(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateOnline, w.State)
	assert.False(t, w.RegisteredAt.IsZero())

	got, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-code", "aider"}, got.Tools)
	assert.Equal(t, types.ResidencyLocal, got.Residency)
}

func TestReRegisterKeepsRegistrationTime(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}})
	require.NoError(t, err)

	// Simulate a reconnect a minute later with a new tool set
	r.now = func() time.Time { return first.RegisteredAt.Add(time.Minute) }
	second, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code", "cursor"}})
	require.NoError(t, err)

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, []string{"claude-code", "cursor"}, second.Tools)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Heartbeat("ghost", testResources())
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestHeartbeatIdenticalSnapshotIsSilent(t *testing.T) {
	r, broker := newTestRegistry(t)

	res := testResources()
	_, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}, Resources: res})
	require.NoError(t, err)

	sub := broker.Subscribe(events.TopicWorkers, 0)
	defer broker.Unsubscribe(sub)
	drain(t, sub, 1) // registration event

	// Same snapshot: TTL refresh only, no event
	require.NoError(t, r.Heartbeat("w1", testResources()))
	assertNoEvent(t, sub)

	// Changed snapshot publishes
	require.NoError(t, r.Heartbeat("w1", &types.WorkerResources{CPUPercent: 80}))
	got := drain(t, sub, 1)
	assert.Equal(t, events.KindWorkerUpdate, got[0].Kind)
	assert.Equal(t, "w1", got[0].WorkerID)
}

func TestExpireMarksOfflineAndReclaims(t *testing.T) {
	r, _ := newTestRegistry(t)

	var reclaimed []string
	r.SetOfflineHook(func(id string) { reclaimed = append(reclaimed, id) })

	base := time.Now()
	r.now = func() time.Time { return base }
	_, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}})
	require.NoError(t, err)
	_, err = r.Register(Registration{ID: "w2", Tools: []string{"aider"}})
	require.NoError(t, err)

	// w2 heartbeats inside the window, w1 goes dark
	r.now = func() time.Time { return base.Add(90 * time.Second) }
	require.NoError(t, r.Heartbeat("w2", testResources()))

	r.now = func() time.Time { return base.Add(130 * time.Second) }
	r.Expire()

	w1, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateOffline, w1.State)

	w2, err := r.Get("w2")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateOnline, w2.State)

	assert.Equal(t, []string{"w1"}, reclaimed)
}

func TestHeartbeatRevivesOfflineWorker(t *testing.T) {
	r, _ := newTestRegistry(t)

	base := time.Now()
	r.now = func() time.Time { return base }
	_, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}})
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(3 * time.Minute) }
	r.Expire()

	kicked := false
	r.SetAvailableHook(func() { kicked = true })
	require.NoError(t, r.Heartbeat("w1", testResources()))

	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateOnline, w.State)
	assert.True(t, kicked)
}

func TestAdjustLoadBusyTransition(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}})
	require.NoError(t, err)

	// maxLoad is 3 in the test registry
	require.NoError(t, r.AdjustLoad("w1", 3))
	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateBusy, w.State)
	assert.Equal(t, 3, w.Load)

	kicked := false
	r.SetAvailableHook(func() { kicked = true })
	require.NoError(t, r.AdjustLoad("w1", -1))
	w, err = r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStateOnline, w.State)
	assert.True(t, kicked)
}

func TestAdjustLoadNeverNegative(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}})
	require.NoError(t, err)
	require.NoError(t, r.AdjustLoad("w1", -5))

	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.Load)
}

func TestCandidatesExcludesBusyAndOffline(t *testing.T) {
	r, _ := newTestRegistry(t)

	base := time.Now()
	r.now = func() time.Time { return base }
	for _, id := range []string{"idle", "busy", "dark"} {
		_, err := r.Register(Registration{ID: id, Tools: []string{"claude-code"}})
		require.NoError(t, err)
	}
	require.NoError(t, r.AdjustLoad("busy", 3))

	r.now = func() time.Time { return base.Add(3 * time.Minute) }
	require.NoError(t, r.Heartbeat("idle", testResources()))
	require.NoError(t, r.Heartbeat("busy", testResources()))
	r.Expire() // only "dark" went quiet

	cands, err := r.Candidates()
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "idle", cands[0].ID)
}

func TestDeregister(t *testing.T) {
	r, _ := newTestRegistry(t)

	var reclaimed []string
	r.SetOfflineHook(func(id string) { reclaimed = append(reclaimed, id) })

	_, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}})
	require.NoError(t, err)
	require.NoError(t, r.Deregister("w1"))

	list, err := r.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	err = r.Heartbeat("w1", testResources())
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
	assert.Equal(t, []string{"w1"}, reclaimed)
}

func TestListFilters(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Register(Registration{ID: "w1", Tools: []string{"claude-code"}})
	require.NoError(t, err)
	_, err = r.Register(Registration{ID: "w2", Tools: []string{"aider"}})
	require.NoError(t, err)

	byTool, err := r.List(Filter{Tool: "aider"})
	require.NoError(t, err)
	require.Len(t, byTool, 1)
	assert.Equal(t, "w2", byTool[0].ID)

	online, err := r.List(Filter{State: types.WorkerStateOnline})
	require.NoError(t, err)
	assert.Len(t, online, 2)
}

func drain(t *testing.T, sub *events.Subscription, n int) []*events.Event {
	t.Helper()
	var got []*events.Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case e := <-sub.C:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(got))
		}
	}
	return got
}

func assertNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %s for worker %s", e.Kind, e.WorkerID)
	case <-time.After(50 * time.Millisecond):
	}
}
