package syncengine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"agent_loyalty/app/queue"
	"agent_loyalty/app/store"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions [][2]Status
	batches     []BatchResult
}

func (o *recordingObserver) BatchRecorded(_ string, r BatchResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, r)
}

func (o *recordingObserver) StatusChanged(_ string, from, to Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, [2]Status{from, to})
}

// harness chạy engine "sync" trên MemoryStore + MemoryQueue với đồng hồ giả lập.
// Khách hàng xử lý thành công bị loại khỏi danh sách candidates, khách trong failing luôn lỗi.
type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *fakeClock
	store    *store.MemoryStore
	queue    *queue.MemoryQueue
	runner   *queue.Runner
	engine   *Engine
	observer *recordingObserver

	mu        sync.Mutex
	remaining map[CustomerID]bool
	failing   map[CustomerID]bool
	calls     [][]CustomerID
	panicNext bool
}

func newHarness(t *testing.T, total int, mutate func(cfg *EngineConfig)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     &fakeClock{now: t0},
		store:     store.NewMemoryStore(),
		observer:  &recordingObserver{},
		remaining: make(map[CustomerID]bool),
		failing:   make(map[CustomerID]bool),
	}
	for i := 1; i <= total; i++ {
		h.remaining[CustomerID(i)] = true
	}
	h.queue = queue.NewMemoryQueue(h.clock.Now)
	h.runner = queue.NewRunner(h.queue, queue.WithClock(h.clock.Now))

	cfg := EngineConfig{
		Name:       "sync",
		Candidates: h.candidates,
		Process:    h.process,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg, h.store, h.queue, WithClock(h.clock.Now), WithObserver(h.observer))
	require.NoError(t, err)
	engine.Register(h.runner)
	h.engine = engine
	return h
}

func (h *harness) candidates(context.Context) ([]CustomerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]CustomerID, 0, len(h.remaining))
	for id := range h.remaining {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (h *harness) process(_ context.Context, ids []CustomerID) BatchResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicNext {
		h.panicNext = false
		panic("worker crashed")
	}
	h.calls = append(h.calls, ids)
	r := newBatchResult(ids)
	for _, id := range ids {
		if h.failing[id] {
			r.fail(id, "remote rejected")
			continue
		}
		delete(h.remaining, id)
		r.Successful++
	}
	return r
}

func (h *harness) failIDs(from, to CustomerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := from; id <= to; id++ {
		h.failing[id] = true
	}
}

// runAt đặt đồng hồ về t0+offset và chạy các action tới hạn
func (h *harness) runAt(offset time.Duration) int {
	h.t.Helper()
	h.clock.Set(t0.Add(offset))
	n, err := h.runner.RunDue(h.ctx)
	require.NoError(h.t, err)
	return n
}

func (h *harness) status() StatusReport {
	h.t.Helper()
	report, err := h.engine.GetStatus(h.ctx)
	require.NoError(h.t, err)
	return report
}

func (h *harness) actions(statuses ...queue.Status) []queue.Action {
	h.t.Helper()
	actions, err := h.queue.ListActions(h.ctx, "sync", statuses...)
	require.NoError(h.t, err)
	return actions
}

func (h *harness) actionsByHook(hook string, statuses ...queue.Status) []queue.Action {
	out := make([]queue.Action, 0)
	for _, a := range h.actions(statuses...) {
		if a.Hook == hook {
			out = append(out, a)
		}
	}
	return out
}

func offsets(actions []queue.Action) []time.Duration {
	out := make([]time.Duration, len(actions))
	for i, a := range actions {
		out[i] = a.ScheduledAt.Sub(t0)
	}
	return out
}
