package syncengine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"agent_loyalty/app/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_Validation(t *testing.T) {
	h := newHarness(t, 0, nil)

	_, err := NewEngine(EngineConfig{Candidates: h.candidates, Process: h.process}, h.store, h.queue)
	assert.Error(t, err)

	_, err = NewEngine(EngineConfig{Name: "sync"}, h.store, h.queue)
	assert.Error(t, err)

	e, err := NewEngine(EngineConfig{Name: "import", Candidates: h.candidates, Process: h.process}, h.store, h.queue)
	require.NoError(t, err)
	assert.Equal(t, "import", e.Name())
	assert.Equal(t, DefaultBatchSize, e.cfg.BatchSize)
	assert.Equal(t, DefaultInterval, e.cfg.Interval)
	assert.Equal(t, DefaultCompletionGrace, e.cfg.CompletionGrace)
	assert.Equal(t, DefaultLogCapacity, e.cfg.LogCapacity)
}

func TestEngine_FortyFiveCustomersRunToCompletion(t *testing.T) {
	h := newHarness(t, 45, nil)
	h.failIDs(1, 20)

	res, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)
	assert.Equal(t, 45, res.Total)
	assert.Equal(t, 3, res.TotalBatches)
	assert.Equal(t, 240, res.EstimatedSeconds)
	assert.NotEmpty(t, res.RunID)

	batches := h.actionsByHook("sync_process_batch", queue.StatusPending)
	assert.Equal(t, []time.Duration{0, time.Minute, 2 * time.Minute}, offsets(batches))
	checks := h.actionsByHook("sync_completion_check", queue.StatusPending)
	assert.Equal(t, []time.Duration{4 * time.Minute}, offsets(checks))

	assert.Equal(t, 1, h.runAt(0))
	st := h.status()
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 20, st.Progress.Processed)
	assert.Equal(t, 20, st.Progress.Failed)
	assert.Equal(t, 2, st.PendingBatches)
	require.NotNil(t, st.NextBatchAt)
	assert.Equal(t, t0.Add(time.Minute), *st.NextBatchAt)
	assert.Equal(t, 120, st.EstimatedRemain)
	require.NotNil(t, st.RateLimit)
	assert.Equal(t, RateLimit{IntervalSeconds: 60, BatchSize: 20, TotalBatches: 3, EstimatedSeconds: 240}, *st.RateLimit)

	assert.Equal(t, 1, h.runAt(time.Minute))
	assert.Equal(t, 1, h.runAt(2*time.Minute))
	assert.Equal(t, 0, h.runAt(4*time.Minute-time.Second))
	assert.Equal(t, StatusRunning, h.status().Status)

	assert.Equal(t, 1, h.runAt(4*time.Minute))
	st = h.status()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 45, st.Progress.Total)
	assert.Equal(t, 45, st.Progress.Processed)
	assert.Equal(t, 25, st.Progress.Successful)
	assert.Equal(t, 20, st.Progress.Failed)
	assert.Equal(t, 0, st.Progress.Skipped)
	assert.Equal(t, 3, st.Progress.CompletedBatches)
	require.NotNil(t, st.CompletedAt)
	assert.Equal(t, t0.Add(4*time.Minute), *st.CompletedAt)
	assert.Equal(t, 0, st.EstimatedRemain)

	require.Len(t, st.Log, 4)
	assert.Equal(t, -1, st.Log[0].BatchIndex)
	assert.Equal(t, 2, st.Log[1].BatchIndex)
	assert.Equal(t, 5, st.Log[1].Processed)
	assert.Equal(t, 0, st.Log[3].BatchIndex)
	assert.Len(t, st.Log[3].Errors, 20)
	assert.Equal(t, "remote rejected", st.Log[3].Errors[1])

	assert.NotContains(t, h.store.Keys(), "sync_lock")
	assert.Equal(t, [][2]Status{
		{StatusIdle, StatusPreparing},
		{StatusPreparing, StatusRunning},
		{StatusRunning, StatusCompleted},
	}, h.observer.transitions)
	assert.Len(t, h.observer.batches, 3)
}

func TestEngine_StartRejectedWhileActive(t *testing.T) {
	h := newHarness(t, 45, nil)
	h.failIDs(1, 3)

	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	h.runAt(0)
	before := h.status()

	_, err = h.engine.Start(h.ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	after := h.status()
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.Log, after.Log)
	assert.Equal(t, before.StartedAt, after.StartedAt)
	assert.Len(t, h.actions(queue.StatusPending), 3)

	h.clock.Set(t0.Add(30 * time.Second))
	_, err = h.engine.Pause(h.ctx)
	require.NoError(t, err)
	paused := h.status()
	_, err = h.engine.Start(h.ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning, "lượt đang tạm dừng vẫn là lượt đang diễn ra")
	assert.Equal(t, StatusPaused, h.status().Status)
	assert.Equal(t, paused.Progress, h.status().Progress)
}

func TestEngine_StartRejectedWhenQueueHasPendingWork(t *testing.T) {
	h := newHarness(t, 5, nil)
	_, err := h.queue.ScheduleAt(h.ctx, t0, "sync", "sync_process_batch", []byte(`{}`))
	require.NoError(t, err)

	_, err = h.engine.Start(h.ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, StatusIdle, h.status().Status)
}

func TestEngine_StartWithNoCandidatesCompletesImmediately(t *testing.T) {
	h := newHarness(t, 0, nil)

	res, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.Message)
	assert.Empty(t, h.actions())

	st := h.status()
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotEmpty(t, st.Log)
	assert.Equal(t, res.Message, st.Log[0].Message)
}

func TestEngine_PreflightFailureIsConfigError(t *testing.T) {
	h := newHarness(t, 10, func(cfg *EngineConfig) {
		cfg.Preflight = func() error { return errors.New("thiếu LOYALTY_API_KEY") }
	})

	_, err := h.engine.Start(h.ctx)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, StatusIdle, h.status().Status)
	assert.Empty(t, h.actions())
}

func TestEngine_CandidateErrorFailsRun(t *testing.T) {
	h := newHarness(t, 10, nil)
	fail := true
	base := h.engine.cfg.Candidates
	h.engine.cfg.Candidates = func(ctx context.Context) ([]CustomerID, error) {
		if fail {
			return nil, errors.New("mongo unreachable")
		}
		return base(ctx)
	}

	_, err := h.engine.Start(h.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo unreachable")
	assert.Equal(t, StatusFailed, h.status().Status)
	assert.NotContains(t, h.store.Keys(), "sync_lock")

	fail = false
	res, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Total)
}

func TestEngine_StartAgainAfterCompletion(t *testing.T) {
	h := newHarness(t, 30, nil)
	h.failIDs(1, 5)

	first, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	h.runAt(time.Minute)
	h.runAt(time.Minute + DefaultCompletionGrace)
	require.Equal(t, StatusCompleted, h.status().Status)

	second, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, 5, second.Total)
	assert.Equal(t, 1, second.TotalBatches)
}

func TestEngine_CancelClearsQueueAndIsIdempotent(t *testing.T) {
	h := newHarness(t, 45, nil)

	n, err := h.engine.Cancel(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusIdle, h.status().Status)

	_, err = h.engine.Start(h.ctx)
	require.NoError(t, err)
	h.runAt(0)

	n, err = h.engine.Cancel(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	st := h.status()
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Equal(t, 20, st.Progress.Processed)
	assert.Empty(t, h.actions(queue.StatusPending))
	assert.NotContains(t, h.store.Keys(), "sync_lock")
	assert.Equal(t, -1, st.Log[0].BatchIndex)

	n, err = h.engine.Cancel(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusCancelled, h.status().Status)

	assert.Equal(t, 0, h.runAt(10*time.Minute))
}

func TestEngine_ResetClearsAllState(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	h.runAt(0)

	require.NoError(t, h.engine.Reset(h.ctx))

	for _, k := range h.store.Keys() {
		assert.False(t, strings.HasPrefix(k, "sync_"), "key %s còn sót", k)
	}
	st := h.status()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, Progress{}, st.Progress)
	assert.Empty(t, st.Log)
	assert.Nil(t, st.RateLimit)
	assert.Empty(t, h.actions(queue.StatusPending))
	last := h.observer.transitions[len(h.observer.transitions)-1]
	assert.Equal(t, [2]Status{StatusCancelled, StatusIdle}, last)
}

func TestEngine_RedeliveredBatchIsCountedOnce(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)

	batch := h.actionsByHook("sync_process_batch", queue.StatusPending)[0]
	require.NoError(t, h.engine.handleBatch(h.ctx, batch))
	require.NoError(t, h.engine.handleBatch(h.ctx, batch))

	st := h.status()
	assert.Equal(t, 20, st.Progress.Processed)
	assert.Equal(t, 1, st.Progress.CompletedBatches)
	assert.Len(t, h.calls, 1)
}

func TestEngine_BatchFromPreviousRunIsNotFolded(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	old := h.actionsByHook("sync_process_batch", queue.StatusPending)[0]

	require.NoError(t, h.engine.Reset(h.ctx))
	_, err = h.engine.Start(h.ctx)
	require.NoError(t, err)

	require.NoError(t, h.engine.handleBatch(h.ctx, old))
	st := h.status()
	assert.Equal(t, 0, st.Progress.Processed)
	assert.Equal(t, 0, st.Progress.CompletedBatches)
	assert.Empty(t, h.calls)
}

func TestEngine_PauseAndResume(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	h.runAt(0)

	_, err = h.engine.Resume(h.ctx)
	assert.ErrorIs(t, err, ErrInvalidState)

	h.clock.Set(t0.Add(30 * time.Second))
	n, err := h.engine.Pause(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StatusPaused, h.status().Status)
	assert.Empty(t, h.actions(queue.StatusPending))

	_, err = h.engine.Pause(h.ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, h.runAt(5*time.Minute))

	h.clock.Set(t0.Add(10 * time.Minute))
	n, err = h.engine.Resume(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StatusRunning, h.status().Status)
	assert.Equal(t, []time.Duration{10 * time.Minute, 11 * time.Minute},
		offsets(h.actionsByHook("sync_process_batch", queue.StatusPending)))
	assert.Equal(t, []time.Duration{13 * time.Minute},
		offsets(h.actionsByHook("sync_completion_check", queue.StatusPending)))

	h.runAt(10 * time.Minute)
	h.runAt(11 * time.Minute)
	h.runAt(13 * time.Minute)

	st := h.status()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 45, st.Progress.Processed)
	assert.ElementsMatch(t, []int{0, 1, 2}, st.Progress.DoneBatches)
}

func TestEngine_CompletionCheckIsBounded(t *testing.T) {
	h := newHarness(t, 45, func(cfg *EngineConfig) { cfg.MaxCompletionChecks = 2 })
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	check := h.actionsByHook("sync_completion_check", queue.StatusPending)[0]

	require.NoError(t, h.engine.handleCompletionCheck(h.ctx, check))
	require.NoError(t, h.engine.handleCompletionCheck(h.ctx, check))
	st := h.status()
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 2, st.CompletionCheck)
	assert.Len(t, h.actionsByHook("sync_completion_check", queue.StatusPending), 3)
	assert.Equal(t, time.Minute, h.actionsByHook("sync_completion_check", queue.StatusPending)[0].ScheduledAt.Sub(t0))

	require.NoError(t, h.engine.handleCompletionCheck(h.ctx, check))
	st = h.status()
	assert.Equal(t, StatusFailed, st.Status)
	assert.Empty(t, h.actions(queue.StatusPending))
	assert.Contains(t, st.Log[0].Message, "Còn 3 batch")
}

func TestEngine_RecoversSilentlyLostBatches(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	h.runAt(0)

	lost, err := h.queue.UnscheduleAll(h.ctx, "sync", "sync_process_batch")
	require.NoError(t, err)
	require.Equal(t, 2, lost)

	assert.Equal(t, 2, h.runAt(4*time.Minute), "kiểm tra hoàn tất và batch đặt lại tại thời điểm hiện tại")
	st := h.status()
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 45, st.Progress.Total)
	assert.Equal(t, 3, st.Progress.TotalBatches)
	assert.Equal(t, []int{0, 3}, st.Progress.DoneBatches)

	h.runAt(5 * time.Minute)
	h.runAt(7 * time.Minute)

	st = h.status()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 45, st.Progress.Processed)
	assert.Equal(t, 45, st.Progress.Successful)
	assert.Equal(t, 3, st.Progress.CompletedBatches)
	assert.Equal(t, []int{0, 3, 4}, st.Progress.DoneBatches)
}

func TestEngine_LostBatchesWithNothingLeftCompletes(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	_, err = h.queue.UnscheduleAll(h.ctx, "sync", "sync_process_batch")
	require.NoError(t, err)
	h.mu.Lock()
	h.remaining = map[CustomerID]bool{}
	h.mu.Unlock()

	h.runAt(4 * time.Minute)
	assert.Equal(t, StatusCompleted, h.status().Status)
}

func TestEngine_GetStatusSelfHealsWhenCompletionCheckLost(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	h.runAt(0)
	h.runAt(time.Minute)
	h.runAt(2 * time.Minute)

	_, err = h.queue.UnscheduleAll(h.ctx, "sync", "sync_completion_check")
	require.NoError(t, err)

	st := h.status()
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, st.CompletedAt)
	assert.Equal(t, t0.Add(2*time.Minute), *st.CompletedAt)
}

func TestEngine_GetStatusDoesNotHealWhileCandidatesRemain(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)
	_, err = h.queue.UnscheduleAll(h.ctx, "sync", "")
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, h.status().Status)
}

func TestHealthMonitor_NotStale(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)

	h.clock.Set(t0.Add(time.Minute))
	report, err := h.engine.Check(h.ctx)
	require.NoError(t, err)
	assert.False(t, report.Stale)
	assert.Equal(t, 4, report.PendingActions)
	assert.Equal(t, 0, report.RequeuedBatches)
}

func TestHealthMonitor_NothingPending(t *testing.T) {
	h := newHarness(t, 0, nil)
	report, err := h.engine.Check(h.ctx)
	require.NoError(t, err)
	assert.False(t, report.Stale)
	assert.Equal(t, 0, report.PendingActions)
}

func TestHealthMonitor_RequeuesFailedBatches(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)

	h.panicNext = true
	h.runAt(0)
	require.Len(t, h.actionsByHook("sync_process_batch", queue.StatusFailed), 1)

	h.clock.Set(t0.Add(400 * time.Second))
	report, err := h.engine.Check(h.ctx)
	require.NoError(t, err)
	assert.True(t, report.Stale)
	assert.Equal(t, 1, report.RequeuedBatches)
	assert.Equal(t, StatusRunning, h.status().Status)
	assert.Empty(t, h.actionsByHook("sync_process_batch", queue.StatusFailed))

	h.runAt(400 * time.Second)
	h.runAt(460 * time.Second)

	st := h.status()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 45, st.Progress.Processed)
	assert.Equal(t, 45, st.Progress.Successful)
}

func TestHealthMonitor_RecoversStuckRunningBatch(t *testing.T) {
	h := newHarness(t, 45, nil)
	_, err := h.engine.Start(h.ctx)
	require.NoError(t, err)

	claimed, err := h.queue.ClaimDue(h.ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clock.Set(t0.Add(10 * time.Minute))
	report, err := h.engine.Check(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecoveredStuck)
	assert.Equal(t, 1, report.RequeuedBatches)

	pending := h.actionsByHook("sync_process_batch", queue.StatusPending)
	require.Len(t, pending, 3)
	assert.Equal(t, claimed[0].ID, pending[len(pending)-1].ID)
	assert.Equal(t, 10*time.Minute, pending[len(pending)-1].ScheduledAt.Sub(t0))
}
