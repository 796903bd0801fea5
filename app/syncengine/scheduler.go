package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agent_loyalty/app/queue"

	"github.com/sirupsen/logrus"
)

// batchPayload là payload của action xử lý batch
type batchPayload struct {
	RunID string       `json:"run_id"`
	Index int          `json:"index"`
	IDs   []CustomerID `json:"ids"`
}

// completionPayload là payload của action kiểm tra hoàn tất
type completionPayload struct {
	RunID string `json:"run_id"`
}

// SyncScheduler đặt lịch batch vào task queue theo nhịp Interval.
// Batch thứ i chạy tại base + i*Interval, lượt kiểm tra hoàn tất chạy sau batch cuối một khoảng CompletionGrace.
type SyncScheduler struct {
	cfg   EngineConfig
	queue queue.TaskQueue
	log   *logrus.Entry
}

func (s *SyncScheduler) batchHook() string      { return s.cfg.Name + "_process_batch" }
func (s *SyncScheduler) completionHook() string { return s.cfg.Name + "_completion_check" }

// chunk chia ids thành các batch kích thước size (batch cuối có thể nhỏ hơn)
func chunk(ids []CustomerID, size int) [][]CustomerID {
	if size <= 0 {
		size = 1
	}
	batches := make([][]CustomerID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

// Schedule đặt lịch các batch bắt đầu từ base, đánh số từ firstIndex, kèm một lượt kiểm tra hoàn tất.
// Trả về thời điểm lượt kiểm tra hoàn tất được đặt.
func (s *SyncScheduler) Schedule(ctx context.Context, runID string, batches [][]CustomerID, firstIndex int, base time.Time) (time.Time, error) {
	payloads := make([]batchPayload, len(batches))
	for i, ids := range batches {
		payloads[i] = batchPayload{RunID: runID, Index: firstIndex + i, IDs: ids}
	}
	return s.schedulePayloads(ctx, runID, payloads, base)
}

func (s *SyncScheduler) schedulePayloads(ctx context.Context, runID string, payloads []batchPayload, base time.Time) (time.Time, error) {
	for i, p := range payloads {
		raw, err := json.Marshal(p)
		if err != nil {
			return time.Time{}, err
		}
		at := base.Add(time.Duration(i) * s.cfg.Interval)
		id, err := s.queue.ScheduleAt(ctx, at, s.cfg.Name, s.batchHook(), raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("không thể đặt lịch batch %d: %w", p.Index, err)
		}
		s.log.WithFields(logrus.Fields{
			"run_id":      runID,
			"batch_index": p.Index,
			"batch_size":  len(p.IDs),
			"action_id":   id,
			"at":          at.Format(time.RFC3339),
		}).Debug("📅 Đã đặt lịch batch")
	}

	last := base
	if len(payloads) > 0 {
		last = base.Add(time.Duration(len(payloads)-1) * s.cfg.Interval)
	}
	checkAt := last.Add(s.cfg.CompletionGrace)
	if err := s.ScheduleCompletionCheck(ctx, runID, checkAt); err != nil {
		return time.Time{}, err
	}
	return checkAt, nil
}

// ScheduleCompletionCheck đặt lịch một lượt kiểm tra hoàn tất tại at
func (s *SyncScheduler) ScheduleCompletionCheck(ctx context.Context, runID string, at time.Time) error {
	raw, err := json.Marshal(completionPayload{RunID: runID})
	if err != nil {
		return err
	}
	if _, err := s.queue.ScheduleAt(ctx, at, s.cfg.Name, s.completionHook(), raw); err != nil {
		return fmt.Errorf("không thể đặt lịch kiểm tra hoàn tất: %w", err)
	}
	return nil
}

// Cancel huỷ mọi action đang chờ của engine. Batch đang chạy dở vẫn chạy tới cùng.
func (s *SyncScheduler) Cancel(ctx context.Context) (int, error) {
	return s.queue.UnscheduleAll(ctx, s.cfg.Name, "")
}

// HasPending kiểm tra còn action pending/running nào của engine không.
// Action running quá StaleAfter (worker đã chết) không được tính.
func (s *SyncScheduler) HasPending(ctx context.Context, now time.Time) (bool, error) {
	actions, err := s.queue.ListActions(ctx, s.cfg.Name, queue.StatusPending, queue.StatusRunning)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if !s.isStuck(a, now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *SyncScheduler) isStuck(a queue.Action, now time.Time) bool {
	return a.Status == queue.StatusRunning && now.Sub(a.UpdatedAt) > s.cfg.StaleAfter
}

// failStuck đánh dấu failed mọi action của engine bị treo ở running quá StaleAfter
func (s *SyncScheduler) failStuck(ctx context.Context, now time.Time, reason string) (int, error) {
	running, err := s.queue.ListActions(ctx, s.cfg.Name, queue.StatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range running {
		if !s.isStuck(a, now) {
			continue
		}
		if err := s.queue.MarkFailed(ctx, a.ID, reason); err != nil {
			s.log.WithError(err).WithField("action_id", a.ID).Warn("⚠️ Không thể đánh dấu action bị treo")
			continue
		}
		n++
	}
	return n, nil
}

// pendingBatches trả về các action batch đang pending/running theo thứ tự thời gian
func (s *SyncScheduler) pendingBatches(ctx context.Context) ([]queue.Action, error) {
	actions, err := s.queue.ListActions(ctx, s.cfg.Name, queue.StatusPending, queue.StatusRunning)
	if err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if a.Hook == s.batchHook() {
			out = append(out, a)
		}
	}
	return out, nil
}

func decodeBatch(a queue.Action) (batchPayload, error) {
	var p batchPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, fmt.Errorf("payload batch không hợp lệ (action %s): %w", a.ID, err)
	}
	return p, nil
}
