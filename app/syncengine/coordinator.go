package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agent_loyalty/app/queue"
	"agent_loyalty/app/store"
	"agent_loyalty/utility/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SyncCoordinator là mặt tiền của engine: người vận hành chỉ gọi vào đây
type SyncCoordinator struct {
	cfg       EngineConfig
	state     *runState
	queue     queue.TaskQueue
	scheduler *SyncScheduler
	now       func() time.Time
	observer  Observer
	log       *logrus.Entry
}

// startableStatuses là các trạng thái cho phép bắt đầu lượt mới
var startableStatuses = []Status{StatusIdle, StatusCompleted, StatusCancelled, StatusFailed}

func (c *SyncCoordinator) changeStatus(ctx context.Context, from []Status, to Status) (bool, error) {
	prev, ok, err := c.state.transition(ctx, from, to)
	if err != nil || !ok {
		return ok, err
	}
	if prev != to {
		c.observer.StatusChanged(c.cfg.Name, prev, to)
	}
	return true, nil
}

func (c *SyncCoordinator) forceStatus(ctx context.Context, to Status) error {
	prev, err := c.state.status(ctx)
	if err != nil {
		return err
	}
	if err := c.state.setStatus(ctx, to); err != nil {
		return err
	}
	if prev != to {
		c.observer.StatusChanged(c.cfg.Name, prev, to)
	}
	return nil
}

// Start bắt đầu một lượt chạy mới.
// Trả về *ConfigError nếu thiếu cấu hình, ErrAlreadyRunning nếu đang có lượt chạy hoặc queue còn action chờ.
func (c *SyncCoordinator) Start(ctx context.Context) (StartResult, error) {
	if c.cfg.Preflight != nil {
		if err := c.cfg.Preflight(); err != nil {
			c.log.WithError(err).Error("❌ Không thể bắt đầu: lỗi cấu hình")
			return StartResult{}, &ConfigError{Err: err}
		}
	}

	pending, err := c.scheduler.HasPending(ctx, c.now())
	if err != nil {
		return StartResult{}, err
	}
	if pending {
		return StartResult{}, ErrAlreadyRunning
	}

	ok, err := c.changeStatus(ctx, startableStatuses, StatusPreparing)
	if err != nil {
		return StartResult{}, err
	}
	if !ok {
		return StartResult{}, ErrAlreadyRunning
	}

	now := c.now()
	runID := uuid.NewString()
	log := logger.WithRunID(c.log, runID)
	log.Info("🚀 Bắt đầu lượt chạy mới")

	// Request có thể bị huỷ giữa chừng (timeout, client ngắt kết nối), rollback vẫn phải ghi được
	rollback := context.WithoutCancel(ctx)

	if err := c.resetRun(ctx, runID, now); err != nil {
		return StartResult{}, c.abortStart(rollback, log, err)
	}

	candidates, err := c.cfg.Candidates(ctx)
	if err != nil {
		return StartResult{}, c.abortStart(rollback, log, fmt.Errorf("không thể lấy danh sách khách hàng: %w", err))
	}

	if len(candidates) == 0 {
		if err := c.finish(rollback, StatusCompleted, "Không có khách hàng nào cần xử lý"); err != nil {
			return StartResult{}, c.abortStart(rollback, log, err)
		}
		log.Info("✅ Không có khách hàng nào cần xử lý, hoàn tất ngay")
		return StartResult{RunID: runID, Status: StatusCompleted, Message: "Không có khách hàng nào cần xử lý"}, nil
	}

	batches := chunk(candidates, c.cfg.BatchSize)
	estimated := int(((time.Duration(len(batches)-1) * c.cfg.Interval) + c.cfg.CompletionGrace) / time.Second)
	progress := Progress{RunID: runID, Total: len(candidates), TotalBatches: len(batches)}
	if err := c.state.setProgress(ctx, progress); err != nil {
		return StartResult{}, c.abortStart(rollback, log, err)
	}
	rl := RateLimit{
		IntervalSeconds:  int(c.cfg.Interval / time.Second),
		BatchSize:        c.cfg.BatchSize,
		TotalBatches:     len(batches),
		EstimatedSeconds: estimated,
	}
	if err := c.state.setRateLimit(ctx, rl); err != nil {
		return StartResult{}, c.abortStart(rollback, log, err)
	}

	if _, err := c.scheduler.Schedule(ctx, runID, batches, 0, now); err != nil {
		return StartResult{}, c.abortScheduled(rollback, log, err)
	}

	if _, err := c.changeStatus(ctx, []Status{StatusPreparing}, StatusRunning); err != nil {
		return StartResult{}, c.abortScheduled(rollback, log, err)
	}

	log.WithFields(logrus.Fields{
		"total":             len(candidates),
		"total_batches":     len(batches),
		"estimated_seconds": estimated,
	}).Info("📅 Đã đặt lịch toàn bộ batch")

	return StartResult{
		RunID:            runID,
		Status:           StatusRunning,
		Total:            len(candidates),
		TotalBatches:     len(batches),
		EstimatedSeconds: estimated,
		Message:          fmt.Sprintf("Đã đặt lịch %d batch cho %d khách hàng", len(batches), len(candidates)),
	}, nil
}

// resetRun khởi tạo lại trạng thái cho lượt chạy mới
func (c *SyncCoordinator) resetRun(ctx context.Context, runID string, now time.Time) error {
	if err := c.state.setTimestamp(ctx, keyLock, now); err != nil {
		return err
	}
	if err := c.state.setTimestamp(ctx, keyStartedAt, now); err != nil {
		return err
	}
	if err := c.state.setTimestamp(ctx, keyLastUpdate, now); err != nil {
		return err
	}
	if err := c.state.delete(ctx, keyCompletedAt, keyCompletionChecks, keyPausedBatches, keyRateLimit); err != nil {
		return err
	}
	return c.state.setProgress(ctx, Progress{RunID: runID})
}

// abortStart chuyển lượt chạy sang failed khi Start gặp lỗi nội bộ
func (c *SyncCoordinator) abortStart(ctx context.Context, log *logrus.Entry, cause error) error {
	log.WithError(cause).Error("❌ Lỗi khi bắt đầu lượt chạy, chuyển sang failed")
	if err := c.finish(ctx, StatusFailed, cause.Error()); err != nil {
		log.WithError(err).Error("❌ Không thể lưu trạng thái failed")
	}
	return cause
}

// abortScheduled gỡ các batch đã đặt lịch rồi chuyển lượt chạy sang failed
func (c *SyncCoordinator) abortScheduled(ctx context.Context, log *logrus.Entry, cause error) error {
	if _, err := c.scheduler.Cancel(ctx); err != nil {
		log.WithError(err).Error("❌ Không thể huỷ các batch đã đặt lịch")
	}
	return c.abortStart(ctx, log, cause)
}

// finish kết thúc lượt chạy với trạng thái cuối và giải phóng lock
func (c *SyncCoordinator) finish(ctx context.Context, to Status, message string) error {
	now := c.now()
	if err := c.forceStatus(ctx, to); err != nil {
		return err
	}
	if err := c.state.setTimestamp(ctx, keyCompletedAt, now); err != nil {
		return err
	}
	if err := c.state.delete(ctx, keyLock); err != nil {
		return err
	}
	if message != "" {
		p, _ := c.state.progress(ctx)
		if err := c.state.appendLog(ctx, LogEntry{Time: now, RunID: p.RunID, BatchIndex: -1, Message: message}, c.cfg.LogCapacity); err != nil {
			return err
		}
	}
	return nil
}

// GetStatus trả về trạng thái tổng hợp. Nếu status là running nhưng queue không còn action nào
// và mọi batch đã xong (hoặc không còn khách hàng cần xử lý) thì tự chuyển sang completed.
func (c *SyncCoordinator) GetStatus(ctx context.Context) (StatusReport, error) {
	st, err := c.state.status(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	progress, err := c.state.progress(ctx)
	if err != nil {
		return StatusReport{}, err
	}

	active, err := c.queue.ListActions(ctx, c.cfg.Name, queue.StatusPending, queue.StatusRunning)
	if err != nil {
		return StatusReport{}, err
	}

	if st == StatusRunning && len(active) == 0 {
		healed, err := c.selfHeal(ctx, progress)
		if err != nil {
			c.log.WithError(err).Warn("⚠️ Không thể kiểm tra tự hoàn tất")
		} else if healed {
			st = StatusCompleted
		}
	}

	report := StatusReport{Engine: c.cfg.Name, Status: st, Progress: progress}
	if report.RateLimit, err = c.state.rateLimit(ctx); err != nil {
		return StatusReport{}, err
	}
	if report.StartedAt, err = c.state.timestamp(ctx, keyStartedAt); err != nil {
		return StatusReport{}, err
	}
	if report.CompletedAt, err = c.state.timestamp(ctx, keyCompletedAt); err != nil {
		return StatusReport{}, err
	}
	if report.LastUpdate, err = c.state.timestamp(ctx, keyLastUpdate); err != nil {
		return StatusReport{}, err
	}
	if report.Log, err = c.state.logs(ctx); err != nil {
		return StatusReport{}, err
	}
	if report.CompletionCheck, err = c.state.completionChecks(ctx); err != nil {
		return StatusReport{}, err
	}

	for _, a := range active {
		if a.Hook != c.scheduler.batchHook() {
			continue
		}
		report.PendingBatches++
		if report.NextBatchAt == nil && a.Status == queue.StatusPending {
			at := a.ScheduledAt
			report.NextBatchAt = &at
		}
	}
	if st == StatusRunning || st == StatusPaused {
		report.EstimatedRemain = progress.RemainingBatches() * int(c.cfg.Interval/time.Second)
	}
	return report, nil
}

func (c *SyncCoordinator) selfHeal(ctx context.Context, progress Progress) (bool, error) {
	if progress.TotalBatches == 0 || progress.CompletedBatches < progress.TotalBatches {
		remaining, err := c.cfg.Candidates(ctx)
		if err != nil {
			return false, err
		}
		if len(remaining) > 0 {
			return false, nil
		}
	}
	ok, err := c.changeStatus(ctx, []Status{StatusRunning}, StatusCompleted)
	if err != nil || !ok {
		return false, err
	}
	logger.WithRunID(c.log, progress.RunID).Info("✅ Queue đã trống, tự chuyển lượt chạy sang completed")
	now := c.now()
	if err := c.state.setTimestamp(ctx, keyCompletedAt, now); err != nil {
		return true, err
	}
	return true, c.state.delete(ctx, keyLock)
}

// Cancel huỷ mọi action đang chờ và chuyển lượt chạy đang diễn ra sang cancelled.
// Action bị treo ở running quá StaleAfter được đánh dấu failed để không chặn lượt sau.
// Gọi khi không có lượt chạy nào là no-op thành công.
func (c *SyncCoordinator) Cancel(ctx context.Context) (int, error) {
	canceled, err := c.scheduler.Cancel(ctx)
	if err != nil {
		return 0, err
	}
	if stuck, err := c.scheduler.failStuck(ctx, c.now(), "lượt chạy đã bị huỷ"); err != nil {
		return canceled, err
	} else if stuck > 0 {
		c.log.WithField("recovered_stuck", stuck).Warn("⚠️ Đã đánh dấu thất bại các action bị treo")
	}

	ok, err := c.changeStatus(ctx, []Status{StatusPreparing, StatusRunning, StatusPaused}, StatusCancelled)
	if err != nil {
		return canceled, err
	}
	if err := c.state.delete(ctx, keyLock, keyPausedBatches); err != nil {
		return canceled, err
	}
	if ok {
		c.log.WithField("canceled_actions", canceled).Warn("🛑 Đã huỷ lượt chạy")
		p, _ := c.state.progress(ctx)
		if err := c.state.appendLog(ctx, LogEntry{Time: c.now(), RunID: p.RunID, BatchIndex: -1, Message: "Đã huỷ lượt chạy"}, c.cfg.LogCapacity); err != nil {
			c.log.WithError(err).Warn("⚠️ Không thể ghi log huỷ lượt chạy")
		}
	}
	return canceled, nil
}

// Reset huỷ lượt chạy (nếu có) rồi xoá toàn bộ trạng thái, status trở về idle
func (c *SyncCoordinator) Reset(ctx context.Context) error {
	if _, err := c.Cancel(ctx); err != nil {
		return err
	}
	prev, err := c.state.status(ctx)
	if err != nil {
		return err
	}
	if err := c.state.clear(ctx); err != nil {
		return err
	}
	if prev != StatusIdle {
		c.observer.StatusChanged(c.cfg.Name, prev, StatusIdle)
	}
	c.log.Info("🔄 Đã reset toàn bộ trạng thái engine")
	return nil
}

// Pause tạm dừng lượt chạy: gỡ các batch đang chờ khỏi queue và ghi nhớ để Resume
func (c *SyncCoordinator) Pause(ctx context.Context) (int, error) {
	ok, err := c.changeStatus(ctx, []Status{StatusRunning}, StatusPaused)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: chỉ tạm dừng được lượt đang chạy", ErrInvalidState)
	}

	pending, err := c.queue.ListActions(ctx, c.cfg.Name, queue.StatusPending)
	if err != nil {
		return 0, err
	}
	saved := make([]batchPayload, 0, len(pending))
	for _, a := range pending {
		if a.Hook != c.scheduler.batchHook() {
			continue
		}
		p, err := decodeBatch(a)
		if err != nil {
			c.log.WithError(err).Warn("⚠️ Bỏ qua batch có payload lỗi khi tạm dừng")
			continue
		}
		saved = append(saved, p)
	}
	if err := c.state.setPausedBatches(ctx, saved); err != nil {
		return 0, err
	}
	if _, err := c.scheduler.Cancel(ctx); err != nil {
		return 0, err
	}

	c.log.WithField("paused_batches", len(saved)).Info("⏸️ Đã tạm dừng lượt chạy")
	return len(saved), nil
}

// Resume tiếp tục lượt chạy đã tạm dừng: đặt lịch lại các batch từ thời điểm hiện tại
func (c *SyncCoordinator) Resume(ctx context.Context) (int, error) {
	saved, err := c.state.pausedBatches(ctx)
	if err != nil {
		return 0, err
	}
	ok, err := c.changeStatus(ctx, []Status{StatusPaused}, StatusRunning)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: lượt chạy không ở trạng thái tạm dừng", ErrInvalidState)
	}

	progress, err := c.state.progress(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	if _, err := c.scheduler.schedulePayloads(ctx, progress.RunID, saved, now); err != nil {
		return 0, err
	}
	if err := c.state.delete(ctx, keyPausedBatches, keyCompletionChecks); err != nil {
		return 0, err
	}
	if err := c.state.setTimestamp(ctx, keyLastUpdate, now); err != nil {
		return 0, err
	}

	c.log.WithField("resumed_batches", len(saved)).Info("▶️ Đã tiếp tục lượt chạy")
	return len(saved), nil
}

// handleBatch là handler của action <engine>_process_batch
func (c *SyncCoordinator) handleBatch(ctx context.Context, action queue.Action) error {
	payload, err := decodeBatch(action)
	if err != nil {
		return err
	}
	log := logger.WithRunID(c.log, payload.RunID).WithFields(logrus.Fields{
		"batch_index": payload.Index,
		"action_id":   action.ID,
	})

	progress, err := c.state.progress(ctx)
	if err != nil {
		return err
	}
	if progress.RunID != payload.RunID {
		log.Warn("⏭️ Batch thuộc lượt chạy cũ, bỏ qua")
		return nil
	}
	if progress.settled(payload.Index) {
		log.Info("⏭️ Batch đã được ghi nhận trước đó, bỏ qua")
		return nil
	}

	start := c.now()
	result := c.cfg.Process(ctx, payload.IDs)
	if result.Errors == nil {
		result.Errors = make(map[CustomerID]string)
	}

	stale := false
	_, err = c.state.updateProgress(ctx, func(p *Progress) error {
		if p.RunID != payload.RunID || p.settled(payload.Index) {
			stale = true
			return store.ErrSkipUpdate
		}
		p.Processed += len(result.Processed)
		p.Successful += result.Successful
		p.Failed += result.Failed
		p.Skipped += result.Skipped
		p.CompletedBatches++
		p.DoneBatches = append(p.DoneBatches, payload.Index)
		return nil
	})
	if err != nil {
		return fmt.Errorf("không thể ghi nhận kết quả batch %d: %w", payload.Index, err)
	}
	if stale {
		log.Warn("⏭️ Kết quả batch không được ghi nhận (lượt chạy đã đổi hoặc batch đã được ghi nhận)")
		return nil
	}

	now := c.now()
	if err := c.state.setTimestamp(ctx, keyLastUpdate, now); err != nil {
		return err
	}
	entry := LogEntry{
		Time:       now,
		RunID:      payload.RunID,
		BatchIndex: payload.Index,
		Processed:  len(result.Processed),
		Successful: result.Successful,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
	}
	if len(result.Errors) > 0 {
		entry.Errors = result.Errors
	}
	if err := c.state.appendLog(ctx, entry, c.cfg.LogCapacity); err != nil {
		log.WithError(err).Warn("⚠️ Không thể ghi log batch")
	}
	c.observer.BatchRecorded(c.cfg.Name, result)

	fields := logrus.Fields{
		"processed":  len(result.Processed),
		"successful": result.Successful,
		"failed":     result.Failed,
		"skipped":    result.Skipped,
		"duration":   now.Sub(start).String(),
	}
	if result.Failed > 0 {
		log.WithFields(fields).Warn("⚠️ Batch hoàn thành với một số khách hàng lỗi")
	} else {
		log.WithFields(fields).Info("✅ Batch hoàn thành")
	}
	return nil
}

// handleCompletionCheck là handler của action <engine>_completion_check
func (c *SyncCoordinator) handleCompletionCheck(ctx context.Context, action queue.Action) error {
	var payload completionPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return fmt.Errorf("payload kiểm tra hoàn tất không hợp lệ: %w", err)
	}
	log := logger.WithRunID(c.log, payload.RunID).WithField("action_id", action.ID)

	st, err := c.state.status(ctx)
	if err != nil {
		return err
	}
	progress, err := c.state.progress(ctx)
	if err != nil {
		return err
	}
	if st != StatusRunning || progress.RunID != payload.RunID {
		log.WithField("status", st).Debug("⏭️ Không còn lượt chạy cần kiểm tra")
		return nil
	}

	if progress.CompletedBatches >= progress.TotalBatches {
		log.WithFields(logrus.Fields{
			"processed":  progress.Processed,
			"successful": progress.Successful,
			"failed":     progress.Failed,
			"skipped":    progress.Skipped,
		}).Info("🎉 Tất cả batch đã hoàn thành")
		return c.finish(ctx, StatusCompleted, fmt.Sprintf("Hoàn tất: %d thành công, %d lỗi, %d bỏ qua", progress.Successful, progress.Failed, progress.Skipped))
	}

	batches, err := c.scheduler.pendingBatches(ctx)
	if err != nil {
		return err
	}
	if len(batches) > 0 {
		checks, err := c.state.incrementCompletionChecks(ctx)
		if err != nil {
			return err
		}
		if c.cfg.MaxCompletionChecks > 0 && checks > c.cfg.MaxCompletionChecks {
			log.WithField("completion_checks", checks).Error("❌ Quá số lần chờ batch tối đa, chuyển lượt chạy sang failed")
			if _, err := c.scheduler.Cancel(ctx); err != nil {
				return err
			}
			return c.finish(ctx, StatusFailed, fmt.Sprintf("Còn %d batch chưa chạy sau %d lần kiểm tra", len(batches), checks-1))
		}
		at := c.now().Add(c.cfg.CompletionRetryDelay)
		log.WithFields(logrus.Fields{
			"pending_batches":   len(batches),
			"completion_checks": checks,
		}).Info("⏳ Vẫn còn batch đang chờ, dời lượt kiểm tra hoàn tất")
		return c.scheduler.ScheduleCompletionCheck(ctx, payload.RunID, at)
	}

	return c.recoverLostBatches(ctx, log, progress)
}

// recoverLostBatches xử lý trường hợp batch bị mất (queue trống nhưng chưa đủ batch):
// tính lại danh sách khách hàng còn lại và đặt lịch lại từ thời điểm hiện tại.
func (c *SyncCoordinator) recoverLostBatches(ctx context.Context, log *logrus.Entry, progress Progress) error {
	remaining, err := c.cfg.Candidates(ctx)
	if err != nil {
		return fmt.Errorf("không thể tính lại danh sách khách hàng: %w", err)
	}
	if len(remaining) == 0 {
		log.Info("✅ Không còn khách hàng cần xử lý, hoàn tất lượt chạy")
		return c.finish(ctx, StatusCompleted, "Hoàn tất (không còn khách hàng cần xử lý)")
	}

	batches := chunk(remaining, c.cfg.BatchSize)
	firstIndex := progress.TotalBatches
	for _, idx := range progress.DoneBatches {
		if idx >= firstIndex {
			firstIndex = idx + 1
		}
	}

	updated, err := c.state.updateProgress(ctx, func(p *Progress) error {
		if p.RunID != progress.RunID {
			return store.ErrSkipUpdate
		}
		p.TotalBatches = p.CompletedBatches + len(batches)
		p.Total = p.Processed + len(remaining)
		p.SupersededBefore = firstIndex
		return nil
	})
	if err != nil {
		return err
	}
	if updated.RunID != progress.RunID {
		return nil
	}

	if _, err := c.scheduler.Schedule(ctx, progress.RunID, batches, firstIndex, c.now()); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"remaining":   len(remaining),
		"new_batches": len(batches),
		"first_index": firstIndex,
	}).Warn("🔁 Phát hiện batch bị mất, đã đặt lịch lại khách hàng còn lại")
	return c.state.appendLog(ctx, LogEntry{
		Time:       c.now(),
		RunID:      progress.RunID,
		BatchIndex: -1,
		Message:    fmt.Sprintf("Đặt lịch lại %d khách hàng còn lại (%d batch)", len(remaining), len(batches)),
	}, c.cfg.LogCapacity)
}
