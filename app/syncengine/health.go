package syncengine

import (
	"context"
	"time"

	"agent_loyalty/app/queue"
	"agent_loyalty/utility/logger"

	"github.com/sirupsen/logrus"
)

// HealthReport là kết quả một lần kiểm tra sức khoẻ
type HealthReport struct {
	Engine          string     `json:"engine"`
	Stale           bool       `json:"stale"`
	LastUpdate      *time.Time `json:"last_update,omitempty"`
	PendingActions  int        `json:"pending_actions"`
	RequeuedBatches int        `json:"requeued_batches"`
	RecoveredStuck  int        `json:"recovered_stuck"`
}

// HealthMonitor là lưới an toàn chạy thưa (mặc định mỗi giờ): khi queue còn action chờ mà heartbeat
// đã cũ quá StaleAfter thì đưa các batch thất bại của lượt chạy hiện tại vào lại queue.
// Action bị treo ở running được đánh dấu thất bại ở mọi lần kiểm tra.
// HealthMonitor không đổi status của lượt chạy.
type HealthMonitor struct {
	cfg       EngineConfig
	state     *runState
	queue     queue.TaskQueue
	scheduler *SyncScheduler
	now       func() time.Time
	log       *logrus.Entry
}

// Check thực hiện một lần kiểm tra
func (h *HealthMonitor) Check(ctx context.Context) (HealthReport, error) {
	report := HealthReport{Engine: h.cfg.Name}
	now := h.now()

	// Action bị kẹt ở running quá lâu (worker chết giữa chừng) được coi là thất bại,
	// kể cả khi lượt chạy đã bị huỷ hoặc reset
	stuck, err := h.scheduler.failStuck(ctx, now, "action bị treo ở trạng thái running")
	if err != nil {
		return report, err
	}
	report.RecoveredStuck = stuck
	if stuck > 0 {
		h.log.WithField("recovered_stuck", stuck).Warn("⚠️ Đã đánh dấu thất bại các action bị treo")
	}

	pending, err := h.queue.ListActions(ctx, h.cfg.Name, queue.StatusPending)
	if err != nil {
		return report, err
	}
	report.PendingActions = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	lastUpdate, err := h.state.timestamp(ctx, keyLastUpdate)
	if err != nil {
		return report, err
	}
	report.LastUpdate = lastUpdate
	if lastUpdate != nil && now.Sub(*lastUpdate) <= h.cfg.StaleAfter {
		return report, nil
	}
	report.Stale = true

	progress, err := h.state.progress(ctx)
	if err != nil {
		return report, err
	}
	log := logger.WithRunID(h.log, progress.RunID).WithField("last_update", lastUpdate)
	log.Warn("⚠️ Lượt chạy không cập nhật quá lâu, kiểm tra batch thất bại")

	failed, err := h.queue.ListActions(ctx, h.cfg.Name, queue.StatusFailed)
	if err != nil {
		return report, err
	}
	offset := 0
	for _, a := range failed {
		if a.Hook != h.scheduler.batchHook() {
			continue
		}
		payload, err := decodeBatch(a)
		if err != nil || payload.RunID != progress.RunID || progress.settled(payload.Index) {
			continue
		}
		at := now.Add(time.Duration(offset) * h.cfg.Interval)
		if err := h.queue.Retry(ctx, a.ID, at); err != nil {
			log.WithError(err).WithField("action_id", a.ID).Warn("⚠️ Không thể đưa batch thất bại vào lại queue")
			continue
		}
		offset++
		report.RequeuedBatches++
	}

	if report.RequeuedBatches > 0 {
		log.WithField("requeued_batches", report.RequeuedBatches).Info("🔁 Đã đưa các batch thất bại vào lại queue")
	}
	return report, nil
}
