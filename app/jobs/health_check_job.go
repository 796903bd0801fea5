package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agent_loyalty/app/scheduler"
	"agent_loyalty/app/syncengine"

	"github.com/sirupsen/logrus"
)

// HealthChecker là một engine có HealthMonitor (syncengine.Engine)
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) (syncengine.HealthReport, error)
}

// HealthCheckJob chạy HealthMonitor của từng engine (mặc định mỗi giờ).
// Lỗi của một engine không chặn các engine còn lại.
type HealthCheckJob struct {
	*scheduler.BaseJob
	checkers []HealthChecker
}

// NewHealthCheckJob tạo job kiểm tra sức khoẻ
func NewHealthCheckJob(name, schedule string, checkers ...HealthChecker) *HealthCheckJob {
	job := &HealthCheckJob{
		BaseJob:  scheduler.NewBaseJob(name, schedule),
		checkers: checkers,
	}
	job.BaseJob.SetExecuteInternalCallback(job.ExecuteInternal)
	return job
}

// ExecuteInternal kiểm tra lần lượt từng engine
func (j *HealthCheckJob) ExecuteInternal(ctx context.Context) error {
	startTime := time.Now()
	LogJobStart(j.GetName(), j.GetSchedule()).Info("🚀 JOB ĐÃ BẮT ĐẦU CHẠY")

	var errs []error
	requeued := 0
	for _, c := range j.checkers {
		report, err := c.Check(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("engine %s: %w", c.Name(), err))
			continue
		}
		if report.Stale {
			LogJobWarn(j.GetName(), "⚠️ Engine không cập nhật quá lâu", logrus.Fields{
				"engine":           c.Name(),
				"last_update":      report.LastUpdate,
				"pending_actions":  report.PendingActions,
				"requeued_batches": report.RequeuedBatches,
				"recovered_stuck":  report.RecoveredStuck,
			})
		}
		requeued += report.RequeuedBatches
	}

	duration := time.Since(startTime)
	if err := errors.Join(errs...); err != nil {
		LogJobError(j.GetName(), err, duration.String(), duration.Milliseconds())
		return err
	}
	LogJobEnd(j.GetName(), duration.String(), duration.Milliseconds(), logrus.Fields{
		"engines":          len(j.checkers),
		"requeued_batches": requeued,
	})
	return nil
}
