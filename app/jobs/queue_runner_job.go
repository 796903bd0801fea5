package jobs

import (
	"context"
	"time"

	"agent_loyalty/app/scheduler"

	"github.com/sirupsen/logrus"
)

// QueueRunner chạy các action đã tới hạn trong task queue (queue.Runner)
type QueueRunner interface {
	RunDue(ctx context.Context) (int, error)
}

// QueueRunnerJob định kỳ lấy các batch/kiểm tra hoàn tất đã tới hạn và chạy chúng.
// Đây là "worker" của task queue: nhịp cron quyết định độ trễ tối đa giữa thời điểm hẹn và thời điểm chạy.
type QueueRunnerJob struct {
	*scheduler.BaseJob
	runner QueueRunner
}

// NewQueueRunnerJob tạo job chạy queue
func NewQueueRunnerJob(name, schedule string, runner QueueRunner) *QueueRunnerJob {
	job := &QueueRunnerJob{
		BaseJob: scheduler.NewBaseJob(name, schedule),
		runner:  runner,
	}
	job.BaseJob.SetExecuteInternalCallback(job.ExecuteInternal)
	return job
}

// ExecuteInternal chạy một lượt RunDue
func (j *QueueRunnerJob) ExecuteInternal(ctx context.Context) error {
	startTime := time.Now()
	LogJobStart(j.GetName(), j.GetSchedule()).Debug("🚀 Kiểm tra action tới hạn")

	processed, err := j.runner.RunDue(ctx)
	duration := time.Since(startTime)
	if err != nil {
		LogJobError(j.GetName(), err, duration.String(), duration.Milliseconds())
		return err
	}
	if processed > 0 {
		LogJobEnd(j.GetName(), duration.String(), duration.Milliseconds(), logrus.Fields{"processed_actions": processed})
	}
	return nil
}
