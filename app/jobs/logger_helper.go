/*
Package jobs chứa các cron job của agent.
File này chứa các helper để sử dụng logger trong jobs.
*/
package jobs

import (
	"sync"

	"agent_loyalty/utility/logger"

	"github.com/sirupsen/logrus"
)

// JobLogger là logger chuyên dụng cho jobs
var JobLogger *logrus.Logger

var jobLoggerOnce sync.Once

// InitJobLogger khởi tạo logger cho jobs
func InitJobLogger() {
	jobLoggerOnce.Do(func() {
		if JobLogger == nil {
			JobLogger = logger.GetJobLogger()
		}
	})
}

func jobLog() *logrus.Logger {
	InitJobLogger()
	return JobLogger
}

// LogJobStart trả về entry đánh dấu job bắt đầu
func LogJobStart(jobName, schedule string) *logrus.Entry {
	return jobLog().WithFields(logrus.Fields{
		"job_name": jobName,
		"schedule": schedule,
		"status":   "started",
	})
}

// LogJobEnd log khi job kết thúc thành công
func LogJobEnd(jobName string, duration string, durationMs int64, fields logrus.Fields) {
	jobLog().WithFields(fields).WithFields(logrus.Fields{
		"job_name":    jobName,
		"status":      "completed",
		"duration":    duration,
		"duration_ms": durationMs,
	}).Info("✅ JOB HOÀN THÀNH")
}

// LogJobError log khi job gặp lỗi
func LogJobError(jobName string, err error, duration string, durationMs int64) {
	jobLog().WithFields(logrus.Fields{
		"job_name":    jobName,
		"status":      "failed",
		"error":       err.Error(),
		"duration":    duration,
		"duration_ms": durationMs,
	}).Error("❌ JOB THẤT BẠI")
}

// LogJobWarn log cảnh báo của job
func LogJobWarn(jobName string, message string, fields logrus.Fields) {
	jobLog().WithField("job_name", jobName).WithFields(fields).Warn(message)
}
