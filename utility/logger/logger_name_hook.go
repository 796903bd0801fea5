/*
Package logger chứa hook để tự động thêm logger_name vào log entries.
Khi logger là của engine (*-engine) hoặc job (*-job), hook gắn thêm field tương ứng
để có thể lọc log theo engine/job khi xuất ra JSON.
*/
package logger

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LoggerNameHook là hook để tự động thêm logger_name vào log entries
type LoggerNameHook struct {
	loggerName string
}

// NewLoggerNameHook tạo hook mới với logger name
func NewLoggerNameHook(loggerName string) *LoggerNameHook {
	return &LoggerNameHook{
		loggerName: loggerName,
	}
}

// Levels trả về các log levels mà hook này sẽ xử lý
func (h *LoggerNameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire được gọi mỗi khi có log entry
func (h *LoggerNameHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["logger_name"]; !ok {
		entry.Data["logger_name"] = h.loggerName
	}

	if name, ok := strings.CutSuffix(h.loggerName, "-engine"); ok && name != "" {
		if _, exists := entry.Data["engine"]; !exists {
			entry.Data["engine"] = name
		}
	}
	if strings.HasSuffix(h.loggerName, "-job") {
		if _, exists := entry.Data["job_name"]; !exists {
			entry.Data["job_name"] = h.loggerName
		}
	}

	return nil
}

var loggerNameMap = make(map[*logrus.Logger]string)
var loggerNameMapMu sync.RWMutex

// RegisterLoggerName đăng ký logger name cho một logger instance
func RegisterLoggerName(logger *logrus.Logger, name string) {
	loggerNameMapMu.Lock()
	defer loggerNameMapMu.Unlock()
	loggerNameMap[logger] = name
}

// GetLoggerName lấy logger name từ logger instance
func GetLoggerName(logger *logrus.Logger) string {
	loggerNameMapMu.RLock()
	defer loggerNameMapMu.RUnlock()
	return loggerNameMap[logger]
}
