/*
Package scheduler định nghĩa các interface và model cần thiết cho việc quản lý jobs.
File này cung cấp các thành phần cơ bản để xây dựng một job:
- Interface Job định nghĩa các phương thức cần thiết
- Struct JobMetadata lưu trữ thông tin về lần chạy gần nhất của job
- Struct BaseJob cung cấp triển khai cơ bản của interface Job
*/
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ================== INTERFACE ĐỊNH NGHĨA JOB ==================

// Job là interface chuẩn cho mọi job trong hệ thống.
type Job interface {
	// Execute thực thi logic chính của job
	Execute(ctx context.Context) error

	// GetName trả về tên định danh của job, dùng để đăng ký và quản lý job trong scheduler
	GetName() string

	// GetSchedule trả về biểu thức cron (có giây) định nghĩa lịch chạy của job
	// Ví dụ: "*/5 * * * * *" - chạy mỗi 5 giây
	GetSchedule() string
}

// MetadataProvider được implement bởi các job có ghi nhận lần chạy (BaseJob)
type MetadataProvider interface {
	Metadata() JobMetadata
}

// ================== BASE JOB ==================

// BaseJob cung cấp sẵn name, schedule, chống chạy chồng và ghi nhận metadata.
// Các job cụ thể nhúng *BaseJob và gọi SetExecuteInternalCallback trong constructor.
type BaseJob struct {
	name     string
	schedule string
	now      func() time.Time

	mu        sync.Mutex
	isRunning bool
	meta      JobMetadata

	executeInternalFunc func(ctx context.Context) error
}

// NewBaseJob khởi tạo BaseJob với tên và lịch chạy.
func NewBaseJob(name, schedule string) *BaseJob {
	now := time.Now
	return &BaseJob{
		name:     name,
		schedule: schedule,
		now:      now,
		meta: JobMetadata{
			Name:      name,
			Schedule:  schedule,
			Status:    JobStatusPending,
			CreatedAt: now(),
			UpdatedAt: now(),
		},
	}
}

func (j *BaseJob) GetName() string     { return j.name }
func (j *BaseJob) GetSchedule() string { return j.schedule }

// Execute thực thi logic chính của job.
// Nếu lần chạy trước chưa xong thì bỏ qua (SkipCount tăng), không trả lỗi.
func (j *BaseJob) Execute(ctx context.Context) error {
	j.mu.Lock()
	if j.isRunning {
		j.meta.SkipCount++
		j.mu.Unlock()
		return nil
	}
	j.isRunning = true
	start := j.now()
	j.meta.Status = JobStatusRunning
	j.meta.LastRun = start
	j.meta.UpdatedAt = start
	j.mu.Unlock()

	var err error
	defer func() {
		rec := recover()
		if rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		j.finish(start, err)
		if rec != nil {
			panic(rec)
		}
	}()

	if j.executeInternalFunc != nil {
		err = j.executeInternalFunc(ctx)
		return err
	}
	err = j.ExecuteInternal(ctx)
	return err
}

func (j *BaseJob) finish(start time.Time, err error) {
	end := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.isRunning = false
	j.meta.RunCount++
	j.meta.Duration = end.Sub(start).Seconds()
	j.meta.UpdatedAt = end
	if err != nil {
		j.meta.Status = JobStatusFailed
		j.meta.Error = err.Error()
		j.meta.FailCount++
		return
	}
	j.meta.Status = JobStatusCompleted
	j.meta.Error = ""
}

// SetExecuteInternalCallback thiết lập callback để BaseJob.Execute gọi đúng ExecuteInternal của job con.
func (j *BaseJob) SetExecuteInternalCallback(fn func(ctx context.Context) error) {
	j.executeInternalFunc = fn
}

// ExecuteInternal mặc định không làm gì, job con phải override
func (j *BaseJob) ExecuteInternal(ctx context.Context) error {
	return nil
}

// Metadata trả về bản sao metadata của job
func (j *BaseJob) Metadata() JobMetadata {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.meta
}

// ================== TRẠNG THÁI & METADATA ==================

// JobStatus là enum trạng thái job.
type JobStatus string

const (
	// JobStatusPending: job đã được lập lịch nhưng chưa chạy lần nào
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning: job đang trong quá trình thực thi
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted: lần chạy gần nhất thành công
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed: lần chạy gần nhất thất bại
	JobStatusFailed JobStatus = "failed"
)

// JobMetadata lưu thông tin về lần chạy gần nhất của job.
type JobMetadata struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Status   JobStatus `json:"status"`
	LastRun  time.Time `json:"last_run"`
	NextRun  time.Time `json:"next_run"`
	// Duration: thời gian thực thi của lần chạy cuối (giây)
	Duration  float64   `json:"duration"`
	Error     string    `json:"error,omitempty"`
	RunCount  int       `json:"run_count"`
	FailCount int       `json:"fail_count"`
	SkipCount int       `json:"skip_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
