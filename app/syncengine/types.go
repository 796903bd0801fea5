/*
Package syncengine là engine đồng bộ khách hàng hàng loạt với Loyalty.

Một Engine gồm:
  - SyncScheduler: chia danh sách ID thành batch và đặt lịch từng batch vào task queue
    cách nhau một khoảng Interval, kèm một lượt kiểm tra hoàn tất ở cuối
  - SyncCoordinator: Start/GetStatus/Cancel/Reset/Pause/Resume, xử lý batch và kiểm tra hoàn tất
  - HealthMonitor: phát hiện lượt chạy bị treo và đưa các batch thất bại vào lại queue

Engine không giữ trạng thái trong bộ nhớ: mọi thứ nằm trong RunStateStore, vì batch có thể
được chạy bởi tiến trình khác với tiến trình đã gọi Start.

Hai engine được dùng trong agent: "sync" (liên kết khách hàng, BatchSynchronizer) và
"import" (import điểm lịch sử cho khách đã liên kết, PointImporter).
*/
package syncengine

import (
	"context"
	"time"
)

// CustomerID là ID khách hàng trong cơ sở dữ liệu cửa hàng
type CustomerID = int64

// Status là trạng thái của một lượt chạy
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsActive trả về true nếu lượt chạy đang diễn ra (không được Start lượt mới)
func (s Status) IsActive() bool {
	return s == StatusPreparing || s == StatusRunning || s == StatusPaused
}

// Progress là bộ đếm tiến độ của một lượt chạy. Các bộ đếm chỉ tăng trong một lượt.
type Progress struct {
	RunID            string `json:"run_id"`
	Total            int    `json:"total"`
	Processed        int    `json:"processed"`
	Successful       int    `json:"successful"`
	Failed           int    `json:"failed"`
	Skipped          int    `json:"skipped"`
	TotalBatches     int    `json:"total_batches"`
	CompletedBatches int    `json:"completed_batches"`
	DoneBatches      []int  `json:"done_batches,omitempty"`
	// Batch có index nhỏ hơn giá trị này mà chưa xong đã được thay bằng batch đặt lại khi khôi phục
	SupersededBefore int    `json:"superseded_before,omitempty"`
}

func (p Progress) isDone(index int) bool {
	for _, i := range p.DoneBatches {
		if i == index {
			return true
		}
	}
	return false
}

// settled: batch đã được ghi nhận hoặc đã bị thay thế, không được xử lý lại
func (p Progress) settled(index int) bool {
	return index < p.SupersededBefore || p.isDone(index)
}

// RemainingBatches là số batch chưa hoàn thành
func (p Progress) RemainingBatches() int {
	if r := p.TotalBatches - p.CompletedBatches; r > 0 {
		return r
	}
	return 0
}

// RateLimit mô tả nhịp gửi batch của lượt chạy
type RateLimit struct {
	IntervalSeconds  int `json:"interval_seconds"`
	BatchSize        int `json:"batch_size"`
	TotalBatches     int `json:"total_batches"`
	EstimatedSeconds int `json:"estimated_seconds"`
}

// BatchResult là kết quả xử lý một batch.
// Mọi ID đầu vào đều nằm trong Processed và được đếm đúng một lần vào Successful, Failed hoặc Skipped.
type BatchResult struct {
	Processed  []CustomerID          `json:"processed"`
	Successful int                   `json:"successful"`
	Failed     int                   `json:"failed"`
	Skipped    int                   `json:"skipped"`
	Errors     map[CustomerID]string `json:"errors,omitempty"`
}

func newBatchResult(ids []CustomerID) BatchResult {
	processed := make([]CustomerID, len(ids))
	copy(processed, ids)
	return BatchResult{Processed: processed, Errors: make(map[CustomerID]string)}
}

func (r *BatchResult) fail(id CustomerID, msg string) {
	r.Failed++
	r.Errors[id] = msg
}

// LogEntry là một dòng trong log vận hành (mới nhất đứng đầu)
type LogEntry struct {
	Time       time.Time             `json:"time"`
	RunID      string                `json:"run_id,omitempty"`
	BatchIndex int                   `json:"batch_index"`
	Processed  int                   `json:"processed"`
	Successful int                   `json:"successful"`
	Failed     int                   `json:"failed"`
	Skipped    int                   `json:"skipped"`
	Errors     map[CustomerID]string `json:"errors,omitempty"`
	Message    string                `json:"message,omitempty"`
}

// StartResult là kết quả của Start
type StartResult struct {
	RunID            string `json:"run_id,omitempty"`
	Status           Status `json:"status"`
	Total            int    `json:"total"`
	TotalBatches     int    `json:"total_batches"`
	EstimatedSeconds int    `json:"estimated_seconds"`
	Message          string `json:"message"`
}

// StatusReport là trạng thái tổng hợp trả về cho người vận hành
type StatusReport struct {
	Engine          string     `json:"engine"`
	Status          Status     `json:"status"`
	Progress        Progress   `json:"progress"`
	RateLimit       *RateLimit `json:"rate_limit,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastUpdate      *time.Time `json:"last_update,omitempty"`
	NextBatchAt     *time.Time `json:"next_batch_at,omitempty"`
	EstimatedRemain int        `json:"estimated_seconds_remaining"`
	PendingBatches  int        `json:"pending_batches"`
	CompletionCheck int        `json:"completion_checks"`
	Log             []LogEntry `json:"log"`
}

// CandidateFunc trả về danh sách ID cần xử lý (đã loại trùng, tăng dần)
type CandidateFunc func(ctx context.Context) ([]CustomerID, error)

// ProcessFunc xử lý một batch. Không được trả lỗi: lỗi từng ID nằm trong BatchResult.
type ProcessFunc func(ctx context.Context, ids []CustomerID) BatchResult

// Observer nhận sự kiện của engine (dùng cho metrics)
type Observer interface {
	BatchRecorded(engine string, result BatchResult)
	StatusChanged(engine string, from, to Status)
}

type noopObserver struct{}

func (noopObserver) BatchRecorded(string, BatchResult)    {}
func (noopObserver) StatusChanged(string, Status, Status) {}
