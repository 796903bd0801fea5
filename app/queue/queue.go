/*
Package queue là task queue bền vững theo mô hình "chạy một action tại thời điểm T".
Engine đồng bộ đặt lịch từng batch và lượt kiểm tra hoàn tất vào queue, Runner (được cron job
gọi định kỳ) lấy các action đã tới hạn và gọi handler tương ứng với hook của action.

Vòng đời action:

	pending -> running -> complete
	                   -> failed -> pending (Retry)
	pending -> canceled (UnscheduleAll)
*/
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status là trạng thái của một action
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

var (
	// ErrActionNotFound được trả về khi không có action với ID đã cho
	ErrActionNotFound = errors.New("queue: không tìm thấy action")
	// ErrInvalidTransition được trả về khi action không ở trạng thái cho phép thao tác
	ErrInvalidTransition = errors.New("queue: chuyển trạng thái không hợp lệ")
)

// Action là một tác vụ đã được đặt lịch
type Action struct {
	ID          string          `json:"id"`
	Group       string          `json:"group"`
	Hook        string          `json:"hook"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskQueue là hợp đồng tối thiểu mà engine cần từ hệ thống hàng đợi
type TaskQueue interface {
	// ScheduleAt đặt lịch một action mới ở trạng thái pending
	ScheduleAt(ctx context.Context, at time.Time, group, hook string, payload []byte) (string, error)
	// ListActions liệt kê action của group theo thứ tự thời gian đặt lịch.
	// Không truyền statuses nghĩa là lấy mọi trạng thái.
	ListActions(ctx context.Context, group string, statuses ...Status) ([]Action, error)
	// UnscheduleAll huỷ các action pending của group (hook rỗng = mọi hook), trả về số action đã huỷ
	UnscheduleAll(ctx context.Context, group, hook string) (int, error)
	// MarkComplete đánh dấu action đã chạy xong
	MarkComplete(ctx context.Context, id string) error
	// MarkFailed đánh dấu action thất bại kèm lý do
	MarkFailed(ctx context.Context, id, reason string) error
	// ClaimDue chuyển tối đa limit action pending đã tới hạn sang running (cũ nhất trước)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Action, error)
	// Retry đưa action failed về pending với thời điểm chạy mới
	Retry(ctx context.Context, id string, at time.Time) error
}

func statusSet(statuses []Status) map[Status]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}
