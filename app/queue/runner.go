package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler xử lý một action đã tới hạn. Trả về lỗi nghĩa là action thất bại.
type Handler func(ctx context.Context, action Action) error

// defaultClaimLimit là số action tối đa được nhận trong một lần RunDue
const defaultClaimLimit = 50

// Runner giữ bảng hook -> handler và chạy các action tới hạn.
// RunDue không chạy chồng: lần gọi thứ hai trong lúc lần trước chưa xong sẽ trả về ngay.
type Runner struct {
	queue      TaskQueue
	mu         sync.RWMutex
	handlers   map[string]Handler
	running    sync.Mutex
	now        func() time.Time
	claimLimit int
	log        *logrus.Entry
}

// RunnerOption tuỳ chỉnh Runner
type RunnerOption func(*Runner)

// WithClock thay đồng hồ (dùng cho test với đồng hồ giả lập)
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithClaimLimit đổi số action tối đa nhận mỗi lần
func WithClaimLimit(limit int) RunnerOption {
	return func(r *Runner) { r.claimLimit = limit }
}

// WithLogger gắn logger cho Runner
func WithLogger(log *logrus.Entry) RunnerOption {
	return func(r *Runner) { r.log = log }
}

// NewRunner tạo Runner trên queue
func NewRunner(q TaskQueue, opts ...RunnerOption) *Runner {
	r := &Runner{
		queue:      q,
		handlers:   make(map[string]Handler),
		now:        time.Now,
		claimLimit: defaultClaimLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		r.log = logrus.NewEntry(l)
	}
	return r
}

// Register gắn handler cho hook, ghi đè handler cũ nếu có
func (r *Runner) Register(hook string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[hook] = h
}

// Queue trả về queue mà Runner đang chạy
func (r *Runner) Queue() TaskQueue {
	return r.queue
}

// RunDue nhận các action đã tới hạn và chạy lần lượt từng action.
// Trả về số action đã xử lý (kể cả thất bại). Lỗi chỉ phát sinh khi không thể đọc queue.
func (r *Runner) RunDue(ctx context.Context) (int, error) {
	if !r.running.TryLock() {
		r.log.Debug("⏭️ RunDue đang chạy, bỏ qua lần gọi này")
		return 0, nil
	}
	defer r.running.Unlock()

	processed := 0
	for {
		actions, err := r.queue.ClaimDue(ctx, r.now(), r.claimLimit)
		if err != nil {
			return processed, fmt.Errorf("không thể lấy action tới hạn: %w", err)
		}
		if len(actions) == 0 {
			return processed, nil
		}
		for _, action := range actions {
			r.dispatch(ctx, action)
			processed++
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}
	}
}

// dispatch chạy một action và ghi kết quả về queue. Panic của handler được chuyển thành lỗi.
func (r *Runner) dispatch(ctx context.Context, action Action) {
	log := r.log.WithFields(logrus.Fields{
		"action_id": action.ID,
		"group":     action.Group,
		"hook":      action.Hook,
		"attempt":   action.Attempts,
	})

	r.mu.RLock()
	h, ok := r.handlers[action.Hook]
	r.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("không có handler cho hook %s", action.Hook)
	} else {
		err = r.safeCall(ctx, h, action)
	}

	if err != nil {
		log.WithError(err).Error("❌ Action thất bại")
		if markErr := r.queue.MarkFailed(ctx, action.ID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("❌ Không thể đánh dấu action thất bại")
		}
		return
	}

	if markErr := r.queue.MarkComplete(ctx, action.ID); markErr != nil {
		log.WithError(markErr).Error("❌ Không thể đánh dấu action hoàn thành")
		return
	}
	log.Debug("✅ Action hoàn thành")
}

func (r *Runner) safeCall(ctx context.Context, h Handler, action Action) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logrus.Fields{
				"action_id": action.ID,
				"panic":     rec,
				"stack":     string(debug.Stack()),
			}).Error("🚨 PANIC trong handler của action")
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, action)
}
