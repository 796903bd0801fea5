package queue

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue là TaskQueue trong bộ nhớ, dùng cho test và chạy thử
type MemoryQueue struct {
	mu      sync.Mutex
	actions map[string]*memoryAction
	seq     int64
	now     func() time.Time
}

type memoryAction struct {
	Action
	seq int64
}

// NewMemoryQueue tạo queue rỗng. now có thể nil (mặc định time.Now).
func NewMemoryQueue(now func() time.Time) *MemoryQueue {
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{actions: make(map[string]*memoryAction), now: now}
}

func (q *MemoryQueue) ScheduleAt(_ context.Context, at time.Time, group, hook string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	now := q.now()
	a := &memoryAction{
		Action: Action{
			ID:          uuid.NewString(),
			Group:       group,
			Hook:        hook,
			Payload:     bytes.Clone(payload),
			ScheduledAt: at,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		seq: q.seq,
	}
	q.actions[a.ID] = a
	return a.ID, nil
}

// sorted trả về các action thoả filter, theo thứ tự (scheduled_at, thứ tự tạo)
func (q *MemoryQueue) sorted(filter func(*memoryAction) bool) []*memoryAction {
	out := make([]*memoryAction, 0)
	for _, a := range q.actions {
		if filter(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (q *MemoryQueue) ListActions(_ context.Context, group string, statuses ...Status) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	set := statusSet(statuses)
	matched := q.sorted(func(a *memoryAction) bool {
		return a.Group == group && (set == nil || set[a.Status])
	})
	out := make([]Action, 0, len(matched))
	for _, a := range matched {
		out = append(out, a.Action)
	}
	return out, nil
}

func (q *MemoryQueue) UnscheduleAll(_ context.Context, group, hook string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	now := q.now()
	for _, a := range q.actions {
		if a.Group != group || a.Status != StatusPending || (hook != "" && a.Hook != hook) {
			continue
		}
		a.Status = StatusCanceled
		a.UpdatedAt = now
		n++
	}
	return n, nil
}

func (q *MemoryQueue) transition(id string, from []Status, apply func(a *memoryAction)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	allowed := false
	for _, s := range from {
		if a.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: action %s đang ở trạng thái %s", ErrInvalidTransition, id, a.Status)
	}
	apply(a)
	a.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) MarkComplete(_ context.Context, id string) error {
	return q.transition(id, []Status{StatusPending, StatusRunning}, func(a *memoryAction) {
		a.Status = StatusComplete
	})
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id, reason string) error {
	return q.transition(id, []Status{StatusPending, StatusRunning}, func(a *memoryAction) {
		a.Status = StatusFailed
		a.LastError = reason
	})
}

func (q *MemoryQueue) Retry(_ context.Context, id string, at time.Time) error {
	return q.transition(id, []Status{StatusFailed}, func(a *memoryAction) {
		a.Status = StatusPending
		a.ScheduledAt = at
	})
}

func (q *MemoryQueue) ClaimDue(_ context.Context, now time.Time, limit int) ([]Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := q.sorted(func(a *memoryAction) bool {
		return a.Status == StatusPending && !a.ScheduledAt.After(now)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Action, 0, len(due))
	for _, a := range due {
		a.Status = StatusRunning
		a.Attempts++
		a.UpdatedAt = q.now()
		out = append(out, a.Action)
	}
	return out, nil
}
