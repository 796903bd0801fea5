package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agent_loyalty/app/store"
)

// Hậu tố của các key trạng thái, key đầy đủ là <engine>_<hậu tố>
const (
	keyStatus           = "status"
	keyProgress         = "progress"
	keyLog              = "log"
	keyLock             = "lock"
	keyRateLimit        = "rate_limit"
	keyStartedAt        = "started_at"
	keyCompletedAt      = "completed_at"
	keyLastUpdate       = "last_update"
	keyCompletionChecks = "completion_checks"
	keyPausedBatches    = "paused_batches"
)

var allStateKeys = []string{
	keyStatus, keyProgress, keyLog, keyLock, keyRateLimit, keyStartedAt,
	keyCompletedAt, keyLastUpdate, keyCompletionChecks, keyPausedBatches,
}

// runState đọc ghi trạng thái lượt chạy của một engine trong RunStateStore
type runState struct {
	name  string
	store store.RunStateStore
}

func (s *runState) key(suffix string) string {
	return s.name + "_" + suffix
}

func (s *runState) status(ctx context.Context) (Status, error) {
	var st Status
	found, err := store.GetJSON(ctx, s.store, s.key(keyStatus), &st)
	if err != nil {
		return StatusIdle, err
	}
	if !found || st == "" {
		return StatusIdle, nil
	}
	return st, nil
}

// transition đổi status sang to nếu status hiện tại nằm trong from (CompareAndSwap).
// Trả về status trước đó và ok=false nếu status hiện tại không nằm trong from.
func (s *runState) transition(ctx context.Context, from []Status, to Status) (Status, bool, error) {
	key := s.key(keyStatus)
	next, err := json.Marshal(to)
	if err != nil {
		return "", false, err
	}

	for attempt := 0; attempt < 16; attempt++ {
		raw, found, err := s.store.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		current := StatusIdle
		if found {
			if err := json.Unmarshal(raw, &current); err != nil {
				return "", false, fmt.Errorf("status của %s không hợp lệ: %w", s.name, err)
			}
		} else {
			raw = nil
		}

		allowed := false
		for _, f := range from {
			if f == current {
				allowed = true
				break
			}
		}
		if !allowed {
			return current, false, nil
		}

		ok, err := s.store.CompareAndSwap(ctx, key, raw, next)
		if err != nil {
			return current, false, err
		}
		if ok {
			return current, true, nil
		}
	}
	return "", false, fmt.Errorf("%w (key %s)", store.ErrConflict, key)
}

func (s *runState) setStatus(ctx context.Context, st Status) error {
	return store.SetJSON(ctx, s.store, s.key(keyStatus), st)
}

func (s *runState) progress(ctx context.Context) (Progress, error) {
	var p Progress
	_, err := store.GetJSON(ctx, s.store, s.key(keyProgress), &p)
	return p, err
}

func (s *runState) setProgress(ctx context.Context, p Progress) error {
	return store.SetJSON(ctx, s.store, s.key(keyProgress), p)
}

func (s *runState) updateProgress(ctx context.Context, mutate func(p *Progress) error) (Progress, error) {
	return store.UpdateJSON(ctx, s.store, s.key(keyProgress), func(p *Progress, _ bool) error {
		return mutate(p)
	})
}

func (s *runState) rateLimit(ctx context.Context) (*RateLimit, error) {
	var rl RateLimit
	found, err := store.GetJSON(ctx, s.store, s.key(keyRateLimit), &rl)
	if err != nil || !found {
		return nil, err
	}
	return &rl, nil
}

func (s *runState) setRateLimit(ctx context.Context, rl RateLimit) error {
	return store.SetJSON(ctx, s.store, s.key(keyRateLimit), rl)
}

func (s *runState) logs(ctx context.Context) ([]LogEntry, error) {
	entries := make([]LogEntry, 0)
	_, err := store.GetJSON(ctx, s.store, s.key(keyLog), &entries)
	return entries, err
}

// appendLog thêm entry vào đầu log, giữ tối đa capacity entry
func (s *runState) appendLog(ctx context.Context, entry LogEntry, capacity int) error {
	_, err := store.UpdateJSON(ctx, s.store, s.key(keyLog), func(entries *[]LogEntry, _ bool) error {
		next := append([]LogEntry{entry}, *entries...)
		if capacity > 0 && len(next) > capacity {
			next = next[:capacity]
		}
		*entries = next
		return nil
	})
	return err
}

func (s *runState) timestamp(ctx context.Context, suffix string) (*time.Time, error) {
	var t time.Time
	found, err := store.GetJSON(ctx, s.store, s.key(suffix), &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

func (s *runState) setTimestamp(ctx context.Context, suffix string, t time.Time) error {
	return store.SetJSON(ctx, s.store, s.key(suffix), t)
}

func (s *runState) delete(ctx context.Context, suffixes ...string) error {
	for _, suffix := range suffixes {
		if err := s.store.Delete(ctx, s.key(suffix)); err != nil {
			return err
		}
	}
	return nil
}

// incrementCompletionChecks tăng bộ đếm số lần dời lượt kiểm tra hoàn tất, trả về giá trị mới
func (s *runState) incrementCompletionChecks(ctx context.Context) (int, error) {
	return store.UpdateJSON(ctx, s.store, s.key(keyCompletionChecks), func(n *int, _ bool) error {
		*n++
		return nil
	})
}

func (s *runState) completionChecks(ctx context.Context) (int, error) {
	var n int
	_, err := store.GetJSON(ctx, s.store, s.key(keyCompletionChecks), &n)
	return n, err
}

func (s *runState) pausedBatches(ctx context.Context) ([]batchPayload, error) {
	batches := make([]batchPayload, 0)
	_, err := store.GetJSON(ctx, s.store, s.key(keyPausedBatches), &batches)
	return batches, err
}

func (s *runState) setPausedBatches(ctx context.Context, batches []batchPayload) error {
	return store.SetJSON(ctx, s.store, s.key(keyPausedBatches), batches)
}

// clear xoá toàn bộ trạng thái của engine, status trở về idle
func (s *runState) clear(ctx context.Context) error {
	return s.delete(ctx, allStateKeys...)
}
