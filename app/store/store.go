/*
Package store cung cấp RunStateStore: kho key-value bền vững lưu toàn bộ trạng thái của các engine
đồng bộ (status, progress, log, lock, ...). Mọi tiến trình dùng chung một store nên không được cache
trạng thái trong bộ nhớ giữa hai lần xử lý batch.

Các implementation:
  - MemoryStore: dùng cho test
  - SQLiteStore: bảng options trong file SQLite (mặc định)
  - MongoStore: collection options trong MongoDB
*/
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConflict được trả về khi UpdateJSON không thể ghi sau nhiều lần CompareAndSwap thất bại
var ErrConflict = errors.New("store: quá nhiều lần ghi đồng thời, không thể cập nhật")

// ErrSkipUpdate được hàm mutate của UpdateJSON trả về để dừng mà không ghi gì
var ErrSkipUpdate = errors.New("store: bỏ qua cập nhật")

// maxCASAttempts giới hạn số vòng lặp CAS trong UpdateJSON
const maxCASAttempts = 64

// RunStateStore là kho key-value tối thiểu mà engine cần
type RunStateStore interface {
	// Get trả về giá trị của key, found=false nếu key chưa tồn tại
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set ghi đè giá trị của key
	Set(ctx context.Context, key string, value []byte) error
	// Delete xoá key, không lỗi nếu key không tồn tại
	Delete(ctx context.Context, key string) error
	// CompareAndSwap ghi new chỉ khi giá trị hiện tại bằng old.
	// old == nil nghĩa là key phải chưa tồn tại.
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
}

// GetJSON đọc key và unmarshal vào v. Trả về false nếu key chưa tồn tại (v giữ nguyên).
func GetJSON(ctx context.Context, s RunStateStore, key string, v interface{}) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("giá trị của key %s không phải JSON hợp lệ: %w", key, err)
	}
	return true, nil
}

// SetJSON marshal v và ghi vào key
func SetJSON(ctx context.Context, s RunStateStore, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("không thể marshal giá trị cho key %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// UpdateJSON đọc - sửa - ghi một key bằng vòng lặp CompareAndSwap.
// mutate nhận giá trị hiện tại (zero value nếu key chưa có) và sửa trực tiếp trên đó.
// Nếu mutate trả về ErrSkipUpdate thì không ghi và UpdateJSON trả về giá trị hiện tại, nil.
func UpdateJSON[T any](ctx context.Context, s RunStateStore, key string, mutate func(v *T, exists bool) error) (T, error) {
	var zero T
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		raw, found, err := s.Get(ctx, key)
		if err != nil {
			return zero, err
		}

		var current T
		if found {
			if err := json.Unmarshal(raw, &current); err != nil {
				return zero, fmt.Errorf("giá trị của key %s không phải JSON hợp lệ: %w", key, err)
			}
		}

		if err := mutate(&current, found); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return current, nil
			}
			return zero, err
		}

		next, err := json.Marshal(current)
		if err != nil {
			return zero, fmt.Errorf("không thể marshal giá trị cho key %s: %w", key, err)
		}

		var old []byte
		if found {
			old = raw
		}
		ok, err := s.CompareAndSwap(ctx, key, old, next)
		if err != nil {
			return zero, err
		}
		if ok {
			return current, nil
		}
	}
	return zero, fmt.Errorf("%w (key %s)", ErrConflict, key)
}
