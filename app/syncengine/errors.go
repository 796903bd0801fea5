package syncengine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning được trả về khi Start trong lúc đã có lượt chạy hoặc queue còn batch chờ
	ErrAlreadyRunning = errors.New("engine đang chạy, không thể bắt đầu lượt mới")
	// ErrNotFoundInResponse: response bulk create có ít phần tử hơn số khách đã gửi
	ErrNotFoundInResponse = errors.New("not found in API response")
	// ErrNoCustomerID: phần tử trong response bulk create không có ID
	ErrNoCustomerID = errors.New("no customer id in response")
	// ErrInvalidState được trả về khi Pause/Resume không khớp trạng thái hiện tại
	ErrInvalidState = errors.New("trạng thái hiện tại không cho phép thao tác này")
)

// ConfigError là lỗi cấu hình (thiếu thông tin Loyalty API). Start từ chối trước khi làm gì.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("lỗi cấu hình: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError kiểm tra err có phải ConfigError không
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
