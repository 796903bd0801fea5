package integrations

import (
	"errors"
	"fmt"
)

// ErrCustomerNotFound được trả về khi Loyalty API báo không có khách hàng với ID đã cho
var ErrCustomerNotFound = errors.New("loyalty: không tìm thấy khách hàng")

// TransportError là lỗi mạng, timeout hoặc server lỗi (5xx/429). Có thể thử lại ở batch sau.
type TransportError struct {
	Op         string
	StatusCode int // 0 nếu không nhận được response
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("loyalty %s: lỗi kết nối (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("loyalty %s: lỗi kết nối: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError là lỗi thiếu hoặc sai thông tin xác thực. Không được thử lại.
type AuthError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("loyalty %s: xác thực thất bại (status %d): %s", e.Op, e.StatusCode, e.Message)
}

// ApplicationError là khi Loyalty API từ chối payload hoặc trả về response sai định dạng
type ApplicationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("loyalty %s: API từ chối yêu cầu (status %d): %s", e.Op, e.StatusCode, e.Message)
}

// IsTransportError kiểm tra err có phải TransportError không
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuthError kiểm tra err có phải AuthError không
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
