package utility

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter quản lý khoảng nghỉ động giữa các request tới Loyalty API.
// Delay tăng khi server trả 429 và giảm dần khi request thành công liên tiếp.
type AdaptiveRateLimiter struct {
	mu                 sync.Mutex
	limiter            *rate.Limiter
	currentDelay       time.Duration // Thời gian nghỉ hiện tại
	minDelay           time.Duration // Thời gian nghỉ tối thiểu
	maxDelay           time.Duration // Thời gian nghỉ tối đa
	successCount       int           // Số lần request thành công liên tiếp
	failureCount       int           // Số lần bị rate limit liên tiếp
	backoffMultiplier  float64       // Hệ số tăng delay khi bị rate limit
	recoveryMultiplier float64       // Hệ số giảm delay khi thành công
	successThreshold   int           // Số lần thành công cần để giảm delay
	lastAdjustmentTime time.Time
	adjustmentCooldown time.Duration
	now                func() time.Time
	log                *logrus.Entry
}

// NewAdaptiveRateLimiter tạo một rate limiter mới
// Tham số:
//   - initialDelay: Thời gian nghỉ ban đầu
//   - minDelay: Thời gian nghỉ tối thiểu
//   - maxDelay: Thời gian nghỉ tối đa
//   - log: Logger để ghi lại các lần điều chỉnh (có thể nil)
func NewAdaptiveRateLimiter(initialDelay, minDelay, maxDelay time.Duration, log *logrus.Entry) *AdaptiveRateLimiter {
	if minDelay <= 0 {
		minDelay = time.Millisecond
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if initialDelay < minDelay {
		initialDelay = minDelay
	}
	if initialDelay > maxDelay {
		initialDelay = maxDelay
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}

	return &AdaptiveRateLimiter{
		limiter:            rate.NewLimiter(delayToLimit(initialDelay), 1),
		currentDelay:       initialDelay,
		minDelay:           minDelay,
		maxDelay:           maxDelay,
		backoffMultiplier:  1.2,
		recoveryMultiplier: 0.9,
		successThreshold:   5,
		adjustmentCooldown: 10 * time.Second,
		lastAdjustmentTime: time.Now(),
		now:                time.Now,
		log:                log,
	}
}

func delayToLimit(d time.Duration) rate.Limit {
	return rate.Every(d)
}

// Wait chặn cho tới khi được phép gửi request tiếp theo hoặc ctx bị huỷ
func (rl *AdaptiveRateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// GetCurrentDelay trả về thời gian nghỉ hiện tại
func (rl *AdaptiveRateLimiter) GetCurrentDelay() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.currentDelay
}

func (rl *AdaptiveRateLimiter) setDelay(d time.Duration) {
	rl.currentDelay = d
	rl.limiter.SetLimit(delayToLimit(d))
	rl.lastAdjustmentTime = rl.now()
}

// RecordSuccess ghi nhận một request thành công và giảm delay nếu đủ điều kiện
func (rl *AdaptiveRateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.successCount++
	rl.failureCount = 0

	if rl.now().Sub(rl.lastAdjustmentTime) < rl.adjustmentCooldown {
		return
	}
	if rl.successCount < rl.successThreshold {
		return
	}

	newDelay := time.Duration(float64(rl.currentDelay) * rl.recoveryMultiplier)
	if newDelay < rl.minDelay {
		newDelay = rl.minDelay
	}
	if newDelay != rl.currentDelay {
		oldDelay := rl.currentDelay
		rl.setDelay(newDelay)
		rl.successCount = 0
		rl.log.WithFields(logrus.Fields{
			"old_delay": oldDelay.String(),
			"new_delay": newDelay.String(),
		}).Debug("✅ Request thành công liên tiếp → Giảm delay")
	}
}

// RecordFailure ghi nhận một request thất bại.
// CHỈ tăng delay khi server báo quá tải (429), các lỗi khác không ảnh hưởng nhịp gửi.
func (rl *AdaptiveRateLimiter) RecordFailure(statusCode int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.successCount = 0
	if statusCode != http.StatusTooManyRequests {
		return
	}
	rl.failureCount++

	newDelay := time.Duration(float64(rl.currentDelay) * rl.backoffMultiplier)
	if newDelay > rl.maxDelay {
		newDelay = rl.maxDelay
	}
	if newDelay != rl.currentDelay {
		oldDelay := rl.currentDelay
		rl.setDelay(newDelay)
		rl.log.WithFields(logrus.Fields{
			"old_delay":   oldDelay.String(),
			"new_delay":   newDelay.String(),
			"status_code": statusCode,
		}).Warn("⚠️ Loyalty API báo quá tải (RATE LIMIT) → Tăng delay")
	}
}

// RecordResponse ghi nhận kết quả của một request dựa trên status code
func (rl *AdaptiveRateLimiter) RecordResponse(statusCode int) {
	if statusCode >= 200 && statusCode < 300 {
		rl.RecordSuccess()
	} else {
		rl.RecordFailure(statusCode)
	}
}

// Reset đặt lại rate limiter về delay tối thiểu
func (rl *AdaptiveRateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.setDelay(rl.minDelay)
	rl.successCount = 0
	rl.failureCount = 0
	rl.log.WithField("delay", rl.minDelay.String()).Info("🔄 Đã reset rate limiter về delay tối thiểu")
}

// GetStats trả về thống kê hiện tại của rate limiter
func (rl *AdaptiveRateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"current_delay":        rl.currentDelay.String(),
		"min_delay":            rl.minDelay.String(),
		"max_delay":            rl.maxDelay.String(),
		"success_count":        rl.successCount,
		"failure_count":        rl.failureCount,
		"last_adjustment_time": rl.lastAdjustmentTime.Format("2006-01-02 15:04:05"),
	}
}
