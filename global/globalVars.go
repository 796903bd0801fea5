/*
Package global chứa các biến toàn cục được sử dụng trong toàn bộ ứng dụng.
Hiện tại chỉ gồm GlobalConfig: cấu hình được load một lần trong main().
Các package nghiệp vụ nhận dependency qua tham số, không đọc trực tiếp biến này.
*/
package global

import (
	"sync"

	"agent_loyalty/config"
)

var (
	globalConfig   *config.Configuration
	globalConfigMu sync.RWMutex
)

// SetConfig lưu cấu hình của ứng dụng (gọi một lần trong main)
func SetConfig(cfg *config.Configuration) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// Config trả về cấu hình hiện tại, nil nếu chưa được set
func Config() *config.Configuration {
	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}
