package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"agent_loyalty/utility/logger"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// Configuration chứa thông tin tĩnh cần thiết để chạy agent
// Gồm thông tin Loyalty API, nơi lưu trạng thái và thông số của các engine đồng bộ
type Configuration struct {
	LoyaltyApiBaseUrl    string        `env:"LOYALTY_API_BASE_URL"`                     // Địa chỉ server Loyalty API
	LoyaltyApiKey        string        `env:"LOYALTY_API_KEY"`                          // API key của Loyalty API
	LoyaltyApiTimeout    time.Duration `env:"LOYALTY_API_TIMEOUT" envDefault:"30s"`     // Timeout cho mỗi request
	LoyaltyApiMinDelay   time.Duration `env:"LOYALTY_API_MIN_DELAY" envDefault:"200ms"` // Khoảng nghỉ tối thiểu giữa 2 request
	LoyaltyPointsChannel string        `env:"LOYALTY_POINTS_CHANNEL" envDefault:"import"`

	StateBackend  string `env:"STATE_BACKEND" envDefault:"sqlite"` // sqlite hoặc mongo
	SqlitePath    string `env:"SQLITE_PATH" envDefault:"loyalty_agent.db"`
	MongoUri      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"loyalty_agent"`

	SyncBatchSize           int           `env:"SYNC_BATCH_SIZE" envDefault:"20"`
	SyncInterval            time.Duration `env:"SYNC_INTERVAL" envDefault:"60s"`
	SyncMaxCompletionChecks int           `env:"SYNC_MAX_COMPLETION_CHECKS" envDefault:"60"`
	ImportBatchSize         int           `env:"IMPORT_BATCH_SIZE" envDefault:"50"`
	ImportInterval          time.Duration `env:"IMPORT_INTERVAL" envDefault:"30s"`

	PointsDefaultRate float64 `env:"POINTS_DEFAULT_RATE" envDefault:"1"`
	PointsTierRates   string  `env:"POINTS_TIER_RATES"` // Dạng "gold:2,silver:1.5"

	AdminListenAddr     string `env:"ADMIN_LISTEN_ADDR" envDefault:":8088"`
	QueueRunnerSchedule string `env:"QUEUE_RUNNER_SCHEDULE" envDefault:"*/5 * * * * *"`
	HealthCheckSchedule string `env:"HEALTH_CHECK_SCHEDULE" envDefault:"0 0 * * * *"`
}

// LogConfig trả về cấu hình logger từ environment variables
func LogConfig() *logger.Config {
	return logger.NewConfig()
}

// NewConfig sẽ đọc dữ liệu cấu hình từ environment variables hoặc file .env
// Ưu tiên: Environment variables (systemd EnvironmentFile) > File .env (development)
func NewConfig(files ...string) *Configuration {
	cfg := Configuration{}

	// Bước 1: Thử parse từ environment variables trước
	err := env.Parse(&cfg)
	if err != nil {
		log.Printf("Không thể parse từ environment variables: %v, thử load từ file .env\n", err)
	} else if cfg.LoyaltyApiBaseUrl != "" || cfg.LoyaltyApiKey != "" {
		log.Printf("Đã đọc cấu hình từ environment variables\n")
		return &cfg
	}

	// Bước 2: Fallback về file .env (cho development)
	if len(files) == 0 {
		files = []string{filepath.Join(".env")}
	}
	if err := godotenv.Load(files...); err != nil {
		log.Printf("Không tìm thấy file env %v (sẽ dùng environment variables nếu có)\n", files)
	} else {
		log.Printf("Đã load file env %v\n", files)
	}

	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("Lỗi khi parse config: %+v\n", err)
	}

	return &cfg
}

// TierRates chuyển POINTS_TIER_RATES ("gold:2,silver:1.5") thành map tier -> hệ số điểm
// Các phần tử sai định dạng bị bỏ qua
func (c *Configuration) TierRates() map[string]float64 {
	rates := make(map[string]float64)
	for _, part := range strings.Split(c.PointsTierRates, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || name == "" {
			continue
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || rate < 0 {
			log.Printf("Bỏ qua tier rate không hợp lệ: %q\n", part)
			continue
		}
		rates[strings.ToLower(strings.TrimSpace(name))] = rate
	}
	return rates
}

// HasLoyaltyCredentials kiểm tra đã cấu hình đủ thông tin gọi Loyalty API chưa
func (c *Configuration) HasLoyaltyCredentials() bool {
	return c.LoyaltyApiBaseUrl != "" && c.LoyaltyApiKey != ""
}
