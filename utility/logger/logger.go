package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFormat định nghĩa format của log
type LogFormat string

const (
	LogFormatJSON LogFormat = "json" // JSON format cho production
	LogFormatText LogFormat = "text" // Text format cho development
)

// Config chứa cấu hình cho logger
type Config struct {
	// Level: debug, info, warn, error, fatal (mặc định: info)
	Level string

	// Format: json hoặc text (mặc định: text)
	Format string

	// LogDir: Thư mục lưu log files (mặc định: ./logs cạnh file thực thi)
	LogDir string

	EnableConsole string
	EnableFile    string

	// MaxSize (MB), MaxBackups, MaxAge (ngày): tham số rotate của lumberjack
	MaxSize    string
	MaxBackups string
	MaxAge     string
	Compress   string

	EnableCaller string
}

// NewConfig tạo config mới từ environment variables với default values
func NewConfig() *Config {
	return &Config{
		Level:         getEnv("LOG_LEVEL", "info"),
		Format:        getEnv("LOG_FORMAT", string(LogFormatText)),
		LogDir:        getEnv("LOG_DIR", "./logs"),
		EnableConsole: getEnv("LOG_ENABLE_CONSOLE", "true"),
		EnableFile:    getEnv("LOG_ENABLE_FILE", "true"),
		MaxSize:       getEnv("LOG_MAX_SIZE", "100"),
		MaxBackups:    getEnv("LOG_MAX_BACKUPS", "10"),
		MaxAge:        getEnv("LOG_MAX_AGE", "30"),
		Compress:      getEnv("LOG_COMPRESS", "true"),
		EnableCaller:  getEnv("LOG_ENABLE_CALLER", "true"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	loggers   = make(map[string]*logrus.Logger)
	loggersMu sync.Mutex
	rootDir   string
	globalCfg *Config
)

// InitLogger lưu cấu hình dùng cho mọi logger được tạo sau đó.
// Logger đã tạo trước khi gọi InitLogger giữ nguyên cấu hình cũ.
func InitLogger(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Format != "" {
		switch LogFormat(strings.ToLower(cfg.Format)) {
		case LogFormatJSON, LogFormatText:
		default:
			return fmt.Errorf("LOG_FORMAT không hợp lệ: %q (chỉ hỗ trợ json|text)", cfg.Format)
		}
	}
	loggersMu.Lock()
	globalCfg = cfg
	loggersMu.Unlock()
	return nil
}

// getRootDir lấy thư mục chứa file thực thi, fallback về thư mục hiện tại
func getRootDir() string {
	if rootDir != "" {
		return rootDir
	}
	executable, err := os.Executable()
	if err != nil {
		wd, _ := os.Getwd()
		rootDir = wd
		return rootDir
	}
	rootDir = filepath.Dir(executable)
	return rootDir
}

// parseLogLevel chuyển đổi string sang logrus.Level
func parseLogLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

func parseBool(s string, defaultValue bool) bool {
	if s == "" {
		return defaultValue
	}
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return result
}

// CustomTextFormatter là formatter tùy chỉnh để làm nổi bật log lỗi
type CustomTextFormatter struct {
	logrus.TextFormatter
}

// Format thêm prefix nổi bật cho ERROR/FATAL (kèm dòng phân cách) và prefix nhẹ cho WARN
func (f *CustomTextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data, err := f.TextFormatter.Format(entry)
	if err != nil {
		return nil, err
	}

	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		prefix := "🚨 [ERROR] "
		if entry.Level != logrus.ErrorLevel {
			prefix = "💀 [FATAL] "
		}
		result := append([]byte(prefix), data...)
		if len(result) > 0 && result[len(result)-1] == '\n' {
			result = result[:len(result)-1]
		}
		return append(result, []byte("\n═══════════════════════════════════════════════════════════\n")...), nil
	case logrus.WarnLevel:
		return append([]byte("⚠️  [WARN] "), data...), nil
	}

	return data, nil
}

// createFormatter tạo formatter dựa trên config
func createFormatter(format string) logrus.Formatter {
	if LogFormat(strings.ToLower(format)) == LogFormatJSON {
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "caller",
			},
		}
	}

	return &CustomTextFormatter{
		TextFormatter: logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			ForceColors:     true,
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				s := strings.Split(f.Function, ".")
				funcName := s[len(s)-1]
				file := fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
				return funcName, file
			},
		},
	}
}

// GetLogger trả về logger theo tên (app, job, sync-engine, ...)
// Mỗi logger có file log riêng: <LogDir>/<name>.log
func GetLogger(name string) *logrus.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, ok := loggers[name]; ok {
		return logger
	}

	cfg := globalCfg
	if cfg == nil {
		cfg = &Config{}
	}

	logger := logrus.New()
	logger.SetLevel(parseLogLevel(cfg.Level))
	logger.SetFormatter(createFormatter(cfg.Format))
	logger.SetReportCaller(parseBool(cfg.EnableCaller, true))
	logger.AddHook(NewLoggerNameHook(name))
	RegisterLoggerName(logger, name)

	var writers []io.Writer
	if parseBool(cfg.EnableConsole, true) {
		writers = append(writers, os.Stdout)
	}
	if parseBool(cfg.EnableFile, true) {
		logDir := cfg.LogDir
		if logDir == "" || logDir == "./logs" {
			logDir = filepath.Join(getRootDir(), "logs")
		}
		if err := os.MkdirAll(logDir, 0755); err != nil {
			panic(fmt.Sprintf("Không thể tạo thư mục logs tại %s: %v", logDir, err))
		}

		// lumberjack tự rotate theo MaxSize và dọn file cũ theo MaxAge/MaxBackups
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(logDir, fmt.Sprintf("%s.log", name)),
			MaxSize:    parseInt(cfg.MaxSize, 100),
			MaxBackups: parseInt(cfg.MaxBackups, 10),
			MaxAge:     parseInt(cfg.MaxAge, 30),
			Compress:   parseBool(cfg.Compress, true),
			LocalTime:  true,
		})
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	logger.WithFields(logrus.Fields{
		"logger_name": name,
		"level":       logger.GetLevel().String(),
		"format":      cfg.Format,
		"console":     parseBool(cfg.EnableConsole, true),
		"file":        parseBool(cfg.EnableFile, true),
	}).Debug("Logger đã được khởi tạo thành công")

	loggers[name] = logger
	return logger
}

// GetJobLogger trả về logger cho cron jobs
func GetJobLogger() *logrus.Logger {
	return GetLogger("job")
}

// GetAppLogger trả về logger cho application
func GetAppLogger() *logrus.Logger {
	return GetLogger("app")
}

// GetEngineLogger trả về logger riêng cho một engine đồng bộ (sync, import)
func GetEngineLogger(engine string) *logrus.Logger {
	return GetLogger(engine + "-engine")
}

// WithRunID gắn run_id của một lượt chạy vào entry của engine
func WithRunID(entry *logrus.Entry, runID string) *logrus.Entry {
	return entry.WithField("run_id", runID)
}
