package syncengine

import (
	"context"
	"errors"
	"time"

	"agent_loyalty/app/queue"
	"agent_loyalty/app/store"

	"github.com/sirupsen/logrus"
)

// Giá trị mặc định của EngineConfig
const (
	DefaultBatchSize            = 20
	DefaultInterval             = 60 * time.Second
	DefaultCompletionGrace      = 120 * time.Second
	DefaultCompletionRetryDelay = 60 * time.Second
	DefaultMaxCompletionChecks  = 60
	DefaultStaleAfter           = 5 * time.Minute
	DefaultLogCapacity          = 100
)

// EngineConfig là cấu hình của một engine
type EngineConfig struct {
	Name                 string        // Tiền tố key trạng thái, group và hook trong queue
	BatchSize            int           // Số ID mỗi batch
	Interval             time.Duration // Khoảng cách tối thiểu giữa 2 batch (rate limit)
	CompletionGrace      time.Duration // Thời gian chờ sau batch cuối trước khi kiểm tra hoàn tất
	CompletionRetryDelay time.Duration // Khoảng dời lượt kiểm tra hoàn tất khi còn batch chờ
	MaxCompletionChecks  int           // Số lần dời tối đa trước khi chuyển failed (0 = không giới hạn)
	StaleAfter           time.Duration // Heartbeat cũ hơn ngưỡng này thì coi là treo
	LogCapacity          int           // Số dòng log vận hành giữ lại

	Candidates CandidateFunc
	Process    ProcessFunc
	Preflight  func() error // Kiểm tra cấu hình trước khi Start, lỗi sẽ thành ConfigError
}

func (c *EngineConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = DefaultCompletionGrace
	}
	if c.CompletionRetryDelay <= 0 {
		c.CompletionRetryDelay = DefaultCompletionRetryDelay
	}
	if c.MaxCompletionChecks < 0 {
		c.MaxCompletionChecks = 0
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = DefaultLogCapacity
	}
}

// Engine gom Scheduler, Coordinator và HealthMonitor của một engine
type Engine struct {
	*SyncCoordinator
	Scheduler *SyncScheduler
	Health    *HealthMonitor
}

// Option tuỳ chỉnh Engine
type Option func(*options)

type options struct {
	now      func() time.Time
	observer Observer
	log      *logrus.Entry
}

// WithClock thay đồng hồ (test dùng đồng hồ giả lập)
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithObserver gắn observer nhận sự kiện batch/status
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger gắn logger cho engine
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// NewEngine tạo engine trên store và task queue
func NewEngine(cfg EngineConfig, st store.RunStateStore, q queue.TaskQueue, opts ...Option) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("engine phải có tên")
	}
	if cfg.Candidates == nil || cfg.Process == nil {
		return nil, errors.New("engine " + cfg.Name + " thiếu Candidates hoặc Process")
	}
	cfg.applyDefaults()

	o := options{now: time.Now, observer: noopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.log = logrus.NewEntry(l)
	}
	log := o.log.WithField("engine", cfg.Name)

	state := &runState{name: cfg.Name, store: st}
	scheduler := &SyncScheduler{cfg: cfg, queue: q, log: log}
	coordinator := &SyncCoordinator{
		cfg:       cfg,
		state:     state,
		queue:     q,
		scheduler: scheduler,
		now:       o.now,
		observer:  o.observer,
		log:       log,
	}
	health := &HealthMonitor{
		cfg:       cfg,
		state:     state,
		queue:     q,
		scheduler: scheduler,
		now:       o.now,
		log:       log,
	}
	return &Engine{SyncCoordinator: coordinator, Scheduler: scheduler, Health: health}, nil
}

// Register gắn handler của engine vào Runner
func (e *Engine) Register(r *queue.Runner) {
	r.Register(e.Scheduler.batchHook(), e.handleBatch)
	r.Register(e.Scheduler.completionHook(), e.handleCompletionCheck)
}

// Name trả về tên engine
func (e *Engine) Name() string {
	return e.cfg.Name
}

// Check chạy HealthMonitor (dùng cho cron job)
func (e *Engine) Check(ctx context.Context) (HealthReport, error) {
	return e.Health.Check(ctx)
}
