package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent_loyalty/app/api"
	"agent_loyalty/app/integrations"
	"agent_loyalty/app/jobs"
	"agent_loyalty/app/queue"
	"agent_loyalty/app/scheduler"
	"agent_loyalty/app/services"
	"agent_loyalty/app/store"
	"agent_loyalty/app/syncengine"
	"agent_loyalty/config"
	"agent_loyalty/global"
	"agent_loyalty/utility/logger"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AppLogger là logger chính của ứng dụng
var AppLogger *logrus.Logger

const shutdownTimeout = 30 * time.Second

// registerJob đăng ký job vào scheduler với logging
func registerJob(s *scheduler.Scheduler, job scheduler.Job) error {
	jobName := job.GetName()
	if err := s.AddJobObject(job); err != nil {
		AppLogger.WithFields(logrus.Fields{
			"job_name": jobName,
			"error":    err.Error(),
		}).Error("❌ Lỗi khi thêm job")
		return err
	}
	AppLogger.WithFields(logrus.Fields{
		"job_name": jobName,
		"schedule": job.GetSchedule(),
	}).Info("📋 Đã đăng ký job")
	return nil
}

func main() {
	// Đọc cấu hình từ environment variables, fallback file .env
	global.SetConfig(config.NewConfig())

	if err := logger.InitLogger(config.LogConfig()); err != nil {
		panic(fmt.Sprintf("Không thể khởi tạo logger: %v", err))
	}
	AppLogger = logger.GetAppLogger()

	// Log của thư viện dùng package log chuẩn cũng đi qua logrus
	log.SetFlags(0)
	log.SetOutput(logger.NewStdLogBridge())
	AppLogger.Info("Hệ thống logger đã được khởi tạo thành công")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, global.Config()); err != nil {
		AppLogger.WithError(err).Fatal("❌ Agent dừng do lỗi")
	}
	AppLogger.Info("👋 Agent đã dừng")
}

// preflight chặn Start khi chưa cấu hình Loyalty API
func preflight() error {
	cfg := global.Config()
	if cfg == nil || !cfg.HasLoyaltyCredentials() {
		return errors.New("chưa cấu hình LOYALTY_API_BASE_URL hoặc LOYALTY_API_KEY")
	}
	return nil
}

func run(ctx context.Context, cfg *config.Configuration) error {
	if !cfg.HasLoyaltyCredentials() {
		AppLogger.Warn("⚠️ Chưa cấu hình Loyalty API, lệnh start sẽ bị từ chối cho tới khi có cấu hình")
	}

	// ===== Kết nối dữ liệu =====
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	mongoClient, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoUri))
	if err != nil {
		return fmt.Errorf("không thể kết nối MongoDB: %w", err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		_ = mongoClient.Disconnect(dctx)
	}()
	if err := mongoClient.Ping(connectCtx, nil); err != nil {
		return fmt.Errorf("không thể ping MongoDB %s: %w", cfg.MongoUri, err)
	}
	mongoDB := mongoClient.Database(cfg.MongoDatabase)
	AppLogger.WithField("database", cfg.MongoDatabase).Info("✅ Đã kết nối MongoDB")

	// Task queue luôn nằm trên SQLite, trạng thái engine có thể nằm trên SQLite hoặc MongoDB
	db, err := store.OpenSQLite(cfg.SqlitePath)
	if err != nil {
		return err
	}
	defer db.Close()

	stateStore, err := openStateStore(cfg, db, mongoDB)
	if err != nil {
		return err
	}
	taskQueue, err := queue.NewSQLiteQueue(db, time.Now)
	if err != nil {
		return err
	}

	// ===== Engine =====
	metrics := services.NewMetricsCollector()
	loyalty := integrations.NewLoyaltyClient(
		cfg.LoyaltyApiBaseUrl, cfg.LoyaltyApiKey,
		cfg.LoyaltyApiTimeout, cfg.LoyaltyApiMinDelay,
		logrus.NewEntry(logger.GetLogger("loyalty")),
	)
	directory := integrations.NewMongoDirectory(mongoDB, logrus.NewEntry(logger.GetLogger("directory")))
	rule := syncengine.PointRule{DefaultRate: cfg.PointsDefaultRate, TierRates: cfg.TierRates()}

	syncLog := logrus.NewEntry(logger.GetEngineLogger("sync"))
	synchronizer := syncengine.NewBatchSynchronizer(directory, loyalty, rule, cfg.LoyaltyPointsChannel, time.Now, syncLog)
	selector := syncengine.NewCandidateSelector(directory)
	syncEngine, err := syncengine.NewEngine(syncengine.EngineConfig{
		Name:                "sync",
		BatchSize:           cfg.SyncBatchSize,
		Interval:            cfg.SyncInterval,
		MaxCompletionChecks: cfg.SyncMaxCompletionChecks,
		Candidates:          selector.GetCandidates,
		Process:             synchronizer.ProcessBatch,
		Preflight:           preflight,
	}, stateStore, taskQueue, syncengine.WithObserver(metrics), syncengine.WithLogger(syncLog))
	if err != nil {
		return err
	}

	importLog := logrus.NewEntry(logger.GetEngineLogger("import"))
	importer := syncengine.NewPointImporter(directory, loyalty, rule, cfg.LoyaltyPointsChannel, time.Now, importLog)
	importEngine, err := syncengine.NewEngine(syncengine.EngineConfig{
		Name:                "import",
		BatchSize:           cfg.ImportBatchSize,
		Interval:            cfg.ImportInterval,
		MaxCompletionChecks: cfg.SyncMaxCompletionChecks,
		Candidates:          importer.GetCandidates,
		Process:             importer.ProcessBatch,
		Preflight:           preflight,
	}, stateStore, taskQueue, syncengine.WithObserver(metrics), syncengine.WithLogger(importLog))
	if err != nil {
		return err
	}

	engines := []*syncengine.Engine{syncEngine, importEngine}
	runner := queue.NewRunner(taskQueue, queue.WithLogger(logrus.NewEntry(logger.GetLogger("queue"))))
	controllers := make([]services.EngineController, 0, len(engines))
	checkers := make([]jobs.HealthChecker, 0, len(engines))
	for _, e := range engines {
		e.Register(runner)
		controllers = append(controllers, e)
		checkers = append(checkers, e)
		if report, err := e.GetStatus(ctx); err == nil {
			metrics.SetStatus(e.Name(), report.Status)
			AppLogger.WithFields(logrus.Fields{
				"engine":    e.Name(),
				"status":    report.Status,
				"processed": report.Progress.Processed,
				"total":     report.Progress.Total,
			}).Info("📊 Trạng thái engine khi khởi động")
		}
	}
	commands := services.NewCommandHandler(logrus.NewEntry(logger.GetLogger("command")), controllers...)

	// ===== Cron jobs =====
	jobs.InitJobLogger()
	s := scheduler.NewScheduler(logrus.NewEntry(logger.GetJobLogger()))
	if err := registerJob(s, jobs.NewQueueRunnerJob("queue-runner-job", cfg.QueueRunnerSchedule, runner)); err != nil {
		return err
	}
	if err := registerJob(s, jobs.NewHealthCheckJob("health-check-job", cfg.HealthCheckSchedule, checkers...)); err != nil {
		return err
	}
	metrics.WatchJobs(s)
	metrics.WatchRateLimiter(loyalty)

	// ===== Admin API =====
	apiLog := logrus.NewEntry(logger.GetLogger("api"))
	srv := &http.Server{
		Addr: cfg.AdminListenAddr,
		Handler: api.NewRouter(commands,
			api.WithGatherer(metrics.Registry()),
			api.WithJobs(s),
			api.WithLimiterStats(loyalty),
			api.WithLogger(apiLog),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		apiLog.WithField("addr", cfg.AdminListenAddr).Info("🌐 Admin API đang lắng nghe")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	s.Start()
	AppLogger.Info("🚀 Agent đã khởi động, đang chờ tín hiệu dừng...")

	var runErr error
	select {
	case <-ctx.Done():
		AppLogger.Info("🛑 Nhận tín hiệu dừng, đang tắt agent...")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("admin API lỗi: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		AppLogger.WithError(err).Warn("⚠️ Admin API không dừng kịp")
	}
	select {
	case <-s.Stop().Done():
		AppLogger.Info("✅ Các job đang chạy đã kết thúc")
	case <-shutdownCtx.Done():
		AppLogger.Warn("⚠️ Timeout khi đợi các job kết thúc")
	}
	return runErr
}

// openStateStore chọn RunStateStore theo STATE_BACKEND
func openStateStore(cfg *config.Configuration, db *sql.DB, mongoDB *mongo.Database) (store.RunStateStore, error) {
	switch cfg.StateBackend {
	case "", "sqlite":
		AppLogger.WithField("path", cfg.SqlitePath).Info("💾 Trạng thái engine lưu trên SQLite")
		return store.NewSQLiteStore(db)
	case "mongo":
		AppLogger.WithField("database", cfg.MongoDatabase).Info("💾 Trạng thái engine lưu trên MongoDB")
		return store.NewMongoStore(mongoDB), nil
	default:
		return nil, fmt.Errorf("STATE_BACKEND không hợp lệ: %q (sqlite | mongo)", cfg.StateBackend)
	}
}
