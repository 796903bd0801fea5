/*
Package api là bề mặt HTTP quản trị của agent: điều khiển engine, xem trạng thái, /healthz và /metrics.
Mọi response (trừ /metrics) là JSON envelope {"status": "success"|"error", "data"|"message"}.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"agent_loyalty/app/scheduler"
	"agent_loyalty/app/services"
	"agent_loyalty/app/syncengine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultRequestTimeout = 30 * time.Second

// CommandExecutor là services.CommandHandler
type CommandExecutor interface {
	Engines() []string
	ExecuteCommand(ctx context.Context, cmd services.EngineCommand) (services.CommandResult, error)
	Statuses(ctx context.Context) ([]syncengine.StatusReport, error)
}

// JobSource cung cấp metadata cron job (scheduler.Scheduler)
type JobSource interface {
	JobsMetadata() []scheduler.JobMetadata
}

// LimiterStatsSource cung cấp thống kê rate limiter của Loyalty API (integrations.LoyaltyClient)
type LimiterStatsSource interface {
	RateLimiterStats() map[string]interface{}
}

// Option tuỳ chỉnh server
type Option func(*server)

// WithGatherer phục vụ /metrics từ registry đã cho
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *server) { s.gatherer = g }
}

// WithJobs phục vụ GET /jobs
func WithJobs(src JobSource) Option {
	return func(s *server) { s.jobs = src }
}

// WithLimiterStats đưa thống kê rate limiter vào /healthz
func WithLimiterStats(src LimiterStatsSource) Option {
	return func(s *server) { s.limiter = src }
}

// WithLogger gắn logger cho request log
func WithLogger(log *logrus.Entry) Option {
	return func(s *server) { s.log = log }
}

// WithRequestTimeout đổi timeout của mỗi request
func WithRequestTimeout(d time.Duration) Option {
	return func(s *server) { s.timeout = d }
}

type server struct {
	commands CommandExecutor
	jobs     JobSource
	limiter  LimiterStatsSource
	gatherer prometheus.Gatherer
	timeout  time.Duration
	log      *logrus.Entry
}

// NewRouter tạo router chi cho bề mặt quản trị
func NewRouter(commands CommandExecutor, opts ...Option) *chi.Mux {
	s := &server{commands: commands, timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		s.log = logrus.NewEntry(l)
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.loggingMiddleware,
		middleware.Recoverer,
		middleware.Timeout(s.timeout),
	)

	r.Get("/healthz", s.healthz)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.jobs != nil {
		r.Get("/jobs", s.listJobs)
	}

	r.Route("/engines", func(r chi.Router) {
		r.Get("/", s.listEngines)
		r.Route("/{engine}", func(r chi.Router) {
			r.Get("/status", s.command(services.CommandStatus))
			r.Post("/start", s.command(services.CommandStart))
			r.Post("/cancel", s.command(services.CommandCancel))
			r.Post("/reset", s.command(services.CommandReset))
			r.Post("/pause", s.command(services.CommandPause))
			r.Post("/resume", s.command(services.CommandResume))
		})
	})
	return r
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

type envelope struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, data interface{}, message string) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data, Message: message})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusCode(err), envelope{Status: "error", Message: err.Error()})
}

// statusCode ánh xạ lỗi nghiệp vụ sang HTTP status
func statusCode(err error) int {
	switch {
	case errors.Is(err, services.ErrUnknownEngine):
		return http.StatusNotFound
	case errors.Is(err, services.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, syncengine.ErrAlreadyRunning), errors.Is(err, syncengine.ErrInvalidState):
		return http.StatusConflict
	case syncengine.IsConfigError(err):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	data := map[string]interface{}{"engines": s.commands.Engines()}
	if s.limiter != nil {
		data["rate_limiter"] = s.limiter.RateLimiterStats()
	}
	writeSuccess(w, data, "ok")
}

func (s *server) listEngines(w http.ResponseWriter, r *http.Request) {
	reports, err := s.commands.Statuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, reports, "")
}

func (s *server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, s.jobs.JobsMetadata(), "")
}

func (s *server) command(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := services.EngineCommand{
			ID:     middleware.GetReqID(r.Context()),
			Type:   kind,
			Target: chi.URLParam(r, "engine"),
		}
		res, err := s.commands.ExecuteCommand(r.Context(), cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeSuccess(w, res.Data, res.Message)
	}
}
