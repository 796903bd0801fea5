/*
Package services chứa các services hỗ trợ cho agent.
File này thu thập metrics từ engine, scheduler và Loyalty client, xuất ra Prometheus.
*/
package services

import (
	"time"

	"agent_loyalty/app/scheduler"
	"agent_loyalty/app/syncengine"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "loyalty_agent"

var allStatuses = []syncengine.Status{
	syncengine.StatusIdle,
	syncengine.StatusPreparing,
	syncengine.StatusRunning,
	syncengine.StatusPaused,
	syncengine.StatusCompleted,
	syncengine.StatusCancelled,
	syncengine.StatusFailed,
}

// JobSource cung cấp metadata của các cron job (scheduler.Scheduler)
type JobSource interface {
	JobsMetadata() []scheduler.JobMetadata
}

// DelaySource cung cấp khoảng nghỉ hiện tại của rate limiter (integrations.LoyaltyClient)
type DelaySource interface {
	CurrentDelay() time.Duration
}

// MetricsCollector implement syncengine.Observer và giữ registry Prometheus riêng của agent
type MetricsCollector struct {
	registry    *prometheus.Registry
	batches     *prometheus.CounterVec
	customers   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	status      *prometheus.GaugeVec
}

// NewMetricsCollector tạo collector và đăng ký các metric mặc định (Go runtime, process)
func NewMetricsCollector() *MetricsCollector {
	m := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batches_total",
			Help:      "Số batch đã được ghi nhận kết quả.",
		}, []string{"engine"}),
		customers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "customers_total",
			Help:      "Số khách hàng đã xử lý theo kết quả (successful, failed, skipped).",
		}, []string{"engine", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "status_transitions_total",
			Help:      "Số lần engine chuyển trạng thái.",
		}, []string{"engine", "to"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "engine_status",
			Help:      "Trạng thái hiện tại của engine (1 = đang ở trạng thái này).",
		}, []string{"engine", "status"}),
	}
	m.registry.MustRegister(
		m.batches, m.customers, m.transitions, m.status,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry trả về registry để phục vụ /metrics
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// BatchRecorded cộng dồn kết quả một batch
func (m *MetricsCollector) BatchRecorded(engine string, r syncengine.BatchResult) {
	m.batches.WithLabelValues(engine).Inc()
	m.customers.WithLabelValues(engine, "successful").Add(float64(r.Successful))
	m.customers.WithLabelValues(engine, "failed").Add(float64(r.Failed))
	m.customers.WithLabelValues(engine, "skipped").Add(float64(r.Skipped))
}

// StatusChanged cập nhật gauge trạng thái
func (m *MetricsCollector) StatusChanged(engine string, _, to syncengine.Status) {
	m.transitions.WithLabelValues(engine, string(to)).Inc()
	m.SetStatus(engine, to)
}

// SetStatus đặt gauge trạng thái của engine (gọi lúc khởi động để đồng bộ với store)
func (m *MetricsCollector) SetStatus(engine string, current syncengine.Status) {
	for _, st := range allStatuses {
		v := 0.0
		if st == current {
			v = 1
		}
		m.status.WithLabelValues(engine, string(st)).Set(v)
	}
}

// WatchJobs xuất metadata của các cron job
func (m *MetricsCollector) WatchJobs(src JobSource) {
	m.registry.MustRegister(&jobCollector{src: src})
}

// WatchRateLimiter xuất khoảng nghỉ hiện tại giữa hai request tới Loyalty API
func (m *MetricsCollector) WatchRateLimiter(src DelaySource) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "loyalty_api_delay_seconds",
		Help:      "Khoảng nghỉ hiện tại của rate limiter Loyalty API.",
	}, func() float64 {
		return src.CurrentDelay().Seconds()
	}))
}

var (
	jobRunsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "job", "runs_total"),
		"Số lần cron job đã chạy.", []string{"job"}, nil)
	jobFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "job", "failures_total"),
		"Số lần cron job thất bại.", []string{"job"}, nil)
	jobDurationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "job", "last_duration_seconds"),
		"Thời gian chạy của lần gần nhất.", []string{"job"}, nil)
)

// jobCollector đọc metadata job tại thời điểm scrape
type jobCollector struct {
	src JobSource
}

func (c *jobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobRunsDesc
	ch <- jobFailuresDesc
	ch <- jobDurationDesc
}

func (c *jobCollector) Collect(ch chan<- prometheus.Metric) {
	for _, meta := range c.src.JobsMetadata() {
		ch <- prometheus.MustNewConstMetric(jobRunsDesc, prometheus.CounterValue, float64(meta.RunCount), meta.Name)
		ch <- prometheus.MustNewConstMetric(jobFailuresDesc, prometheus.CounterValue, float64(meta.FailCount), meta.Name)
		ch <- prometheus.MustNewConstMetric(jobDurationDesc, prometheus.GaugeValue, meta.Duration, meta.Name)
	}
}
