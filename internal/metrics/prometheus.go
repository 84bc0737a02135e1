package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	defaultCollector *MetricsCollector
	once             sync.Once
)

// GetMetricsCollector returns the singleton metrics collector instance.
// The arguments of the first call win.
func GetMetricsCollector(namespace, appName string) *MetricsCollector {
	once.Do(func() {
		defaultCollector = NewMetricsCollector(namespace, appName, prometheus.DefaultRegisterer)
	})
	return defaultCollector
}

type MetricsCollector struct {
	AppName          string
	RequestDuration  *prometheus.HistogramVec
	RequestCounter   *prometheus.CounterVec
	CacheResults     *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	ErrorCounter     *prometheus.CounterVec
	ActiveRequests   prometheus.Gauge
	QueueSize        *prometheus.GaugeVec
	LogWrites        *prometheus.CounterVec
	BatchSave        prometheus.Histogram
	CachePurged      prometheus.Counter
}

// NewMetricsCollector registers a fresh set of collectors on reg.
// Tests pass prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsCollector(namespace, appName string, reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"app": appName}

	return &MetricsCollector{
		AppName: appName,
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "request_duration_seconds",
				Help:        "End-to-end request duration in seconds",
				Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				ConstLabels: constLabels,
			},
			[]string{"route", "method", "status", "cache"},
		),
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "requests_total",
				Help:        "Total number of proxied requests",
				ConstLabels: constLabels,
			},
			[]string{"route", "method", "status", "cache"},
		),
		CacheResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "cache_results_total",
				Help:        "Cache lookups by outcome",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "upstream_duration_seconds",
				Help:        "Upstream call duration in seconds",
				Buckets:     []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
				ConstLabels: constLabels,
			},
			[]string{"route", "status"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "errors_total",
				Help:        "Total number of internal errors by type",
				ConstLabels: constLabels,
			},
			[]string{"type"},
		),
		ActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "active_requests",
				Help:        "Number of requests in flight",
				ConstLabels: constLabels,
			},
		),
		QueueSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "queue_size",
				Help:        "Current size of the queue",
				ConstLabels: constLabels,
			},
			[]string{"queue"},
		),
		LogWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "log_writes_total",
				Help:        "Request log writes by result (ok, error, dropped)",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		BatchSave: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "batch_save_duration_seconds",
				Help:        "Duration of request log batch writes",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
		),
		CachePurged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "cache_purged_total",
				Help:        "Expired cache entries removed by the janitor",
				ConstLabels: constLabels,
			},
		),
	}
}

func (m *MetricsCollector) ObserveRequest(route, method string, status int, cache string, duration time.Duration) {
	code := strconv.Itoa(status)
	m.RequestDuration.WithLabelValues(route, method, code, cache).Observe(duration.Seconds())
	m.RequestCounter.WithLabelValues(route, method, code, cache).Inc()
}

func (m *MetricsCollector) ObserveUpstream(route string, status int, duration time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.UpstreamDuration.WithLabelValues(route, code).Observe(duration.Seconds())
}

func (m *MetricsCollector) ObserveCache(result string) {
	m.CacheResults.WithLabelValues(result).Inc()
}

func (m *MetricsCollector) IncActiveRequests() {
	m.ActiveRequests.Inc()
}

func (m *MetricsCollector) DecActiveRequests() {
	m.ActiveRequests.Dec()
}

// LogError counts an internal failure by type. nil errors are ignored.
func (m *MetricsCollector) LogError(errorType string, err error) {
	if err == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(errorType).Inc()
}

func (m *MetricsCollector) ObserveLogWrite(result string, n int) {
	m.LogWrites.WithLabelValues(result).Add(float64(n))
}

func (m *MetricsCollector) ObserveBatchSave(duration time.Duration) {
	m.BatchSave.Observe(duration.Seconds())
}

func (m *MetricsCollector) ObserveQueueSize(queue string, size float64) {
	m.QueueSize.WithLabelValues(queue).Set(size)
}

func (m *MetricsCollector) ObservePurged(n int) {
	m.CachePurged.Add(float64(n))
}
