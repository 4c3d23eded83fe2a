package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters for identifier caches and the remote allocator.
type Metrics struct {
	dispensed   *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec
	topUps      *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration prometheus.Histogram
	failures    *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	dispensed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idcache_identifiers_dispensed_total",
		Help: "Identifiers handed to callers by stream.",
	}, []string{"stream"})
	cacheSize := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "idcache_cache_size",
		Help: "Identifiers currently buffered by stream.",
	}, []string{"stream"})
	topUps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idcache_topups_total",
		Help: "Cache top-ups by result.",
	}, []string{"result"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idcache_cis_bulk_jobs_total",
		Help: "CIS bulk jobs by outcome.",
	}, []string{"outcome"})
	jobDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "idcache_cis_bulk_job_duration_seconds",
		Help:    "Wall time from bulk job submission to outcome.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idcache_reservation_failures_total",
		Help: "Failed reservations by error kind.",
	}, []string{"kind"})

	return &Metrics{
		dispensed:   registerCollector(registerer, dispensed),
		cacheSize:   registerCollector(registerer, cacheSize),
		topUps:      registerCollector(registerer, topUps),
		jobs:        registerCollector(registerer, jobs),
		jobDuration: registerCollector(registerer, jobDuration),
		failures:    registerCollector(registerer, failures),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) AddDispensed(stream string, n int) {
	if m == nil || m.dispensed == nil || n <= 0 {
		return
	}
	m.dispensed.WithLabelValues(stream).Add(float64(n))
}

func (m *Metrics) SetCacheSize(stream string, size int) {
	if m == nil || m.cacheSize == nil {
		return
	}
	m.cacheSize.WithLabelValues(stream).Set(float64(size))
}

func (m *Metrics) IncTopUp(result string) {
	if m == nil || m.topUps == nil {
		return
	}
	m.topUps.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveJob(outcome string, elapsed time.Duration) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
	if m.jobDuration != nil {
		m.jobDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
