// Package metrics provides Prometheus metrics for extraction runs.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for an extraction run.
type Metrics struct {
	registry *prometheus.Registry

	// Unit metrics
	UnitsDispatched prometheus.Counter
	UnitsSucceeded  prometheus.Counter
	UnitsFailed     *prometheus.CounterVec
	UnitDuration    prometheus.Histogram
	InFlightWorkers prometheus.Gauge

	// Writer metrics
	RecordsWritten prometheus.Counter
	ShardFlushes   prometheus.Counter
	FlushRows      prometheus.Histogram
	WriterErrors   prometheus.Counter

	// Downstream metrics
	PublishedBytes prometheus.Counter
	PublishErrors  prometheus.Counter
	CatalogErrors  prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var (
	defaultMetrics *Metrics
	mu             sync.RWMutex
)

// Init creates the metrics for one extractor on a fresh registry and makes
// them the package default. Call this once at startup.
func Init(namespace, extractor string) *Metrics {
	if namespace == "" {
		namespace = "extract"
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"extractor": extractor}

	m := &Metrics{
		registry: reg,
		UnitsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "units_dispatched_total",
			Help:        "Total number of extraction units handed to a worker",
			ConstLabels: labels,
		}),
		UnitsSucceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "units_succeeded_total",
			Help:        "Total number of units whose worker exited 0",
			ConstLabels: labels,
		}),
		UnitsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "units_failed_total",
			Help:        "Total number of units that failed, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		UnitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "unit_duration_seconds",
			Help:        "Wall time of one worker process",
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27min
			ConstLabels: labels,
		}),
		InFlightWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "in_flight_workers",
			Help:        "Number of worker processes currently running",
			ConstLabels: labels,
		}),
		RecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "records_written_total",
			Help:        "Total number of records accepted by the writer",
			ConstLabels: labels,
		}),
		ShardFlushes: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "shard_flushes_total",
			Help:        "Total number of shard buffers flushed to parquet",
			ConstLabels: labels,
		}),
		FlushRows: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "flush_rows",
			Help:        "Number of rows per shard flush",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10), // 1 to ~262k
			ConstLabels: labels,
		}),
		WriterErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "writer_errors_total",
			Help:        "Total number of fatal writer errors",
			ConstLabels: labels,
		}),
		PublishedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "published_bytes_total",
			Help:        "Bytes uploaded to the publish bucket",
			ConstLabels: labels,
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "publish_errors_total",
			Help:        "Total number of publish failures",
			ConstLabels: labels,
		}),
		CatalogErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "catalog_errors_total",
			Help:        "Total number of catalog write failures",
			ConstLabels: labels,
		}),
	}

	mu.Lock()
	defaultMetrics = m
	mu.Unlock()
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	mu.RLock()
	defer mu.RUnlock()
	return defaultMetrics
}

// Reset drops the global instance.
func Reset() {
	mu.Lock()
	defaultMetrics = nil
	mu.Unlock()
}

// Handler returns the HTTP mux serving /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Serve serves Handler on ln until ctx is done.
func (m *Metrics) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting metrics server", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// IncUnitsDispatched increments the dispatched counter.
func (m *Metrics) IncUnitsDispatched() {
	m.UnitsDispatched.Inc()
}

// ObserveUnit records the outcome of one unit. An empty reason means success.
func (m *Metrics) ObserveUnit(reason string, seconds float64) {
	m.UnitDuration.Observe(seconds)
	if reason == "" {
		m.UnitsSucceeded.Inc()
		return
	}
	m.UnitsFailed.WithLabelValues(reason).Inc()
}

// SetInFlightWorkers sets the number of running workers.
func (m *Metrics) SetInFlightWorkers(n float64) {
	m.InFlightWorkers.Set(n)
}

// IncRecordsWritten increments the accepted records counter.
func (m *Metrics) IncRecordsWritten() {
	m.RecordsWritten.Inc()
}

// ObserveFlush records one shard flush of the given size.
func (m *Metrics) ObserveFlush(rows int) {
	m.ShardFlushes.Inc()
	m.FlushRows.Observe(float64(rows))
}

// IncWriterErrors increments the writer error counter.
func (m *Metrics) IncWriterErrors() {
	m.WriterErrors.Inc()
}

// AddPublishedBytes adds to the published bytes counter.
func (m *Metrics) AddPublishedBytes(n int64) {
	m.PublishedBytes.Add(float64(n))
}

// IncPublishErrors increments the publish error counter.
func (m *Metrics) IncPublishErrors() {
	m.PublishErrors.Inc()
}

// IncCatalogErrors increments the catalog error counter.
func (m *Metrics) IncCatalogErrors() {
	m.CatalogErrors.Inc()
}
