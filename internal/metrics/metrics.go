// Package metrics implements the supplemented Prometheus metrics
// endpoint (SPEC_FULL §6), grounded directly on the teacher's
// internal/observability/metrics.go: a dedicated (non-default)
// prometheus.Registry exposed over a loopback HTTP listener, rather
// than the global default registry, so test code can construct as many
// independent Metrics instances as it needs without cross-test
// collector collisions.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram this process exports.
type Metrics struct {
	registry *prometheus.Registry

	AlertsCreatedTotal     *prometheus.CounterVec
	AlertsActive           *prometheus.GaugeVec
	IPCRequestsTotal       prometheus.Counter
	IPCRequestsDeniedTotal prometheus.Counter
	SamplerReadDuration    *prometheus.HistogramVec
	MonitorTickDuration    prometheus.Histogram
	IPCActiveConnections   prometheus.Gauge
	startedAt              time.Time
	uptimeSeconds          prometheus.GaugeFunc
}

// New constructs a Metrics instance bound to a fresh dedicated
// registry, with Go runtime and process collectors registered
// alongside the domain metrics (teacher pattern: NewGoCollector,
// NewProcessCollector on a non-default registry).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg, startedAt: time.Now()}

	m.AlertsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentineld_alerts_created_total",
		Help: "Total number of alerts created, by severity and category.",
	}, []string{"severity", "category"})

	m.AlertsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentineld_alerts_active",
		Help: "Current number of active (non-dismissed, non-acknowledged) alerts, by severity.",
	}, []string{"severity"})

	m.IPCRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentineld_ipc_requests_total",
		Help: "Total number of IPC requests handled.",
	})

	m.IPCRequestsDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentineld_ipc_requests_denied_total",
		Help: "Total number of IPC requests denied by the rate limiter.",
	})

	m.SamplerReadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentineld_sampler_read_duration_seconds",
		Help:    "Duration of individual sampler reads, by metric domain.",
		Buckets: prometheus.DefBuckets,
	}, []string{"domain"})

	m.MonitorTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentineld_monitor_tick_duration_seconds",
		Help:    "Duration of a complete SystemMonitor evaluation tick.",
		Buckets: prometheus.DefBuckets,
	})

	m.IPCActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentineld_ipc_active_connections",
		Help: "Current number of in-flight IPC connections.",
	})

	m.uptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sentineld_uptime_seconds",
		Help: "Seconds since this process started.",
	}, func() float64 { return time.Since(m.startedAt).Seconds() })

	reg.MustRegister(
		m.AlertsCreatedTotal,
		m.AlertsActive,
		m.IPCRequestsTotal,
		m.IPCRequestsDeniedTotal,
		m.SamplerReadDuration,
		m.MonitorTickDuration,
		m.IPCActiveConnections,
		m.uptimeSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics serves /metrics and /healthz on addr until ctx is
// cancelled, then shuts the HTTP server down gracefully.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
