// Package monitor implements the SystemMonitor (C9): a ticking worker
// that samples host telemetry and raises/downgrades/recovers
// threshold-keyed alerts.
//
// Grounded on the teacher's escalation package for the
// "sequential-highest-to-lowest" evaluation shape (severity.go's
// TargetState switches high to low) and on its ticker/stop-channel
// worker loop (gossip.Quorum.pruneLoop), generalized to the spec's
// exact "sleep in 1-second increments, check a stop flag between
// increments" shutdown-latency discipline instead of a raw
// time.Ticker.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sujay-d07/sentineld/internal/alerts"
	"github.com/sujay-d07/sentineld/internal/alertstore"
	"github.com/sujay-d07/sentineld/internal/config"
	"github.com/sujay-d07/sentineld/internal/enricher"
	"github.com/sujay-d07/sentineld/internal/metrics"
	"github.com/sujay-d07/sentineld/internal/sampler"
)

// Snapshot is the most recent set of readings, exposed over the health
// IPC endpoint.
type Snapshot struct {
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	UptimeSeconds  uint64    `json:"uptime_seconds"`
	FailedServices int       `json:"failed_services"`
	SampledAt      time.Time `json:"sampled_at"`
}

// Monitor evaluates the three metric domains and the failed-service
// count against configured thresholds on every tick.
type Monitor struct {
	sampler  *sampler.Sampler
	alertMgr *alerts.Manager
	enricher enricher.Enricher
	met      *metrics.Metrics
	log      *zap.Logger

	mu         sync.Mutex
	interval   time.Duration
	thresholds config.MonitoringConfig
	snapshot   Snapshot

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor seeded with cfg's interval and thresholds.
func New(cfg config.MonitoringConfig, smp *sampler.Sampler, alertMgr *alerts.Manager, enr enricher.Enricher, met *metrics.Metrics, log *zap.Logger) *Monitor {
	if enr == nil {
		enr = enricher.Noop{}
	}
	return &Monitor{
		sampler:    smp,
		alertMgr:   alertMgr,
		enricher:   enr,
		met:        met,
		log:        log,
		interval:   clampInterval(cfg.IntervalSec),
		thresholds: cfg,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func clampInterval(sec int) time.Duration {
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// OnConfigChange is registered with config.Manager.OnChange; threshold
// and interval updates take effect on the next tick (spec §4.9).
func (m *Monitor) OnConfigChange(cfg config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = cfg.Monitoring
	m.interval = clampInterval(cfg.Monitoring.IntervalSec)
}

func (m *Monitor) getIntervalAndThresholds() (time.Duration, config.MonitoringConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.thresholds
}

// Run blocks, ticking at the configured interval, until Stop is called.
func (m *Monitor) Run() {
	defer close(m.doneCh)

	var lastTick time.Time
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		interval, _ := m.getIntervalAndThresholds()
		if time.Since(lastTick) >= interval {
			m.tick(context.Background())
			lastTick = time.Now()
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(time.Second):
		}
	}
}

// Stop signals the worker loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) tick(ctx context.Context) {
	tickStart := time.Now()
	defer func() { m.met.MonitorTickDuration.Observe(time.Since(tickStart).Seconds()) }()

	snap := Snapshot{SampledAt: time.Now().UTC()}

	cpuStart := time.Now()
	cpuVal, err := m.sampler.CPUPercent()
	m.met.SamplerReadDuration.WithLabelValues("cpu").Observe(time.Since(cpuStart).Seconds())
	if err != nil {
		m.log.Warn("sampler cpu read failed", zap.Error(err))
	} else {
		snap.CPUPercent = cpuVal
	}

	memStart := time.Now()
	memVal, err := m.sampler.MemoryPercent()
	m.met.SamplerReadDuration.WithLabelValues("memory").Observe(time.Since(memStart).Seconds())
	if err != nil {
		m.log.Warn("sampler memory read failed", zap.Error(err))
	} else {
		snap.MemoryPercent = memVal
	}

	diskStart := time.Now()
	diskVal, err := m.sampler.DiskPercent()
	m.met.SamplerReadDuration.WithLabelValues("disk").Observe(time.Since(diskStart).Seconds())
	if err != nil {
		m.log.Warn("sampler disk read failed", zap.Error(err))
	} else {
		snap.DiskPercent = diskVal
	}

	uptimeStart := time.Now()
	uptimeVal, err := m.sampler.UptimeSeconds()
	m.met.SamplerReadDuration.WithLabelValues("uptime").Observe(time.Since(uptimeStart).Seconds())
	if err != nil {
		m.log.Warn("sampler uptime read failed", zap.Error(err))
	} else {
		snap.UptimeSeconds = uptimeVal
	}

	failedStart := time.Now()
	failedVal, err := m.sampler.FailedServiceCount(ctx)
	m.met.SamplerReadDuration.WithLabelValues("service").Observe(time.Since(failedStart).Seconds())
	if err != nil {
		m.log.Warn("sampler failed-service read failed", zap.Error(err))
	} else {
		snap.FailedServices = failedVal
	}

	m.mu.Lock()
	m.snapshot = snap
	thresholds := m.thresholds
	m.mu.Unlock()

	m.evaluateDomain(alertstore.CategoryCPU, snap.CPUPercent, thresholds.CPU)
	m.evaluateDomain(alertstore.CategoryMemory, snap.MemoryPercent, thresholds.Memory)
	m.evaluateDomain(alertstore.CategoryDisk, snap.DiskPercent, thresholds.Disk)
	m.evaluateFailedServices(snap.FailedServices)

	counters := m.alertMgr.Counters()
	m.met.AlertsActive.WithLabelValues("info").Set(float64(counters.Info))
	m.met.AlertsActive.WithLabelValues("warning").Set(float64(counters.Warning))
	m.met.AlertsActive.WithLabelValues("error").Set(float64(counters.Error))
	m.met.AlertsActive.WithLabelValues("critical").Set(float64(counters.Critical))
}

// evaluateDomain implements spec §4.9's three-way sequential
// highest-to-lowest evaluation: critical wins over warning, a value
// that drops to warning downgrades (erases the critical key), and full
// recovery erases both.
func (m *Monitor) evaluateDomain(domain alertstore.Category, value float64, pair config.ThresholdPair) {
	criticalKey := fmt.Sprintf("%s:critical", domain)
	warningKey := fmt.Sprintf("%s:warning", domain)

	switch {
	case value >= pair.Critical:
		m.raise(criticalKey, alertstore.SeverityCritical, domain,
			fmt.Sprintf("%s usage %.1f%% has reached the critical threshold (%.1f%%)", domain, value, pair.Critical))
		m.alertMgr.EraseKey(warningKey)
	case value >= pair.Warning:
		m.raise(warningKey, alertstore.SeverityWarning, domain,
			fmt.Sprintf("%s usage %.1f%% has reached the warning threshold (%.1f%%)", domain, value, pair.Warning))
		m.alertMgr.EraseKey(criticalKey)
	default:
		m.alertMgr.EraseKey(criticalKey)
		m.alertMgr.EraseKey(warningKey)
	}
}

func (m *Monitor) evaluateFailedServices(count int) {
	key := "service:failed"
	if count > 0 {
		m.raise(key, alertstore.SeverityError, alertstore.CategoryService,
			fmt.Sprintf("%d service(s) in failed state", count))
		return
	}
	m.alertMgr.EraseKey(key)
}

func (m *Monitor) raise(key string, sev alertstore.Severity, cat alertstore.Category, message string) {
	description := message
	if text, ok := m.enricher.Enrich(context.Background(), enricher.Context{
		Category: string(cat),
		Severity: string(sev),
		Source:   "system_monitor",
		Message:  message,
	}); ok {
		description = text
	}

	_, err := m.alertMgr.CreateAlertWithKey(key, alerts.NewAlert{
		Severity:    sev,
		Category:    cat,
		Source:      "system_monitor",
		Message:     message,
		Description: description,
	})
	if err != nil {
		m.log.Error("failed to raise alert", zap.String("key", key), zap.Error(err))
	}
}

// Health renders the latest snapshot plus the active threshold block,
// satisfying ipc.HealthProvider.
func (m *Monitor) Health() (map[string]interface{}, error) {
	m.mu.Lock()
	snap := m.snapshot
	thresholds := m.thresholds
	m.mu.Unlock()

	return map[string]interface{}{
		"cpu_percent":     snap.CPUPercent,
		"memory_percent":  snap.MemoryPercent,
		"disk_percent":    snap.DiskPercent,
		"uptime_seconds":  snap.UptimeSeconds,
		"failed_services": snap.FailedServices,
		"sampled_at":      snap.SampledAt,
		"thresholds": map[string]interface{}{
			"cpu":    thresholds.CPU,
			"memory": thresholds.Memory,
			"disk":   thresholds.Disk,
		},
	}, nil
}
