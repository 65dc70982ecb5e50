// Package main — cmd/sentineld/main.go
//
// sentineld agent entrypoint.
//
// Startup sequence (after parsing flags):
//  1. Construct the config manager and daemon, then Initialize (loads
//     config, wires signal handling).
//  2. Build structured logger from the loaded config.
//  3. Open the alert store (bbolt) and seed the alert manager.
//  4. Construct the sampler, rate limiter, and enricher.
//  5. Construct the metrics endpoint, SystemMonitor, and IPC server, and
//     register the IPC handler table against them.
//  6. Wire hot-reload subscribers (monitor thresholds, rate limiter,
//     log level).
//  7. Register all three as daemon services and Run — this starts them
//     highest-priority first, blocks until a shutdown signal or IPC
//     shutdown request arrives, then stops them in reverse order.
//
// On initialization failure: print to stderr and exit 1. On clean
// shutdown: exit 0.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/sujay-d07/sentineld/internal/alerts"
	"github.com/sujay-d07/sentineld/internal/alertstore"
	"github.com/sujay-d07/sentineld/internal/config"
	"github.com/sujay-d07/sentineld/internal/daemon"
	"github.com/sujay-d07/sentineld/internal/enricher"
	"github.com/sujay-d07/sentineld/internal/ipc"
	"github.com/sujay-d07/sentineld/internal/logging"
	"github.com/sujay-d07/sentineld/internal/metrics"
	"github.com/sujay-d07/sentineld/internal/monitor"
	"github.com/sujay-d07/sentineld/internal/ratelimit"
	"github.com/sujay-d07/sentineld/internal/sampler"
)

const (
	priorityMonitor = 30
	priorityIPC     = 20
	priorityMetrics = 10
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────
	configPath := flag.String("config", config.DefaultPath, "Path to config.yaml")
	verbose := flag.Bool("verbose", false, "Force debug-level logging regardless of config")
	foreground := flag.Bool("foreground", false, "Use the human-readable console encoder instead of JSON for stderr output, for interactive runs")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentineld %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: config manager + daemon ──────────────────────────────
	cfgMgr := config.New()
	bootLog := logging.Init(logging.LevelInfo, "json")
	d := daemon.New(cfgMgr, bootLog)

	if err := d.Initialize(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: daemon init failed: %v\n", err)
		os.Exit(1)
	}

	cfg := cfgMgr.Get()

	// ── Step 2: logger, honoring --verbose / --foreground overrides ──
	logFormat := cfg.LogFormat
	if *foreground {
		logFormat = "console"
	}
	logLevel, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logging.LevelInfo
	}
	if *verbose {
		logLevel = logging.LevelDebug
	}
	log := logging.Init(logLevel, logFormat)
	defer log.Sync() //nolint:errcheck

	log.Info("sentineld starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	// ── Step 3: alert store + alert manager ──────────────────────────
	store, err := alertstore.Open(cfg.Alerts.DBPath)
	if err != nil {
		log.Error("alert store open failed", zap.String("path", cfg.Alerts.DBPath), zap.Error(err))
		os.Exit(1)
	}
	defer store.Close() //nolint:errcheck
	log.Info("alert store opened", zap.String("path", cfg.Alerts.DBPath))

	alertMgr, err := alerts.New(store)
	if err != nil {
		log.Error("alert manager init failed", zap.Error(err))
		os.Exit(1)
	}

	// ── Step 4: sampler, rate limiter, enricher ──────────────────────
	smp := sampler.New(cfg.Monitoring.DiskPath)
	defer smp.Close() //nolint:errcheck

	limiter := ratelimit.New(cfg.RateLimit.MaxRequestsPerSec)

	// No LLM-backed enricher ships in this tree; EnricherOn is carried
	// through config/IPC surfaces for a future implementation to toggle.
	var enr enricher.Enricher = enricher.Noop{}
	if cfg.EnricherOn {
		log.Warn("enricher_enabled is set but no enrichment backend is compiled in; alerts will carry unenriched descriptions")
	}

	// ── Step 5: metrics, SystemMonitor, IPC server ───────────────────
	met := metrics.New()
	alertMgr.OnChange(func(a alertstore.Alert) {
		met.AlertsCreatedTotal.WithLabelValues(string(a.Severity), string(a.Category)).Inc()
	})

	mon := monitor.New(cfg.Monitoring, smp, alertMgr, enr, met, log)

	ipcSrv := ipc.NewServer(ipc.Config{
		Path:      cfg.Socket.Path,
		Backlog:   cfg.Socket.Backlog,
		TimeoutMs: cfg.Socket.TimeoutMs,
	}, limiter, met, log)
	ipc.RegisterCoreHandlers(ipcSrv, cfgMgr, alertMgr, mon, d.TriggerShutdown, "sentineld", config.Version)

	// ── Step 6: hot-reload wiring ─────────────────────────────────────
	cfgMgr.OnChange(mon.OnConfigChange)
	cfgMgr.OnChange(func(c config.Config) {
		limiter.SetMax(c.RateLimit.MaxRequestsPerSec)
	})
	cfgMgr.OnChange(func(c config.Config) {
		if lvl, err := logging.ParseLevel(c.LogLevel); err == nil {
			logging.SetLevel(lvl)
		}
	})

	// ── Step 7: register services and run ────────────────────────────
	d.RegisterService(newMonitorService(mon, priorityMonitor))
	d.RegisterService(newIPCService(ipcSrv, priorityIPC))
	d.RegisterService(newMetricsService(met, cfg.MetricsAddr, priorityMetrics))

	if err := d.Run(); err != nil {
		log.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("sentineld stopped cleanly")
}
