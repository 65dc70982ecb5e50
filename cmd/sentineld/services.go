package main

import (
	"context"

	"github.com/sujay-d07/sentineld/internal/daemon"
	"github.com/sujay-d07/sentineld/internal/ipc"
	"github.com/sujay-d07/sentineld/internal/metrics"
	"github.com/sujay-d07/sentineld/internal/monitor"
)

// ipcService adapts *ipc.Server to daemon.Service.
type ipcService struct {
	daemon.BaseService
	srv *ipc.Server
}

func newIPCService(srv *ipc.Server, priority int) *ipcService {
	return &ipcService{BaseService: daemon.NewBaseService("ipc", priority), srv: srv}
}

func (s *ipcService) Start() error {
	if err := s.srv.Start(); err != nil {
		return err
	}
	s.SetRunning(true)
	return nil
}

func (s *ipcService) Stop() {
	s.srv.Stop()
	s.SetRunning(false)
}

// monitorService adapts *monitor.Monitor to daemon.Service. Run blocks,
// so Start launches it on its own goroutine the way the teacher launches
// its kernel event processor and escalation workers.
type monitorService struct {
	daemon.BaseService
	mon *monitor.Monitor
}

func newMonitorService(mon *monitor.Monitor, priority int) *monitorService {
	return &monitorService{BaseService: daemon.NewBaseService("system_monitor", priority), mon: mon}
}

func (s *monitorService) Start() error {
	go s.mon.Run()
	s.SetRunning(true)
	return nil
}

func (s *monitorService) Stop() {
	s.mon.Stop()
	s.SetRunning(false)
}

// metricsService adapts *metrics.Metrics's context-driven ServeMetrics
// to daemon.Service's Start/Stop shape.
type metricsService struct {
	daemon.BaseService
	m      *metrics.Metrics
	addr   string
	cancel context.CancelFunc
	errCh  chan error
}

func newMetricsService(m *metrics.Metrics, addr string, priority int) *metricsService {
	return &metricsService{BaseService: daemon.NewBaseService("metrics", priority), m: m, addr: addr}
}

func (s *metricsService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.errCh = make(chan error, 1)
	go func() { s.errCh <- s.m.ServeMetrics(ctx, s.addr) }()
	s.SetRunning(true)
	return nil
}

func (s *metricsService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.errCh
	}
	s.SetRunning(false)
}
