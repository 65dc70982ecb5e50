// Package sampler implements the host telemetry reader (C8): CPU,
// memory, disk, and uptime readings via gopsutil, plus a failed-service
// count via a persistent systemd D-Bus connection.
//
// Grounded on other_examples' gopsutil-based SystemMonitor (the
// archived WebWork monitor.go) for the cpu/mem/disk/uptime call shapes,
// adapted to the spec's idle/total-delta CPU formula and per-surface
// 1-second TTL caching, and on the teacher's mutex-protected state
// pattern (escalation.Accumulator) for the previous-sample bookkeeping
// the CPU percentage calculation needs.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
)

const cacheTTL = time.Second

// ttlCache memoizes a single value for up to ttl, independent of any
// other cache (spec §4.8 "each kernel surface read is wrapped in a
// 1-second TTL cache").
type ttlCache struct {
	mu    sync.Mutex
	at    time.Time
	val   interface{}
	valid bool
}

func (c *ttlCache) get(now time.Time) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && now.Sub(c.at) < cacheTTL {
		return c.val, true
	}
	return nil, false
}

func (c *ttlCache) set(now time.Time, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = v
	c.at = now
	c.valid = true
}

// Sampler reads host instrumentation surfaces. Safe for concurrent use.
type Sampler struct {
	diskPath string

	cpuState struct {
		mu     sync.Mutex
		prev   cpu.TimesStat
		seeded bool
	}

	cpuCache    ttlCache
	memCache    ttlCache
	diskCache   ttlCache
	uptimeCache ttlCache
	failedCache ttlCache

	dbusMu   sync.Mutex
	dbusConn *sdbus.Conn

	now func() time.Time
}

// New constructs a Sampler reading disk usage at diskPath.
func New(diskPath string) *Sampler {
	return &Sampler{diskPath: diskPath, now: time.Now}
}

// Close releases the D-Bus connection, if one is open.
func (s *Sampler) Close() error {
	s.dbusMu.Lock()
	defer s.dbusMu.Unlock()
	if s.dbusConn != nil {
		s.dbusConn.Close()
		s.dbusConn = nil
	}
	return nil
}

// CPUPercent returns CPU utilization in [0,100]. The first call always
// returns 0.0 and seeds internal state (spec §4.8).
func (s *Sampler) CPUPercent() (float64, error) {
	now := s.now()
	if v, ok := s.cpuCache.get(now); ok {
		return v.(float64), nil
	}

	times, err := cpu.Times(false)
	if err != nil {
		return 0, err
	}
	if len(times) == 0 {
		return 0, nil
	}
	cur := times[0]

	s.cpuState.mu.Lock()
	defer s.cpuState.mu.Unlock()

	if !s.cpuState.seeded {
		s.cpuState.prev = cur
		s.cpuState.seeded = true
		s.cpuCache.set(now, 0.0)
		return 0.0, nil
	}

	prev := s.cpuState.prev
	idleCur := cur.Idle + cur.Iowait
	idlePrev := prev.Idle + prev.Iowait
	totalCur := cur.User + cur.Nice + cur.System + cur.Idle + cur.Iowait + cur.Irq + cur.Softirq + cur.Steal
	totalPrev := prev.User + prev.Nice + prev.System + prev.Idle + prev.Iowait + prev.Irq + prev.Softirq + prev.Steal

	idleDelta := idleCur - idlePrev
	totalDelta := totalCur - totalPrev

	s.cpuState.prev = cur

	var pct float64
	if totalDelta > 0 {
		pct = (1 - idleDelta/totalDelta) * 100
	}
	pct = clamp(pct, 0, 100)

	s.cpuCache.set(now, pct)
	return pct, nil
}

// MemoryPercent returns memory utilization in [0,100], preferring the
// kernel's "available" metric when present.
func (s *Sampler) MemoryPercent() (float64, error) {
	now := s.now()
	if v, ok := s.memCache.get(now); ok {
		return v.(float64), nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}

	var pct float64
	if vm.Total > 0 {
		if vm.Available > 0 {
			pct = (1 - float64(vm.Available)/float64(vm.Total)) * 100
		} else {
			freeLike := vm.Free + vm.Buffers + vm.Cached
			pct = (1 - float64(freeLike)/float64(vm.Total)) * 100
		}
	}
	pct = clamp(pct, 0, 100)

	s.memCache.set(now, pct)
	return pct, nil
}

// DiskPercent returns disk utilization in [0,100] for the configured
// mount point.
func (s *Sampler) DiskPercent() (float64, error) {
	now := s.now()
	if v, ok := s.diskCache.get(now); ok {
		return v.(float64), nil
	}

	u, err := disk.Usage(s.diskPath)
	if err != nil {
		return 0, err
	}
	pct := clamp(u.UsedPercent, 0, 100)

	s.diskCache.set(now, pct)
	return pct, nil
}

// UptimeSeconds returns host uptime in seconds.
func (s *Sampler) UptimeSeconds() (uint64, error) {
	now := s.now()
	if v, ok := s.uptimeCache.get(now); ok {
		return v.(uint64), nil
	}

	up, err := host.Uptime()
	if err != nil {
		return 0, err
	}

	s.uptimeCache.set(now, up)
	return up, nil
}

// FailedServiceCount counts systemd units whose active state is the
// literal string "failed", maintaining a persistent bus connection that
// is re-created on error.
func (s *Sampler) FailedServiceCount(ctx context.Context) (int, error) {
	now := s.now()
	if v, ok := s.failedCache.get(now); ok {
		return v.(int), nil
	}

	count, err := s.countFailedServices(ctx)
	if err != nil {
		return 0, err
	}

	s.failedCache.set(now, count)
	return count, nil
}

func (s *Sampler) countFailedServices(ctx context.Context) (int, error) {
	s.dbusMu.Lock()
	defer s.dbusMu.Unlock()

	if s.dbusConn == nil {
		conn, err := sdbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return 0, err
		}
		s.dbusConn = conn
	}

	units, err := s.dbusConn.ListUnitsByPatternsContext(ctx, []string{"failed"}, []string{"*"})
	if err != nil {
		s.dbusConn.Close()
		s.dbusConn = nil
		return 0, err
	}

	count := 0
	for _, u := range units {
		if u.ActiveState == "failed" {
			count++
		}
	}
	return count, nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
