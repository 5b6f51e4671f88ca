// Package sampler measures CPU, memory, disk, uptime, and load average
// into the wire metrics payload the agent heartbeats with. Grounded on
// the NeoScan agent's monitor.GetSystemMetrics, generalized to hold a
// rolling previous-sample window (so the very first reading can report
// a null CPU percent, per the agent heartbeat contract) and to add load
// average via gopsutil's load package.
package sampler

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"fleetcore/core/codec"
)

// Sampler holds the rolling CPU counters needed to compute a
// since-last-sample percentage. Its first Sample call always reports a
// null CPU usage. A zero Sampler has no disk path and so reports no disk
// usage; New sets the path.
type Sampler struct {
	mu       sync.Mutex
	lastCPU  []float64
	lastAt   time.Time
	hasLast  bool
	diskPath string
}

// New returns a Sampler that reports disk usage for diskPath (the root
// mount on most platforms).
func New(diskPath string) *Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{diskPath: diskPath}
}

// Sample produces one MetricsPayload. CPU percent is computed against
// the counters captured by the previous call; the first call after
// construction cannot compute a delta and reports cpu_usage=null.
// When detailed is true, the payload also carries a per-core usage
// breakdown ([monitoring] detailed_metrics).
func (s *Sampler) Sample(detailed bool) codec.MetricsPayload {
	var payload codec.MetricsPayload

	if pct := s.sampleCPU(); pct != nil {
		payload.CPUUsage = pct
	}
	if detailed {
		if perCore, err := cpu.Percent(0, true); err == nil {
			payload.PerCoreUsage = perCore
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		used := vm.UsedPercent
		payload.MemoryUsage = &used
		total := int64(vm.Total)
		avail := int64(vm.Available)
		payload.MemoryTotal = &total
		payload.MemoryAvailable = &avail
	}

	if du, err := disk.Usage(s.diskPath); err == nil {
		used := du.UsedPercent
		payload.DiskUsage = &used
		total := int64(du.Total)
		avail := int64(du.Free)
		payload.DiskTotal = &total
		payload.DiskAvailable = &avail
	}

	if info, err := host.Info(); err == nil {
		uptime := int64(info.Uptime)
		payload.UptimeSeconds = &uptime
	}

	if avg, err := load.Avg(); err == nil {
		la := avg.Load1
		payload.LoadAverage = &la
	}

	return payload
}

// sampleCPU returns the system-wide CPU percent used since the
// previous call, holding the rolling window under its own lock so
// concurrent callers never race on lastCPU.
func (s *Sampler) sampleCPU() *float64 {
	now := time.Now()

	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return nil
	}
	busy := times[0].User + times[0].System + times[0].Nice + times[0].Irq + times[0].Softirq + times[0].Steal
	total := busy + times[0].Idle + times[0].Iowait

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLast {
		s.lastCPU = []float64{busy, total}
		s.lastAt = now
		s.hasLast = true
		return nil
	}

	deltaBusy := busy - s.lastCPU[0]
	deltaTotal := total - s.lastCPU[1]
	s.lastCPU = []float64{busy, total}
	s.lastAt = now

	if deltaTotal <= 0 {
		return nil
	}
	pct := (deltaBusy / deltaTotal) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return &pct
}
