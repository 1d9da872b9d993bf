package app

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/StreamRoom/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ResourceSample is one observation of process resources.
type ResourceSample struct {
	RSSBytes   uint64    `json:"rss_bytes"`
	HeapBytes  uint64    `json:"heap_bytes"`
	Goroutines int       `json:"goroutines"`
	CPULoad    float64   `json:"cpu_load_percent"`
	Critical   bool      `json:"critical"`
	At         time.Time `json:"at"`
}

// ResourceMonitor samples process memory and system load and reports
// Critical once RSS or the 1-minute load crosses its threshold.
type ResourceMonitor struct {
	threshold    uint64
	cpuThreshold float64
	readRSS      func() (uint64, error)
	readLoad     func() (float64, error)
	metrics      *metrics.Collector

	critical atomic.Bool
	mu       sync.RWMutex
	last     ResourceSample
}

type MonitorOption func(*ResourceMonitor)

// WithRSSReader replaces the /proc reader.
func WithRSSReader(fn func() (uint64, error)) MonitorOption {
	return func(m *ResourceMonitor) { m.readRSS = fn }
}

// WithLoadReader replaces the /proc/loadavg reader. fn returns the 1-minute
// load average.
func WithLoadReader(fn func() (float64, error)) MonitorOption {
	return func(m *ResourceMonitor) { m.readLoad = fn }
}

// WithCPUThreshold sets the load limit as a percentage of available CPUs;
// zero disables it.
func WithCPUThreshold(pct float64) MonitorOption {
	return func(m *ResourceMonitor) { m.cpuThreshold = pct }
}

func WithMonitorMetrics(c *metrics.Collector) MonitorOption {
	return func(m *ResourceMonitor) { m.metrics = c }
}

// NewResourceMonitor takes the threshold in bytes; zero disables the gate.
func NewResourceMonitor(threshold uint64, opts ...MonitorOption) *ResourceMonitor {
	m := &ResourceMonitor{threshold: threshold, readRSS: procRSS, readLoad: procLoad}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ResourceMonitor) Critical() bool { return m.critical.Load() }

func (m *ResourceMonitor) Last() ResourceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *ResourceMonitor) Sample() ResourceSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := ResourceSample{HeapBytes: ms.HeapAlloc, Goroutines: runtime.NumGoroutine(), At: time.Now()}
	rss, err := m.readRSS()
	if err != nil {
		// No procfs; fall back to what the runtime got from the OS.
		rss = ms.Sys
	}
	s.RSSBytes = rss
	memCritical := m.threshold > 0 && rss > m.threshold

	var cpuCritical bool
	if load, err := m.readLoad(); err == nil {
		s.CPULoad = load / float64(runtime.NumCPU()) * 100
		cpuCritical = m.cpuThreshold > 0 && s.CPULoad > m.cpuThreshold
	}
	s.Critical = memCritical || cpuCritical

	was := m.critical.Swap(s.Critical)
	if s.Critical && !was {
		log.Warn().Str("module", "app.monitor").Uint64("rss", rss).Uint64("threshold", m.threshold).
			Float64("cpu_load", s.CPULoad).Float64("cpu_threshold", m.cpuThreshold).
			Msg("resources critical, rejecting new connections")
	} else if !s.Critical && was {
		log.Info().Str("module", "app.monitor").Uint64("rss", rss).Float64("cpu_load", s.CPULoad).Msg("resources back to normal")
	}
	m.metrics.SetMemory(rss)

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
	return s
}

func procRSS() (uint64, error) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	return parseVmRSS(data)
}

func procLoad() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	return parseLoadAvg(data)
}

// parseLoadAvg reads the 1-minute figure from "0.52 0.58 0.59 1/467 12345".
func parseLoadAvg(data []byte) (float64, error) {
	fields := bytes.Fields(data)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty loadavg")
	}
	return strconv.ParseFloat(string(fields[0]), 64)
}

// parseVmRSS extracts "VmRSS:   1234 kB" from a /proc status file.
func parseVmRSS(status []byte) (uint64, error) {
	sc := bufio.NewScanner(bytes.NewReader(status))
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("VmRSS:")) {
			continue
		}
		fields := bytes.Fields(line[len("VmRSS:"):])
		if len(fields) == 0 {
			break
		}
		kb, err := strconv.ParseUint(string(fields[0]), 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not found")
}

// NewScheduler runs the periodic maintenance jobs: resource sampling, dedup
// sweeps and recording counter sync.
func NewScheduler(interval time.Duration, mon *ResourceMonitor, dedup *Dedup, rec *Recorder) (*cron.Cron, error) {
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	every := "@every " + interval.String()
	if mon != nil {
		mon.Sample()
		if _, err := quartz.AddFunc(every, func() { mon.Sample() }); err != nil {
			return nil, err
		}
	}
	if dedup != nil {
		if _, err := quartz.AddFunc(every, func() { dedup.Sweep() }); err != nil {
			return nil, err
		}
	}
	if rec != nil {
		if _, err := quartz.AddFunc(every, func() { rec.Sync(context.Background()) }); err != nil {
			return nil, err
		}
	}
	return quartz, nil
}
