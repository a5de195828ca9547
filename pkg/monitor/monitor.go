// Package monitor receives fire-and-forget progress reports from the
// pagination engine and enriches them with process resource samples.
package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Prometheus metrics for process resources.
var (
	processRSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_process_rss_bytes",
		Help: "Resident memory of the fetch process at the last report",
	})

	processCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_process_cpu_percent",
		Help: "CPU usage of the fetch process at the last report",
	})

	processConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_process_connections",
		Help: "Open network connections of the fetch process at the last report",
	})

	monitorReportsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetch_monitor_reports_dropped_total",
		Help: "Reports dropped because the monitor buffer was full",
	})
)

// Fields carries event attributes.
type Fields map[string]any

// Monitor receives progress events. Report must never block the caller.
type Monitor interface {
	Report(event string, fields Fields)
}

// Nop discards every report.
type Nop struct{}

// Report implements Monitor.
func (Nop) Report(string, Fields) {}

// Snapshot is one resource sample.
type Snapshot struct {
	RSSBytes         uint64
	VMSBytes         uint64
	CPUPercent       float64
	Connections      int
	Goroutines       int
	SystemMemPercent float64
	Uptime           time.Duration
}

// Sampler takes resource samples.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// ProcessSampler samples the current process with gopsutil.
type ProcessSampler struct {
	proc  *process.Process
	start time.Time
}

// NewProcessSampler creates a sampler for this process.
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, eris.Wrap(err, "open process handle")
	}
	return &ProcessSampler{proc: proc, start: time.Now()}, nil
}

// Sample reads memory, CPU and connection counts. Individual probes that
// fail on the host platform are left at zero.
func (s *ProcessSampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(s.start),
	}

	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return snap, eris.Wrap(err, "read process memory")
	}
	snap.RSSBytes = memInfo.RSS
	snap.VMSBytes = memInfo.VMS

	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		snap.CPUPercent = cpu
	}
	if conns, err := s.proc.ConnectionsWithContext(ctx); err == nil {
		snap.Connections = len(conns)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.SystemMemPercent = vm.UsedPercent
	}

	return snap, nil
}

type report struct {
	event  string
	fields Fields
	at     time.Time
}

// ResourceMonitor logs each report with a resource sample. Reports are
// queued on a bounded channel and processed by one background goroutine.
type ResourceMonitor struct {
	reports chan report
	sampler Sampler
	logger  zerolog.Logger
	timeout time.Duration

	dropped atomic.Int64

	// mu guards closed so Report never sends on a closed channel.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option customizes a ResourceMonitor.
type Option func(*ResourceMonitor)

// WithSampler replaces the process sampler.
func WithSampler(s Sampler) Option {
	return func(m *ResourceMonitor) { m.sampler = s }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *ResourceMonitor) { m.logger = l }
}

// NewResourceMonitor starts a monitor with a buffer of the given size.
// A nil sampler (when the process handle cannot be opened) still logs
// reports without resource fields.
func NewResourceMonitor(buffer int, opts ...Option) *ResourceMonitor {
	if buffer < 1 {
		buffer = 1
	}

	m := &ResourceMonitor{
		reports: make(chan report, buffer),
		logger:  log.With().Str("component", "resource-monitor").Logger(),
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.sampler == nil {
		sampler, err := NewProcessSampler()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Process sampling unavailable")
		} else {
			m.sampler = sampler
		}
	}

	go m.run()
	return m
}

// Report queues an event. A full buffer drops it.
func (m *ResourceMonitor) Report(event string, fields Fields) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	select {
	case m.reports <- report{event: event, fields: fields, at: time.Now()}:
	default:
		m.dropped.Add(1)
		monitorReportsDropped.Inc()
	}
}

// Dropped returns how many reports were discarded.
func (m *ResourceMonitor) Dropped() int64 {
	return m.dropped.Load()
}

// Close stops accepting reports and waits for queued ones to be logged.
func (m *ResourceMonitor) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.reports)
	}
	m.mu.Unlock()
	<-m.done
}

func (m *ResourceMonitor) run() {
	defer close(m.done)
	for r := range m.reports {
		m.handle(r)
	}
}

func (m *ResourceMonitor) handle(r report) {
	ev := m.logger.Info().
		Str("event", r.event).
		Time("at", r.at)

	for k, v := range r.fields {
		ev = ev.Interface(k, v)
	}

	if m.sampler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		snap, err := m.sampler.Sample(ctx)
		cancel()

		if err != nil {
			ev = ev.AnErr("sample_error", err)
		} else {
			processRSSBytes.Set(float64(snap.RSSBytes))
			processCPUPercent.Set(snap.CPUPercent)
			processConnections.Set(float64(snap.Connections))

			ev = ev.
				Uint64("rss_bytes", snap.RSSBytes).
				Uint64("vms_bytes", snap.VMSBytes).
				Float64("cpu_percent", snap.CPUPercent).
				Int("connections", snap.Connections).
				Int("goroutines", snap.Goroutines).
				Float64("system_mem_percent", snap.SystemMemPercent).
				Dur("uptime", snap.Uptime)
		}
	}

	ev.Msg("Fetch progress")
}
