// Package resmon samples sandbox memory usage on a fixed interval,
// estimates per-plugin consumption, and dispatches evictions when
// thresholds are breached.
package resmon

import (
	"context"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/connectias/warden/internal/eventbus"
)

// Default thresholds. Per-plugin ceilings are absolute megabytes; the
// sandbox-wide thresholds are ratios of the heap ceiling.
const (
	DefaultInterval = 5 * time.Second

	DefaultPluginWarningMB  = 100.0
	DefaultPluginCriticalMB = 200.0

	SandboxWarningRatio  = 0.70
	SandboxCriticalRatio = 0.85
)

// State is the monitor's lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateMonitoring State = "monitoring"
)

// Eviction asks the host to unload a plugin. Dispatched on a queue so the
// sampling loop never runs plugin lifecycle hooks itself.
type Eviction struct {
	PluginID string
	Reason   string
	UsageMB  float64
}

// PluginSpec carries the load-time hints used to weight a plugin's share of
// total memory when the platform cannot attribute usage directly.
type PluginSpec struct {
	Dependencies int
	HeavyUI      bool
}

func (s PluginSpec) weight() float64 {
	w := 1.0
	if s.Dependencies > 0 {
		w += 0.5
	}
	if s.HeavyUI {
		w += 1.0
	}
	return w
}

type pluginInfo struct {
	spec       PluginSpec
	estimateMB float64
	evicting   bool
}

// MemReader reports current heap usage and the heap ceiling, in megabytes.
type MemReader func() (usedMB, maxMB float64)

func runtimeMemReader() (float64, float64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const mb = 1024 * 1024
	return float64(m.HeapAlloc) / mb, float64(m.HeapSys) / mb
}

// CPUReader reports total sandbox CPU usage as a percentage. The Go runtime
// has no portable process-CPU counter, so without an injected reader the
// monitor reports no CPU and samples carry memory estimates only.
type CPUReader func() (percent float64)

// Monitor periodically samples memory and enforces thresholds. Start and
// Stop are idempotent; the zero interval means DefaultInterval.
type Monitor struct {
	mu      sync.Mutex
	state   State
	plugins map[string]*pluginInfo
	stop    chan struct{}
	done    chan struct{}

	interval         time.Duration
	pluginWarningMB  float64
	pluginCriticalMB float64

	readMem  MemReader
	readCPU  CPUReader
	evictCh  chan Eviction
	logger   *log.Logger
	bus      *eventbus.Bus
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor's logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventBus sets the bus samples and pressure events are published on.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithPluginCeilings overrides the per-plugin WARNING/CRITICAL ceilings.
func WithPluginCeilings(warningMB, criticalMB float64) Option {
	return func(m *Monitor) {
		if warningMB > 0 {
			m.pluginWarningMB = warningMB
		}
		if criticalMB > 0 {
			m.pluginCriticalMB = criticalMB
		}
	}
}

// WithMemReader injects the memory source. Used by tests and by platforms
// that can report proportional-set-size per process.
func WithMemReader(r MemReader) Option {
	return func(m *Monitor) {
		if r != nil {
			m.readMem = r
		}
	}
}

// WithCPUReader injects a sandbox CPU source. Platforms that can read
// process CPU time (procfs, JVM beans) supply one; tests use it to drive
// the CPU anomaly path.
func WithCPUReader(r CPUReader) Option {
	return func(m *Monitor) {
		if r != nil {
			m.readCPU = r
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a stopped monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		state:            StateStopped,
		plugins:          make(map[string]*pluginInfo),
		interval:         DefaultInterval,
		pluginWarningMB:  DefaultPluginWarningMB,
		pluginCriticalMB: DefaultPluginCriticalMB,
		readMem:          runtimeMemReader,
		evictCh:          make(chan Eviction, 16),
		logger:           log.Default(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Evictions returns the queue of unload requests. The host consumes it from
// a dedicated goroutine.
func (m *Monitor) Evictions() <-chan Eviction { return m.evictCh }

// State reports the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Register adds a plugin to the estimation set. Registering an already
// known plugin updates its spec.
func (m *Monitor) Register(pluginID string, spec PluginSpec) {
	m.mu.Lock()
	if p, ok := m.plugins[pluginID]; ok {
		p.spec = spec
	} else {
		m.plugins[pluginID] = &pluginInfo{spec: spec}
	}
	m.mu.Unlock()
}

// Unregister removes a plugin from the estimation set. Called by the host
// once the unload completed, which also clears any pending-eviction mark.
func (m *Monitor) Unregister(pluginID string) {
	m.mu.Lock()
	delete(m.plugins, pluginID)
	m.mu.Unlock()
}

// Start begins the sampling loop. Calling Start while monitoring is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.state == StateMonitoring {
		m.mu.Unlock()
		return
	}
	m.state = StateMonitoring
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	m.logger.Printf("[ResourceMonitor] monitoring started (interval %s)", m.interval)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.SampleNow()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the sampling loop and waits for the in-flight tick to finish.
// Calling Stop while stopped is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.state != StateMonitoring {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.logger.Printf("[ResourceMonitor] monitoring stopped")
}

// SampleNow runs one sampling pass immediately. The periodic loop calls it
// on every tick; tests and the admin API call it directly.
func (m *Monitor) SampleNow() {
	usedMB, maxMB := m.readMem()
	ratio := 0.0
	if maxMB > 0 {
		ratio = usedMB / maxMB
	}

	cpuPercent := 0.0
	if m.readCPU != nil {
		cpuPercent = m.readCPU()
	}

	m.mu.Lock()
	estimates := m.estimateLocked(usedMB)
	var cpuEstimates map[string]float64
	if m.readCPU != nil {
		cpuEstimates = m.estimateLocked(cpuPercent)
	}
	pluginCount := len(m.plugins)

	type breach struct {
		pluginID string
		usageMB  float64
	}
	var criticalPlugins []breach
	var warningPlugins []breach
	for id, est := range estimates {
		p := m.plugins[id]
		p.estimateMB = est
		switch {
		case est >= m.pluginCriticalMB && !p.evicting:
			p.evicting = true
			criticalPlugins = append(criticalPlugins, breach{id, est})
		case est >= m.pluginWarningMB && est < m.pluginCriticalMB:
			warningPlugins = append(warningPlugins, breach{id, est})
		}
	}

	var sandboxEvict *breach
	if ratio >= SandboxCriticalRatio {
		if id, est, ok := m.largestLocked(); ok {
			p := m.plugins[id]
			if !p.evicting {
				p.evicting = true
				sandboxEvict = &breach{id, est}
			}
		}
	}
	m.mu.Unlock()

	at := m.now().UTC()
	eventbus.Publish(context.Background(), m.bus, eventbus.Resources.Sample, eventbus.SourceResourceMonitor, eventbus.ResourceSampleEvent{
		HeapUsedMB:          usedMB,
		HeapRatio:           ratio,
		PerPluginMB:         estimates,
		PerPluginCPUPercent: cpuEstimates,
		PluginCount:         pluginCount,
		At:                  at,
	})

	for _, b := range warningPlugins {
		m.pressure(eventbus.PressureWarning, b.pluginID, b.usageMB, ratio, at)
	}
	for _, b := range criticalPlugins {
		m.pressure(eventbus.PressureCritical, b.pluginID, b.usageMB, ratio, at)
		m.dispatch(Eviction{PluginID: b.pluginID, Reason: "plugin memory ceiling exceeded", UsageMB: b.usageMB})
	}

	switch {
	case ratio >= SandboxCriticalRatio:
		m.pressure(eventbus.PressureCritical, "", usedMB, ratio, at)
		if sandboxEvict != nil {
			m.dispatch(Eviction{PluginID: sandboxEvict.pluginID, Reason: "sandbox memory critical", UsageMB: sandboxEvict.usageMB})
		}
	case ratio >= SandboxWarningRatio:
		m.pressure(eventbus.PressureWarning, "", usedMB, ratio, at)
	}
}

// estimateLocked divides total usage across plugins by weight. Callers hold
// the lock.
func (m *Monitor) estimateLocked(usedMB float64) map[string]float64 {
	estimates := make(map[string]float64, len(m.plugins))
	if len(m.plugins) == 0 {
		return estimates
	}
	totalWeight := 0.0
	for _, p := range m.plugins {
		totalWeight += p.spec.weight()
	}
	for id, p := range m.plugins {
		estimates[id] = usedMB * p.spec.weight() / totalWeight
	}
	return estimates
}

// largestLocked picks the plugin with the highest last-known estimate.
// Ties resolve to the lexicographically lowest plugin id so eviction is
// reproducible. Callers hold the lock.
func (m *Monitor) largestLocked() (string, float64, bool) {
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := ""
	bestMB := -1.0
	for _, id := range ids {
		if est := m.plugins[id].estimateMB; est > bestMB {
			best = id
			bestMB = est
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestMB, true
}

func (m *Monitor) pressure(level eventbus.PressureLevel, pluginID string, usageMB, ratio float64, at time.Time) {
	if pluginID != "" {
		m.logger.Printf("[ResourceMonitor] %s: plugin %s at %.1fMB", level, pluginID, usageMB)
	} else {
		m.logger.Printf("[ResourceMonitor] %s: sandbox heap at %.0f%%", level, ratio*100)
	}
	eventbus.Publish(context.Background(), m.bus, eventbus.Resources.Pressure, eventbus.SourceResourceMonitor, eventbus.ResourcePressureEvent{
		Level:     level,
		PluginID:  pluginID,
		UsageMB:   usageMB,
		HeapRatio: ratio,
		At:        at,
	})
}

// dispatch posts an eviction without blocking the sampling loop. A full
// queue drops the request; the next tick re-detects the breach.
func (m *Monitor) dispatch(ev Eviction) {
	select {
	case m.evictCh <- ev:
	default:
		m.logger.Printf("[ResourceMonitor] eviction queue full, dropping request for %s", ev.PluginID)
		m.mu.Lock()
		if p, ok := m.plugins[ev.PluginID]; ok {
			p.evicting = false
		}
		m.mu.Unlock()
	}
}
