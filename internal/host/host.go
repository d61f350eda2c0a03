// Package host orchestrates the sandbox: it owns the plugin registry, wires
// the security components together and drives plugin lifecycle hooks.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/connectias/warden/internal/behavior"
	"github.com/connectias/warden/internal/bridge"
	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/identity"
	"github.com/connectias/warden/internal/netpolicy"
	"github.com/connectias/warden/internal/ratelimit"
	"github.com/connectias/warden/internal/resmon"
)

// DefaultAnalysisInterval is how often accumulated behavior windows are
// folded into baselines and checked for anomalies.
const DefaultAnalysisInterval = 30 * time.Second

// ErrNotFound indicates the plugin id is not in the registry.
var ErrNotFound = errors.New("host: plugin not found")

// ErrAlreadyLoaded indicates a plugin id is already registered.
var ErrAlreadyLoaded = errors.New("host: plugin already loaded")

// Plugin is the lifecycle contract loaded plugin code implements. Hook
// failures are logged by the host and never propagated as crashes.
type Plugin interface {
	OnLoad(ctx context.Context) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
	OnUnload(ctx context.Context) error
}

// LoadSpec describes one plugin at load time.
type LoadSpec struct {
	PluginID   string
	Credential identity.Credential
	Plugin     Plugin

	// Manifest-derived hints.
	Dependencies int
	HeavyUI      bool

	// Network egress policy for this plugin. The zero value registers a
	// default-deny-leaning policy with only the safe ports allowed.
	Network netpolicy.Config
}

type pluginEntry struct {
	plugin  Plugin
	token   uint64
	enabled bool
}

// Host wires identity, rate limiting, bridges, resource monitoring, behavior
// analysis and network policy around a plugin registry.
type Host struct {
	logger *log.Logger
	bus    *eventbus.Bus

	identity *identity.Manager
	limiter  *ratelimit.Limiter
	engine   *netpolicy.Engine
	recorder *behavior.Recorder
	detector *behavior.Detector
	monitor  *resmon.Monitor
	gate     *bridge.Gate

	analysisInterval time.Duration

	mu      sync.Mutex
	plugins map[string]*pluginEntry
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host's logger. Component loggers are unaffected.
func WithLogger(logger *log.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithEventBus sets the bus lifecycle events are published on and that the
// default components publish their events on.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(h *Host) { h.bus = bus }
}

// WithAnalysisInterval overrides the behavior analysis cadence.
func WithAnalysisInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.analysisInterval = d
		}
	}
}

// WithMonitor injects a pre-built resource monitor. Used by tests and by
// platforms that need custom memory readers or ceilings.
func WithMonitor(m *resmon.Monitor) Option {
	return func(h *Host) { h.monitor = m }
}

// WithDetector injects a pre-built anomaly detector.
func WithDetector(d *behavior.Detector) Option {
	return func(h *Host) { h.detector = d }
}

// WithLimiter injects a pre-built rate limiter.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(h *Host) { h.limiter = l }
}

// New constructs a host and its security components. The permission checker
// is the platform's; a nil checker denies everything.
func New(perms bridge.PermissionChecker, opts ...Option) *Host {
	h := &Host{
		logger:           log.Default(),
		analysisInterval: DefaultAnalysisInterval,
		plugins:          make(map[string]*pluginEntry),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.identity = identity.NewManager(
		identity.WithLogger(h.logger),
		identity.WithEventBus(h.bus),
	)
	if h.limiter == nil {
		h.limiter = ratelimit.NewLimiter(
			ratelimit.WithLogger(h.logger),
			ratelimit.WithEventBus(h.bus),
		)
	}
	h.engine = netpolicy.NewEngine(
		netpolicy.WithLogger(h.logger),
		netpolicy.WithEventBus(h.bus),
	)
	h.recorder = behavior.NewRecorder()
	if h.detector == nil {
		h.detector = behavior.NewDetector(
			behavior.WithLogger(h.logger),
			behavior.WithEventBus(h.bus),
		)
	}
	if h.monitor == nil {
		h.monitor = resmon.New(
			resmon.WithLogger(h.logger),
			resmon.WithEventBus(h.bus),
		)
	}
	h.gate = bridge.NewGate(h.identity, perms,
		bridge.WithLogger(h.logger),
		bridge.WithEventBus(h.bus),
		bridge.WithRecorder(h.recorder),
	)

	return h
}

// Identity exposes the session manager so the transport can register
// sessions and validate tokens.
func (h *Host) Identity() *identity.Manager { return h.identity }

// Limiter exposes the IPC rate limiter for transport interceptors.
func (h *Host) Limiter() *ratelimit.Limiter { return h.limiter }

// Gate exposes the authorization gate the secure bridge wrappers share.
func (h *Host) Gate() *bridge.Gate { return h.gate }

// NetPolicy exposes the network egress policy engine.
func (h *Host) NetPolicy() *netpolicy.Engine { return h.engine }

// Detector exposes the anomaly detector.
func (h *Host) Detector() *behavior.Detector { return h.detector }

// Monitor exposes the resource monitor.
func (h *Host) Monitor() *resmon.Monitor { return h.monitor }

// Load registers the plugin with every security component and invokes its
// onLoad and onEnable hooks. Hook failures are logged and do not abort the
// load; registration failures do.
func (h *Host) Load(ctx context.Context, spec LoadSpec) error {
	if spec.PluginID == "" {
		return errors.New("host: plugin id is required")
	}
	if spec.Plugin == nil {
		return errors.New("host: plugin implementation is required")
	}

	h.mu.Lock()
	if _, exists := h.plugins[spec.PluginID]; exists {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, spec.PluginID)
	}
	// Reserve the slot before releasing the lock so a concurrent Load of
	// the same id fails fast instead of double-registering.
	entry := &pluginEntry{plugin: spec.Plugin}
	h.plugins[spec.PluginID] = entry
	h.mu.Unlock()

	token, err := h.identity.RegisterSession(spec.PluginID, spec.Credential)
	if err != nil {
		h.mu.Lock()
		delete(h.plugins, spec.PluginID)
		h.mu.Unlock()
		return fmt.Errorf("host: register session for %s: %w", spec.PluginID, err)
	}
	entry.token = token

	h.engine.Register(spec.PluginID, spec.Network)
	h.monitor.Register(spec.PluginID, resmon.PluginSpec{
		Dependencies: spec.Dependencies,
		HeavyUI:      spec.HeavyUI,
	})

	h.callHook(ctx, spec.PluginID, "onLoad", spec.Plugin.OnLoad)
	h.publishLifecycle(ctx, spec.PluginID, eventbus.PluginStateLoaded, "")

	h.callHook(ctx, spec.PluginID, "onEnable", spec.Plugin.OnEnable)
	entry.enabled = true
	h.publishLifecycle(ctx, spec.PluginID, eventbus.PluginStateEnabled, "")

	h.logger.Printf("[Host] Loaded plugin %s (session token %d)", spec.PluginID, token)
	return nil
}

// Disable invokes the plugin's onDisable hook and marks it disabled. The
// plugin stays registered; a disabled plugin still counts against resource
// ceilings.
func (h *Host) Disable(ctx context.Context, pluginID string) error {
	h.mu.Lock()
	entry, ok := h.plugins[pluginID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	wasEnabled := entry.enabled
	entry.enabled = false
	h.mu.Unlock()

	if wasEnabled {
		h.callHook(ctx, pluginID, "onDisable", entry.plugin.OnDisable)
		h.publishLifecycle(ctx, pluginID, eventbus.PluginStateDisabled, "")
	}
	return nil
}

// Enable re-invokes the plugin's onEnable hook after a Disable.
func (h *Host) Enable(ctx context.Context, pluginID string) error {
	h.mu.Lock()
	entry, ok := h.plugins[pluginID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}
	wasEnabled := entry.enabled
	entry.enabled = true
	h.mu.Unlock()

	if !wasEnabled {
		h.callHook(ctx, pluginID, "onEnable", entry.plugin.OnEnable)
		h.publishLifecycle(ctx, pluginID, eventbus.PluginStateEnabled, "")
	}
	return nil
}

// Unload runs the plugin's onDisable and onUnload hooks and removes it from
// every component. A second unload of the same id returns ErrNotFound and
// invokes no hooks.
func (h *Host) Unload(ctx context.Context, pluginID, reason string) error {
	h.mu.Lock()
	entry, ok := h.plugins[pluginID]
	if ok {
		delete(h.plugins, pluginID)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, pluginID)
	}

	if entry.enabled {
		h.callHook(ctx, pluginID, "onDisable", entry.plugin.OnDisable)
	}
	h.callHook(ctx, pluginID, "onUnload", entry.plugin.OnUnload)

	h.identity.UnregisterSession(pluginID)
	h.engine.Unregister(pluginID)
	h.monitor.Unregister(pluginID)
	h.recorder.Remove(pluginID)
	h.detector.Remove(pluginID)

	h.publishLifecycle(ctx, pluginID, eventbus.PluginStateUnloaded, reason)
	h.logger.Printf("[Host] Unloaded plugin %s (reason %q)", pluginID, reason)
	return nil
}

// Loaded reports whether the plugin is in the registry.
func (h *Host) Loaded(pluginID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.plugins[pluginID]
	return ok
}

// PluginIDs returns the ids of all registered plugins.
func (h *Host) PluginIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.plugins))
	for id := range h.plugins {
		ids = append(ids, id)
	}
	return ids
}

// Start begins resource monitoring, the eviction consumer and the periodic
// behavior analysis. Start is idempotent.
func (h *Host) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.monitor.Start()
	go h.run(h.stop, h.done)
}

// Stop halts monitoring and the background loops. In-flight unloads
// complete. Stop is idempotent.
func (h *Host) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	stop, done := h.stop, h.done
	h.mu.Unlock()

	h.monitor.Stop()
	close(stop)
	<-done
}

// run consumes eviction requests and drives the analysis cadence. Evictions
// are handled here, off the monitor's sampling tick, so a slow lifecycle
// hook never stalls sampling.
func (h *Host) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	samples := eventbus.SubscribeTo(h.bus, eventbus.Resources.Sample)
	defer samples.Close()
	sampleCh := samples.C()

	ticker := time.NewTicker(h.analysisInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.monitor.Evictions():
			h.logger.Printf("[Host] Evicting plugin %s: %s (%.1fMB)", ev.PluginID, ev.Reason, ev.UsageMB)
			if err := h.Unload(context.Background(), ev.PluginID, eventbus.PluginReasonEvicted); err != nil {
				h.logger.Printf("[Host] Eviction of %s failed: %v", ev.PluginID, err)
			}
		case env, ok := <-sampleCh:
			if !ok {
				// Nil-bus subscriptions come back closed.
				sampleCh = nil
				continue
			}
			for pluginID, mb := range env.Payload.PerPluginMB {
				h.recorder.RecordUsage(pluginID, mb, env.Payload.PerPluginCPUPercent[pluginID])
			}
		case <-ticker.C:
			h.analyze()
		case <-stop:
			return
		}
	}
}

// analyze folds each plugin's accumulated behavior window into its baseline
// and surfaces anomalies. Detection reads counters the bridges keep writing;
// eventual consistency is fine here.
func (h *Host) analyze() {
	for _, pluginID := range h.PluginIDs() {
		sample := h.recorder.Snapshot(pluginID)
		anomalies := h.detector.Observe(pluginID, sample)
		for _, anomaly := range anomalies {
			h.logger.Printf("[Host] Anomaly for %s: %s/%s %s", pluginID, anomaly.Kind, anomaly.Severity, anomaly.Detail)
		}
	}
}

// callHook invokes one lifecycle hook, converting errors and panics into
// log lines. Plugin code must never crash the host.
func (h *Host) callHook(ctx context.Context, pluginID, name string, hook func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("[Host] Plugin %s %s panicked: %v", pluginID, name, r)
		}
	}()
	if err := hook(ctx); err != nil {
		h.logger.Printf("[Host] Plugin %s %s failed: %v", pluginID, name, err)
	}
}

func (h *Host) publishLifecycle(ctx context.Context, pluginID string, state eventbus.PluginState, reason string) {
	eventbus.Publish(ctx, h.bus, eventbus.Plugins.Lifecycle, eventbus.SourceSandboxHost, eventbus.PluginLifecycleEvent{
		PluginID: pluginID,
		State:    state,
		Reason:   reason,
		At:       time.Now(),
	})
}
