// Package netpolicy evaluates plugin network egress against per-plugin
// allow/block rules, telemetry-only mode, and heuristic suspicious-traffic
// checks. Verdicts carry a diagnostic reason and are published on the event
// bus; evaluation never panics on hostile input.
package netpolicy

import (
	"context"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/connectias/warden/internal/eventbus"
)

// Config is the per-plugin network policy document.
type Config struct {
	AllowedDomains []string `yaml:"allowed_domains"`
	BlockedDomains []string `yaml:"blocked_domains"`
	AllowedPorts   []int    `yaml:"allowed_ports"`
	BlockedPorts   []int    `yaml:"blocked_ports"`

	MaxBandwidthBytesPerSecond int64 `yaml:"max_bandwidth_bytes_per_second"`
	MaxConnectionsPerMinute    int   `yaml:"max_connections_per_minute"`

	TelemetryOnly bool `yaml:"telemetry_only"`
}

// Verdict is the outcome of a policy evaluation.
type Verdict struct {
	Allowed bool
	Reason  string
	Host    string
	Port    int
}

func allow(host string, port int) Verdict {
	return Verdict{Allowed: true, Reason: "allowed", Host: host, Port: port}
}

func block(reason, host string, port int) Verdict {
	return Verdict{Allowed: false, Reason: reason, Host: host, Port: port}
}

// defaultSafePorts are seeded into every plugin's allow-list at registration.
var defaultSafePorts = []int{80, 443, 8080, 8443}

// alwaysBlockedDomains are exfiltration staging grounds blocked for every
// plugin regardless of its own configuration.
var alwaysBlockedDomains = []string{
	"pastebin.com",
	"paste.ee",
	"hastebin.com",
	"transfer.sh",
	"file.io",
	"anonfiles.com",
	"mega.nz",
	"temp.sh",
}

// alwaysBlockedPorts are associated with remote-access backdoors.
var alwaysBlockedPorts = []int{1337, 4444, 5554, 6666, 6667, 12345, 27374, 31337}

// suspiciousRemotePorts are legitimate remote-access services a sandboxed
// plugin should never reach; checked in the heuristics step so operators see
// a distinct reason.
var suspiciousRemotePorts = map[int]bool{
	22:   true, // ssh
	23:   true, // telnet
	3389: true, // rdp
	5900: true, // vnc
	5901: true,
}

// suspiciousTLDs are throwaway TLDs disproportionately used for C2 domains.
var suspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq", ".onion"}

// shortenerDomains hide the true destination behind a redirect.
var shortenerDomains = []string{
	"bit.ly", "tinyurl.com", "goo.gl", "t.co", "is.gd", "ow.ly", "cutt.ly", "rb.gy",
}

// telemetryDomains are the analytics endpoints telemetry-only plugins may
// reach when the request is flagged as telemetry.
var telemetryDomains = []string{
	"google-analytics.com",
	"app-measurement.com",
	"crashlytics.com",
	"sentry.io",
	"segment.io",
	"mixpanel.com",
	"appsflyer.com",
}

// metadataHosts answer with cloud instance credentials; classic SSRF targets.
var metadataHosts = map[string]bool{
	"metadata.google.internal": true,
	"169.254.169.254":          true,
	"100.100.100.200":          true,
}

type pluginPolicy struct {
	config  Config
	enabled bool

	connMu    sync.Mutex
	connTimes []time.Time
}

// Engine evaluates egress requests for registered plugins.
type Engine struct {
	logger *log.Logger
	bus    *eventbus.Bus
	now    func() time.Time

	mu      sync.RWMutex
	plugins map[string]*pluginPolicy
}

// Option configures optional behaviour on the Engine.
type Option func(*Engine)

// WithLogger overrides the logger used for verdict diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventBus wires the engine to publish verdict events.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithClock overrides the time source used for connection accounting.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs a network policy engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:  log.Default(),
		now:     time.Now,
		plugins: make(map[string]*pluginPolicy),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the policy for a plugin, seeding the default safe ports
// into its allow-list. Registration replaces any previous policy.
func (e *Engine) Register(pluginID string, cfg Config) {
	seen := make(map[int]bool, len(cfg.AllowedPorts)+len(defaultSafePorts))
	ports := make([]int, 0, len(cfg.AllowedPorts)+len(defaultSafePorts))
	for _, p := range append(append([]int{}, cfg.AllowedPorts...), defaultSafePorts...) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	cfg.AllowedPorts = ports

	e.mu.Lock()
	e.plugins[pluginID] = &pluginPolicy{config: cfg, enabled: true}
	e.mu.Unlock()

	e.logger.Printf("[NetPolicy] registered plugin %s (telemetryOnly=%v, %d allowed domains)",
		pluginID, cfg.TelemetryOnly, len(cfg.AllowedDomains))
}

// Unregister removes a plugin's policy; subsequent evaluations block.
func (e *Engine) Unregister(pluginID string) {
	e.mu.Lock()
	delete(e.plugins, pluginID)
	e.mu.Unlock()
}

// SetEnabled toggles enforcement for a plugin without discarding its policy.
// A disabled policy blocks all traffic (fail closed, not open).
func (e *Engine) SetEnabled(pluginID string, enabled bool) {
	e.mu.Lock()
	if p, ok := e.plugins[pluginID]; ok {
		p.enabled = enabled
	}
	e.mu.Unlock()
}

// Evaluate decides whether pluginID may reach endpoint. isTelemetry marks
// requests the plugin flags as analytics traffic.
func (e *Engine) Evaluate(pluginID, endpoint string, isTelemetry bool) Verdict {
	v := e.evaluate(pluginID, endpoint, isTelemetry)

	if !v.Allowed {
		e.logger.Printf("[NetPolicy] blocked %s -> %s: %s", pluginID, endpoint, v.Reason)
	}
	eventbus.Publish(context.Background(), e.bus, eventbus.NetPolicy.Verdict, eventbus.SourceNetPolicy, eventbus.VerdictEvent{
		PluginID:  pluginID,
		Endpoint:  endpoint,
		Host:      v.Host,
		Port:      v.Port,
		Telemetry: isTelemetry,
		Allowed:   v.Allowed,
		Reason:    v.Reason,
		At:        e.now().UTC(),
	})
	return v
}

func (e *Engine) evaluate(pluginID, endpoint string, isTelemetry bool) Verdict {
	e.mu.RLock()
	policy, ok := e.plugins[pluginID]
	e.mu.RUnlock()

	// 1. Unregistered plugin: nothing to consult, fail closed.
	if !ok {
		return block("plugin not registered with network policy", "", 0)
	}
	// 2. Policy disabled: fail closed.
	if !policy.enabled {
		return block("network policy disabled for plugin", "", 0)
	}

	// 3. Parse the endpoint.
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return block("unparseable endpoint", "", 0)
	}

	cfg := policy.config

	// 4. Telemetry-only plugins may only issue flagged telemetry requests.
	if cfg.TelemetryOnly && !isTelemetry {
		return block("plugin is telemetry-only", ep.Host, ep.Port)
	}

	// 5. Block lists take precedence over everything that follows.
	if matchesAny(ep.Host, alwaysBlockedDomains) || matchesAny(ep.Host, cfg.BlockedDomains) {
		return block("domain is blocked", ep.Host, ep.Port)
	}
	for _, p := range alwaysBlockedPorts {
		if ep.Port == p {
			return block("port is blocked", ep.Host, ep.Port)
		}
	}
	for _, p := range cfg.BlockedPorts {
		if ep.Port == p {
			return block("port is blocked", ep.Host, ep.Port)
		}
	}

	// Connection budget applies to everything past the block lists.
	if cfg.MaxConnectionsPerMinute > 0 && !policy.admitConnection(e.now(), cfg.MaxConnectionsPerMinute) {
		return block("connection budget exhausted", ep.Host, ep.Port)
	}

	// 6. Recognised telemetry traffic bypasses the allow-list.
	if isTelemetry && matchesAny(ep.Host, telemetryDomains) {
		return allow(ep.Host, ep.Port)
	}

	// 7. Allow-list, when configured, is exhaustive.
	if len(cfg.AllowedDomains) > 0 && !matchesAny(ep.Host, cfg.AllowedDomains) {
		return block("domain not in allow-list", ep.Host, ep.Port)
	}
	if len(cfg.AllowedPorts) > 0 && !containsPort(cfg.AllowedPorts, ep.Port) {
		return block("port not in allow-list", ep.Host, ep.Port)
	}

	// 8. Heuristics.
	if v, blocked := heuristicCheck(ep, isTelemetry); blocked {
		return v
	}

	// 9. Nothing objected.
	return allow(ep.Host, ep.Port)
}

// heuristicCheck applies the suspicious-traffic rules shared by all plugins.
func heuristicCheck(ep Endpoint, isTelemetry bool) (Verdict, bool) {
	if metadataHosts[ep.Host] {
		return block("cloud metadata endpoint", ep.Host, ep.Port), true
	}
	if ip := net.ParseIP(ep.Host); ip != nil {
		if isPrivateOrLoopbackIP(ip) {
			return block("private or loopback address", ep.Host, ep.Port), true
		}
		if ip.To4() != nil && !isTelemetry {
			return block("direct IP address for non-telemetry request", ep.Host, ep.Port), true
		}
	}
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(ep.Host, tld) {
			return block("suspicious top-level domain", ep.Host, ep.Port), true
		}
	}
	if matchesAny(ep.Host, shortenerDomains) {
		return block("URL shortener domain", ep.Host, ep.Port), true
	}
	if suspiciousRemotePorts[ep.Port] {
		return block("remote-access service port", ep.Host, ep.Port), true
	}
	return Verdict{}, false
}

func containsPort(ports []int, port int) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// admitConnection records one connection and reports whether the sliding
// one-minute window still has budget.
func (p *pluginPolicy) admitConnection(now time.Time, max int) bool {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	cutoff := now.Add(-time.Minute)
	kept := p.connTimes[:0]
	for _, t := range p.connTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.connTimes = kept

	if len(p.connTimes) >= max {
		return false
	}
	p.connTimes = append(p.connTimes, now)
	return true
}
