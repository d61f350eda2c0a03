package eventbus

import (
	"time"
)

// Topic identifies a logical channel on the bus.
type Topic string

// Standard topics emitted by the security core.
const (
	TopicAuditSecurity     Topic = "audit.security"
	TopicAnomalyDetected   Topic = "anomaly.detected"
	TopicPluginsLifecycle  Topic = "plugins.lifecycle"
	TopicNetPolicyVerdict  Topic = "netpolicy.verdict"
	TopicRateLimitExceeded Topic = "ratelimit.exceeded"
	TopicResourcesSample   Topic = "resources.sample"
	TopicResourcesPressure Topic = "resources.pressure"
)

// Source describes which component produced an event.
type Source string

const (
	SourceIdentityManager Source = "identity_manager"
	SourceBridge          Source = "bridge"
	SourceRateLimiter     Source = "rate_limiter"
	SourceResourceMonitor Source = "resource_monitor"
	SourceNetPolicy       Source = "net_policy"
	SourceAnomalyDetector Source = "anomaly_detector"
	SourcePackageVerifier Source = "package_verifier"
	SourceSandboxHost     Source = "sandbox_host"
	SourceUnknown         Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// SecurityEventKind classifies audited security violations.
type SecurityEventKind string

const (
	SecuritySpoofingAttempt   SecurityEventKind = "spoofing_attempt"
	SecurityUnknownCaller     SecurityEventKind = "unknown_caller"
	SecurityPermissionDenied  SecurityEventKind = "permission_denied"
	SecurityRateLimitExceeded SecurityEventKind = "rate_limit_exceeded"
	SecurityNetworkBlocked    SecurityEventKind = "network_blocked"
	SecuritySignatureRejected SecurityEventKind = "signature_rejected"
	SecurityPluginEvicted     SecurityEventKind = "plugin_evicted"
)

// SecurityEvent is the audit record for a cross-trust-boundary violation.
type SecurityEvent struct {
	ID       string
	Kind     SecurityEventKind
	PluginID string // verified identity when known, claimed otherwise
	Detail   string
	At       time.Time
}

// AnomalySeverity orders anomaly events for downstream policy.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// AnomalyKind distinguishes the detector that produced an anomaly.
type AnomalyKind string

const (
	AnomalyStatistical AnomalyKind = "statistical"
	AnomalyPattern     AnomalyKind = "pattern"
	AnomalySequence    AnomalyKind = "sequence"
)

// AnomalyEvent is published whenever observed behaviour deviates from the
// learned baseline. Recommendations are advisory actions for the consumer.
type AnomalyEvent struct {
	ID              string
	PluginID        string
	Kind            AnomalyKind
	Severity        AnomalySeverity
	Metric          string // e.g. "memory_mb", "cpu_percent", "api_calls"
	Score           float64
	Detail          string
	Recommendations []string
	At              time.Time
}

// PluginState summarises plugin lifecycle transitions.
type PluginState string

const (
	PluginStateLoaded   PluginState = "loaded"
	PluginStateEnabled  PluginState = "enabled"
	PluginStateDisabled PluginState = "disabled"
	PluginStateUnloaded PluginState = "unloaded"
)

// PluginReasonEvicted is the Reason set on lifecycle events published when
// the resource monitor forces a plugin out. Consumers can distinguish this
// from an operator-initiated unload.
const PluginReasonEvicted = "resource_eviction"

// PluginLifecycleEvent notifies consumers about plugin state transitions.
type PluginLifecycleEvent struct {
	PluginID string
	State    PluginState
	Reason   string
	At       time.Time
}

// VerdictEvent records a network policy decision for diagnostics.
type VerdictEvent struct {
	PluginID  string
	Endpoint  string
	Host      string
	Port      int
	Telemetry bool
	Allowed   bool
	Reason    string
	At        time.Time
}

// RateLimitEvent is published when an IPC call is rejected by the limiter.
type RateLimitEvent struct {
	Method     string
	PluginID   string
	RetryAfter time.Duration
	At         time.Time
}

// ResourceSampleEvent carries one monitor tick worth of usage estimates.
// PerPluginCPUPercent is empty when the platform supplies no CPU reading.
type ResourceSampleEvent struct {
	HeapUsedMB          float64
	HeapRatio           float64
	PerPluginMB         map[string]float64
	PerPluginCPUPercent map[string]float64
	PluginCount         int
	At                  time.Time
}

// PressureLevel classifies sandbox-wide memory pressure.
type PressureLevel string

const (
	PressureWarning  PressureLevel = "warning"
	PressureCritical PressureLevel = "critical"
)

// ResourcePressureEvent is published when a memory threshold is breached.
type ResourcePressureEvent struct {
	Level     PressureLevel
	PluginID  string // offending plugin for per-plugin breaches, empty otherwise
	UsageMB   float64
	HeapRatio float64
	At        time.Time
}

// ---------------------------------------------------------------------------
// Typed topic descriptors
// ---------------------------------------------------------------------------
// Each TopicDef binds a Topic constant to its payload type, enabling
// compile-time enforcement via Publish[T] and SubscribeTo[T].

// Audit groups audit-related topic descriptors.
var Audit = struct {
	Security TopicDef[SecurityEvent]
}{
	Security: NewTopicDef[SecurityEvent](TopicAuditSecurity),
}

// Anomalies groups anomaly-detector topic descriptors.
var Anomalies = struct {
	Detected TopicDef[AnomalyEvent]
}{
	Detected: NewTopicDef[AnomalyEvent](TopicAnomalyDetected),
}

// Plugins groups plugin lifecycle topic descriptors.
var Plugins = struct {
	Lifecycle TopicDef[PluginLifecycleEvent]
}{
	Lifecycle: NewTopicDef[PluginLifecycleEvent](TopicPluginsLifecycle),
}

// NetPolicy groups network-policy topic descriptors.
var NetPolicy = struct {
	Verdict TopicDef[VerdictEvent]
}{
	Verdict: NewTopicDef[VerdictEvent](TopicNetPolicyVerdict),
}

// RateLimits groups rate-limiter topic descriptors.
var RateLimits = struct {
	Exceeded TopicDef[RateLimitEvent]
}{
	Exceeded: NewTopicDef[RateLimitEvent](TopicRateLimitExceeded),
}

// Resources groups resource-monitor topic descriptors.
var Resources = struct {
	Sample   TopicDef[ResourceSampleEvent]
	Pressure TopicDef[ResourcePressureEvent]
}{
	Sample:   NewTopicDef[ResourceSampleEvent](TopicResourcesSample),
	Pressure: NewTopicDef[ResourcePressureEvent](TopicResourcesPressure),
}
