package behavior

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectias/warden/internal/eventbus"
)

// Anomaly is one detected deviation from a plugin's baseline.
type Anomaly struct {
	Kind            eventbus.AnomalyKind
	Severity        eventbus.AnomalySeverity
	Metric          string
	Score           float64
	Detail          string
	Recommendations []string
}

// Detector compares behavior samples against learned per-plugin baselines.
// Detection is a read-and-fold over accumulated statistics; it never calls
// back into the sampled operation and publishes anomalies as a broadcast.
type Detector struct {
	mu       sync.Mutex
	profiles map[string]*profile

	minSamples int
	logger     *log.Logger
	bus        *eventbus.Bus
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithEventBus sets the bus anomalies are published on.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(d *Detector) { d.bus = bus }
}

// WithMinSamples overrides how many samples establish a baseline.
func WithMinSamples(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.minSamples = n
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDetector constructs a detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		profiles:   make(map[string]*profile),
		minSamples: DefaultMinSamples,
		logger:     log.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe analyses one sample against the plugin's current baseline, then
// folds the sample into the baseline statistics. Detected anomalies are
// returned and published on the bus.
func (d *Detector) Observe(pluginID string, s Sample) []Anomaly {
	d.mu.Lock()
	p, ok := d.profiles[pluginID]
	if !ok {
		p = newProfile()
		d.profiles[pluginID] = p
	}
	baseline := p.baseline(d.minSamples)
	p.fold(s)
	d.mu.Unlock()

	anomalies := analyze(s, baseline)
	for _, a := range anomalies {
		d.logger.Printf("[AnomalyDetector] %s anomaly for plugin %s (%s, score=%.2f): %s",
			a.Severity, pluginID, a.Kind, a.Score, a.Detail)
		eventbus.Publish(context.Background(), d.bus, eventbus.Anomalies.Detected, eventbus.SourceAnomalyDetector, eventbus.AnomalyEvent{
			ID:              uuid.NewString(),
			PluginID:        pluginID,
			Kind:            a.Kind,
			Severity:        a.Severity,
			Metric:          a.Metric,
			Score:           a.Score,
			Detail:          a.Detail,
			Recommendations: a.Recommendations,
			At:              d.now().UTC(),
		})
	}
	return anomalies
}

// BaselineFor returns a snapshot of the plugin's current effective baseline.
// Before enough samples accrue this is the conservative default.
func (d *Detector) BaselineFor(pluginID string) Baseline {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.profiles[pluginID]
	if !ok {
		return defaultBaseline()
	}
	return p.baseline(d.minSamples)
}

// Reset discards the plugin's learned baseline so it is re-established from
// scratch. Used on plugin update or explicit operator request.
func (d *Detector) Reset(pluginID string) {
	d.mu.Lock()
	delete(d.profiles, pluginID)
	d.mu.Unlock()
}

// Remove is Reset under its lifecycle name: called when the plugin unloads.
func (d *Detector) Remove(pluginID string) { d.Reset(pluginID) }

// analyze runs the detectors that apply. Statistical and pattern analysis
// need an established baseline; sequence matching applies from the first
// sample.
func analyze(s Sample, b Baseline) []Anomaly {
	var out []Anomaly
	if b.Established {
		out = append(out, statisticalAnomalies(s, b)...)
		out = append(out, patternAnomalies(s, b)...)
	}
	if a, ok := sequenceAnomaly(s); ok {
		out = append(out, a)
	}
	return out
}

// statisticalAnomalies flags memory/CPU readings whose Z-score against the
// baseline exceeds 2. Stddev floors keep constant metrics from dividing by
// zero.
func statisticalAnomalies(s Sample, b Baseline) []Anomaly {
	var out []Anomaly

	check := func(metric string, value, mean, stddev, floor float64, unit string) {
		sd := math.Max(stddev, floor)
		z := math.Abs(value-mean) / sd
		if z <= 2 {
			return
		}
		sev := severityForZ(z)
		out = append(out, Anomaly{
			Kind:     eventbus.AnomalyStatistical,
			Severity: sev,
			Metric:   metric,
			Score:    z,
			Detail: fmt.Sprintf("%s %.1f%s deviates from baseline %.1f%s (z=%.2f)",
				metric, value, unit, mean, unit, z),
			Recommendations: recommendationsFor(eventbus.AnomalyStatistical, sev),
		})
	}

	check("memory_mb", s.MemoryMB, b.AverageMemoryMB, b.MemoryStddevMB, MemoryStddevFloorMB, "MB")
	check("cpu_percent", s.CPUPercent, b.AverageCPUPercent, b.CPUStddevPercent, CPUStddevFloorPercent, "%")
	return out
}

func severityForZ(z float64) eventbus.AnomalySeverity {
	switch {
	case z > 4:
		return eventbus.SeverityCritical
	case z > 3:
		return eventbus.SeverityHigh
	case z > 2:
		return eventbus.SeverityMedium
	default:
		return eventbus.SeverityLow
	}
}

// patternAnomalies flags API calls and permissions absent from the baseline.
func patternAnomalies(s Sample, b Baseline) []Anomaly {
	var out []Anomaly

	if len(s.APICalls) > 0 {
		novel := 0
		var names []string
		for api := range s.APICalls {
			if _, known := b.APICallPattern[api]; !known {
				novel++
				names = append(names, api)
			}
		}
		ratio := float64(novel) / float64(len(s.APICalls))
		if ratio > 0.5 {
			out = append(out, Anomaly{
				Kind:     eventbus.AnomalyPattern,
				Severity: eventbus.SeverityHigh,
				Metric:   "api_calls",
				Score:    ratio,
				Detail: fmt.Sprintf("%d of %d invoked APIs absent from baseline: %s",
					novel, len(s.APICalls), strings.Join(names, ", ")),
				Recommendations: recommendationsFor(eventbus.AnomalyPattern, eventbus.SeverityHigh),
			})
		}
	}

	var newPerms []string
	for _, perm := range s.Permissions {
		if !b.Permissions[perm] {
			newPerms = append(newPerms, perm)
		}
	}
	if len(newPerms) > 0 {
		sev := eventbus.SeverityHigh
		if len(newPerms) > 3 {
			sev = eventbus.SeverityCritical
		}
		out = append(out, Anomaly{
			Kind:     eventbus.AnomalyPattern,
			Severity: sev,
			Metric:   "permissions",
			Score:    float64(len(newPerms)),
			Detail: fmt.Sprintf("permissions not in baseline: %s",
				strings.Join(newPerms, ", ")),
			Recommendations: recommendationsFor(eventbus.AnomalyPattern, sev),
		})
	}
	return out
}

// sequenceAnomaly flags the system-partition-then-data traversal pattern in
// the sample's ordered file accesses.
func sequenceAnomaly(s Sample) (Anomaly, bool) {
	seenSystem := false
	for _, path := range s.FilePaths {
		if strings.HasPrefix(path, "/system") {
			seenSystem = true
			continue
		}
		if seenSystem && strings.HasPrefix(path, "/data") {
			return Anomaly{
				Kind:            eventbus.AnomalySequence,
				Severity:        eventbus.SeverityCritical,
				Metric:          "file_access",
				Score:           1,
				Detail:          "file access sequence /system followed by /data",
				Recommendations: recommendationsFor(eventbus.AnomalySequence, eventbus.SeverityCritical),
			}, true
		}
	}
	return Anomaly{}, false
}

func recommendationsFor(kind eventbus.AnomalyKind, sev eventbus.AnomalySeverity) []string {
	var recs []string
	switch sev {
	case eventbus.SeverityCritical:
		recs = append(recs, "IMMEDIATE: suspend plugin and investigate")
	case eventbus.SeverityHigh:
		recs = append(recs, "HIGH: increase monitoring and restrict permissions")
	case eventbus.SeverityMedium:
		recs = append(recs, "MEDIUM: monitor closely and log all activities")
	}
	switch kind {
	case eventbus.AnomalyStatistical:
		recs = append(recs, "apply stricter resource limits")
	case eventbus.AnomalySequence:
		recs = append(recs, "review data access patterns")
	default:
		recs = append(recs, "investigate suspicious behavior")
	}
	return recs
}
