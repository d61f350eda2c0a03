// Package behavior learns per-plugin activity baselines and flags
// deviations. The recorder accumulates raw counters as bridge calls are
// admitted; the detector periodically snapshots them into samples and
// compares each sample against the learned baseline.
package behavior

import (
	"sync"
	"time"
)

// Sample is one observation window of a plugin's activity.
type Sample struct {
	APICalls    map[string]int
	FilePaths   []string // in access order, for sequence analysis
	Endpoints   []string
	Permissions []string
	MemoryMB    float64
	CPUPercent  float64
	At          time.Time
}

type window struct {
	apiCalls    map[string]int
	filePaths   []string
	endpoints   map[string]bool
	permissions map[string]bool
	memoryMB    float64
	cpuPercent  float64
}

func newWindow() *window {
	return &window{
		apiCalls:    make(map[string]int),
		endpoints:   make(map[string]bool),
		permissions: make(map[string]bool),
	}
}

// Recorder collects activity counters per plugin. All methods are safe for
// concurrent use; recording never blocks on anything but the internal lock.
type Recorder struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewRecorder constructs an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *Recorder) windowFor(pluginID string) *window {
	w, ok := r.windows[pluginID]
	if !ok {
		w = newWindow()
		r.windows[pluginID] = w
	}
	return w
}

// RecordAPICall counts one invocation of api by pluginID.
func (r *Recorder) RecordAPICall(pluginID, api string) {
	r.mu.Lock()
	r.windowFor(pluginID).apiCalls[api]++
	r.mu.Unlock()
}

// RecordFileAccess appends path to the plugin's ordered access trace.
func (r *Recorder) RecordFileAccess(pluginID, path string) {
	r.mu.Lock()
	w := r.windowFor(pluginID)
	w.filePaths = append(w.filePaths, path)
	r.mu.Unlock()
}

// RecordEndpoint notes a network destination contacted by the plugin.
func (r *Recorder) RecordEndpoint(pluginID, endpoint string) {
	r.mu.Lock()
	r.windowFor(pluginID).endpoints[endpoint] = true
	r.mu.Unlock()
}

// RecordPermission notes a permission exercised by the plugin.
func (r *Recorder) RecordPermission(pluginID, permission string) {
	r.mu.Lock()
	r.windowFor(pluginID).permissions[permission] = true
	r.mu.Unlock()
}

// RecordUsage stores the most recent memory/CPU estimate for the plugin.
func (r *Recorder) RecordUsage(pluginID string, memoryMB, cpuPercent float64) {
	r.mu.Lock()
	w := r.windowFor(pluginID)
	w.memoryMB = memoryMB
	w.cpuPercent = cpuPercent
	r.mu.Unlock()
}

// Snapshot drains the plugin's current window into a Sample. The counters
// reset; the last memory/CPU reading carries over so gaps between usage
// reports do not read as zero.
func (r *Recorder) Snapshot(pluginID string) Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windowFor(pluginID)
	s := Sample{
		APICalls:   w.apiCalls,
		FilePaths:  w.filePaths,
		MemoryMB:   w.memoryMB,
		CPUPercent: w.cpuPercent,
		At:         r.now(),
	}
	for e := range w.endpoints {
		s.Endpoints = append(s.Endpoints, e)
	}
	for p := range w.permissions {
		s.Permissions = append(s.Permissions, p)
	}

	fresh := newWindow()
	fresh.memoryMB = w.memoryMB
	fresh.cpuPercent = w.cpuPercent
	r.windows[pluginID] = fresh
	return s
}

// Remove discards all recorded state for the plugin.
func (r *Recorder) Remove(pluginID string) {
	r.mu.Lock()
	delete(r.windows, pluginID)
	r.mu.Unlock()
}
