package behavior

import "math"

// Floors keep degenerate baselines from producing divide-by-zero blow-ups
// or spurious critical anomalies on near-constant metrics.
const (
	DefaultMinSamples = 10

	MemoryFloorMB   = 20.0
	CPUFloorPercent = 5.0

	MemoryStddevFloorMB   = 10.0
	CPUStddevFloorPercent = 5.0
)

// Baseline is the learned profile of a plugin's normal activity.
type Baseline struct {
	APICallPattern map[string]float64 // average calls per window
	FilePaths      map[string]bool
	Endpoints      map[string]bool
	Permissions    map[string]bool

	AverageMemoryMB   float64
	AverageCPUPercent float64
	MemoryStddevMB    float64
	CPUStddevPercent  float64

	SampleCount int
	Established bool
}

// defaultBaseline is used until enough samples accrue: conservative floors
// for the metrics and empty pattern sets.
func defaultBaseline() Baseline {
	return Baseline{
		APICallPattern:    map[string]float64{},
		FilePaths:         map[string]bool{},
		Endpoints:         map[string]bool{},
		Permissions:       map[string]bool{},
		AverageMemoryMB:   MemoryFloorMB,
		AverageCPUPercent: CPUFloorPercent,
		MemoryStddevMB:    MemoryStddevFloorMB,
		CPUStddevPercent:  CPUStddevFloorPercent,
	}
}

// profile holds the incremental statistics a baseline is derived from.
// Mean and variance use Welford's online update.
type profile struct {
	count int

	memMean float64
	memM2   float64
	cpuMean float64
	cpuM2   float64

	apiTotals   map[string]float64
	filePaths   map[string]bool
	endpoints   map[string]bool
	permissions map[string]bool
}

func newProfile() *profile {
	return &profile{
		apiTotals:   make(map[string]float64),
		filePaths:   make(map[string]bool),
		endpoints:   make(map[string]bool),
		permissions: make(map[string]bool),
	}
}

func (p *profile) fold(s Sample) {
	p.count++
	n := float64(p.count)

	d := s.MemoryMB - p.memMean
	p.memMean += d / n
	p.memM2 += d * (s.MemoryMB - p.memMean)

	d = s.CPUPercent - p.cpuMean
	p.cpuMean += d / n
	p.cpuM2 += d * (s.CPUPercent - p.cpuMean)

	for api, count := range s.APICalls {
		p.apiTotals[api] += float64(count)
	}
	for _, path := range s.FilePaths {
		p.filePaths[path] = true
	}
	for _, e := range s.Endpoints {
		p.endpoints[e] = true
	}
	for _, perm := range s.Permissions {
		p.permissions[perm] = true
	}
}

func (p *profile) stddev(m2 float64) float64 {
	if p.count < 2 {
		return 0
	}
	return math.Sqrt(m2 / float64(p.count-1))
}

// baseline materialises the profile with the metric floors applied.
func (p *profile) baseline(minSamples int) Baseline {
	b := Baseline{
		APICallPattern: make(map[string]float64, len(p.apiTotals)),
		FilePaths:      make(map[string]bool, len(p.filePaths)),
		Endpoints:      make(map[string]bool, len(p.endpoints)),
		Permissions:    make(map[string]bool, len(p.permissions)),
		SampleCount:    p.count,
		Established:    p.count >= minSamples,
	}
	if !b.Established {
		def := defaultBaseline()
		def.SampleCount = p.count
		return def
	}

	n := float64(p.count)
	for api, total := range p.apiTotals {
		b.APICallPattern[api] = total / n
	}
	for path := range p.filePaths {
		b.FilePaths[path] = true
	}
	for e := range p.endpoints {
		b.Endpoints[e] = true
	}
	for perm := range p.permissions {
		b.Permissions[perm] = true
	}

	b.AverageMemoryMB = math.Max(p.memMean, MemoryFloorMB)
	b.AverageCPUPercent = math.Max(p.cpuMean, CPUFloorPercent)
	b.MemoryStddevMB = math.Max(p.stddev(p.memM2), MemoryStddevFloorMB)
	b.CPUStddevPercent = math.Max(p.stddev(p.cpuM2), CPUStddevFloorPercent)
	return b
}
