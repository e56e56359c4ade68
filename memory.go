package cidmap

// MemorySample is one reading of process memory.
type MemorySample struct {
	RSSBytes   uint64 // resident set size of this process
	TotalBytes uint64 // physical memory of the machine
}

// Percent returns RSS as a percentage of total memory.
func (s MemorySample) Percent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.RSSBytes) / float64(s.TotalBytes) * 100
}

// MemorySampler reports current process memory usage.
// Tests supply scripted implementations.
type MemorySampler interface {
	Sample() (MemorySample, error)
}

// MemorySamplerFunc adapts a function to MemorySampler.
type MemorySamplerFunc func() (MemorySample, error)

// Sample calls f.
func (f MemorySamplerFunc) Sample() (MemorySample, error) {
	return f()
}

// ProcessSampler samples the memory of the running process.
type ProcessSampler struct{}

// NewProcessSampler returns a sampler for the running process.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{}
}
