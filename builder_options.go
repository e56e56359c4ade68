package cidmap

import "log/slog"

const (
	defaultMemoryBudget = 64 << 20

	// minMemoryBudget keeps spill runs from degenerating into one file per record.
	minMemoryBudget = 64 * recordWidth
)

// DuplicatePolicy decides what happens when a source ID appears twice.
type DuplicatePolicy uint8

const (
	// DuplicateLastWins keeps the last-seen target for a repeated source ID.
	DuplicateLastWins DuplicatePolicy = iota
	// DuplicateReject fails the build on the first repeated source ID.
	DuplicateReject
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateLastWins:
		return "last-wins"
	case DuplicateReject:
		return "reject"
	default:
		return "unknown"
	}
}

// BuildOption is a functional option for configuring builds.
type BuildOption func(*buildConfig)

type buildConfig struct {
	memoryBudget int
	tempDir      string
	duplicates   DuplicatePolicy
	sampleLimit  uint64 // max lines read by BuildFromFile; 0 = all
	logger       *slog.Logger
}

func defaultBuildConfig() *buildConfig {
	return &buildConfig{
		memoryBudget: defaultMemoryBudget,
		duplicates:   DuplicateLastWins,
	}
}

// WithMemoryBudget caps the bytes of buffered records before a sorted run
// is spilled to disk.
func WithMemoryBudget(bytes int) BuildOption {
	return func(c *buildConfig) {
		c.memoryBudget = max(bytes, minMemoryBudget)
	}
}

// WithTempDir sets the directory for spill files.
// The directory must exist and be on a local filesystem.
func WithTempDir(dir string) BuildOption {
	return func(c *buildConfig) {
		c.tempDir = dir
	}
}

// WithDuplicatePolicy sets how repeated source IDs are handled.
// Default is DuplicateLastWins.
func WithDuplicatePolicy(p DuplicatePolicy) BuildOption {
	return func(c *buildConfig) {
		c.duplicates = p
	}
}

// WithSampleLimit caps the number of source lines BuildFromFile reads.
// Used for the sampled keyhint table.
func WithSampleLimit(lines uint64) BuildOption {
	return func(c *buildConfig) {
		c.sampleLimit = lines
	}
}

// WithLogger sets the logger for build progress.
func WithLogger(l *slog.Logger) BuildOption {
	return func(c *buildConfig) {
		c.logger = l
	}
}
