package pipeline

import (
	"github.com/tamirms/cidmap/resolve"
)

// Stats counts what a run did. Decision counters reflect resolution; Written
// counts records actually committed, which is lower when a key is replaced
// more than once within a batch.
type Stats struct {
	Processed uint64
	Added     uint64
	Replaced  uint64
	Skipped   uint64
	Malformed uint64
	Conflicts uint64
	// Redirected counts candidates whose ID is not canonical.
	Redirected        uint64
	KeyHintMismatches uint64
	Written           uint64
	Batches           uint64
	MemoryWarnings    uint64
	CacheClears       uint64
}

func (s *Stats) count(out resolve.Outcome) {
	s.Processed++
	switch out.Decision {
	case resolve.Insert:
		s.Added++
	case resolve.Replace:
		s.Replaced++
	case resolve.Skip:
		s.Skipped++
	}
	if out.Conflict {
		s.Conflicts++
	}
	if !out.Status.Canonical() {
		s.Redirected++
	}
	if out.KeyHintMismatch {
		s.KeyHintMismatches++
	}
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Processed += o.Processed
	s.Added += o.Added
	s.Replaced += o.Replaced
	s.Skipped += o.Skipped
	s.Malformed += o.Malformed
	s.Conflicts += o.Conflicts
	s.Redirected += o.Redirected
	s.KeyHintMismatches += o.KeyHintMismatches
	s.Written += o.Written
	s.Batches += o.Batches
	s.MemoryWarnings += o.MemoryWarnings
	s.CacheClears += o.CacheClears
}
