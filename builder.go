package cidmap

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	cmerrors "github.com/tamirms/cidmap/errors"
)

const (
	// contextCheckInterval is how often to check for context cancellation during Add and merge.
	contextCheckInterval = 10000

	// initialBufferRecords is the buffer's starting size; it doubles up to
	// the memory budget.
	initialBufferRecords = 4096
)

// Builder compiles (source, target) pairs into a sorted binary index.
//
// Input may arrive in any order and may exceed available memory: records
// are buffered up to the memory budget, spilled as sorted runs, and merged
// once in Finish.
//
// Usage:
//
//	builder, err := cidmap.NewBuilder(ctx, "preferred.idx", cidmap.KindPreferred)
//	if err != nil { return err }
//	defer builder.Close() // Clean up on error
//
//	for src, dst := range pairs {
//	    if err := builder.Add(src, dst); err != nil { return err }
//	}
//	stats, err := builder.Finish()
type Builder struct {
	ctx        context.Context
	cfg        *buildConfig
	kind       IndexKind
	output     string
	buf        []record
	bufLimit   int // records held before a run is spilled
	spill      *spillFile
	added      uint64
	keyCounter int
	closed     bool
}

// BuildStats summarizes a finished build.
type BuildStats struct {
	Added        uint64 // pairs passed to Add
	Records      uint64 // records written to the index
	Duplicates   uint64 // repeated source IDs collapsed by the duplicate policy
	SelfMappings uint64 // id -> id pairs dropped from relation kinds
	Runs         int    // sorted runs spilled to disk
}

// NewBuilder creates a builder writing an index of the given kind to output.
// The output file is only created by Finish.
func NewBuilder(ctx context.Context, output string, kind IndexKind, opts ...BuildOption) (*Builder, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %d", cmerrors.ErrUnknownKind, kind)
	}

	cfg := defaultBuildConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	limit := cfg.memoryBudget / recordWidth
	return &Builder{
		ctx:      ctx,
		cfg:      cfg,
		kind:     kind,
		output:   output,
		buf:      make([]record, 0, min(initialBufferRecords, limit)),
		bufLimit: limit,
	}, nil
}

// Add buffers one pair. Pairs may arrive in any order.
func (b *Builder) Add(source, target ID) error {
	if b.closed {
		return cmerrors.ErrBuilderClosed
	}

	b.keyCounter++
	if b.keyCounter >= contextCheckInterval {
		b.keyCounter = 0
		select {
		case <-b.ctx.Done():
			return b.ctx.Err()
		default:
		}
	}

	if len(b.buf) == cap(b.buf) {
		if cap(b.buf) >= b.bufLimit {
			if err := b.spillRun(); err != nil {
				return err
			}
		} else {
			b.growBuffer()
		}
	}
	b.buf = append(b.buf, record{id: uint64(source), target: uint64(target)})
	b.added++
	return nil
}

// growBuffer doubles the buffer, never past the budget.
func (b *Builder) growBuffer() {
	grown := make([]record, len(b.buf), min(2*cap(b.buf), b.bufLimit))
	copy(grown, b.buf)
	b.buf = grown
}

// spillRun sorts the buffer and writes it to the spill file.
func (b *Builder) spillRun() error {
	if b.spill == nil {
		s, err := newSpillFile(b.cfg.tempDir)
		if err != nil {
			return err
		}
		b.spill = s
	}
	sortRecords(b.buf)
	if err := b.spill.writeRun(b.buf); err != nil {
		return err
	}
	b.buf = b.buf[:0]
	return nil
}

// sortRecords orders by id. Stable, so later duplicates stay later.
func sortRecords(recs []record) {
	slices.SortStableFunc(recs, func(a, c record) int {
		return cmp.Compare(a.id, c.id)
	})
}

// Finish merges all buffered and spilled records and writes the index.
// After calling Finish, the builder cannot be used again.
func (b *Builder) Finish() (BuildStats, error) {
	if b.closed {
		return BuildStats{}, cmerrors.ErrBuilderClosed
	}
	b.closed = true

	stats := BuildStats{Added: b.added}
	sortRecords(b.buf)

	iw, err := newIndexWriter(b.output, b.kind, b.cfg.duplicates, b.added)
	if err != nil {
		return stats, errors.Join(err, b.cleanupSpill())
	}

	d := &dedupe{kind: b.kind, policy: b.cfg.duplicates, iw: iw, stats: &stats}
	counter := 0
	emit := func(r record) error {
		counter++
		if counter >= contextCheckInterval {
			counter = 0
			select {
			case <-b.ctx.Done():
				return b.ctx.Err()
			default:
			}
		}
		return d.add(r)
	}

	if b.spill != nil {
		stats.Runs = len(b.spill.runs)
		err = b.spill.prepareForRead()
		if err == nil {
			err = b.spill.merge(b.buf, emit)
		}
	} else {
		for _, r := range b.buf {
			if err = emit(r); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = d.flush()
	}
	b.buf = nil
	if err != nil {
		return stats, errors.Join(err, iw.close(), os.Remove(b.output), b.cleanupSpill())
	}

	if err := b.cleanupSpill(); err != nil {
		return stats, errors.Join(err, iw.close(), os.Remove(b.output))
	}
	if err := iw.finalize(); err != nil {
		return stats, errors.Join(err, os.Remove(b.output))
	}
	return stats, nil
}

// Close aborts the build and releases spill resources.
// Safe to call after Finish.
func (b *Builder) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.buf = nil
	return b.cleanupSpill()
}

func (b *Builder) cleanupSpill() error {
	if b.spill == nil {
		return nil
	}
	err := b.spill.cleanup()
	b.spill = nil
	return err
}

// dedupe collapses runs of equal ids according to the duplicate policy
// and drops self mappings from relation kinds.
type dedupe struct {
	kind    IndexKind
	policy  DuplicatePolicy
	iw      *indexWriter
	stats   *BuildStats
	pending record
	has     bool
}

func (d *dedupe) add(r record) error {
	if d.has && d.pending.id == r.id {
		d.stats.Duplicates++
		if d.policy == DuplicateReject {
			return fmt.Errorf("%w: %d", cmerrors.ErrDuplicateSource, r.id)
		}
		// Records arrive oldest first, so the newest overwrites.
		d.pending = r
		return nil
	}
	if err := d.flush(); err != nil {
		return err
	}
	d.pending = r
	d.has = true
	return nil
}

func (d *dedupe) flush() error {
	if !d.has {
		return nil
	}
	d.has = false
	if d.kind.relation() && d.pending.id == d.pending.target {
		d.stats.SelfMappings++
		return nil
	}
	if err := d.iw.writeRecord(d.pending); err != nil {
		return err
	}
	d.stats.Records++
	return nil
}
