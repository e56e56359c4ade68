// Package pipeline streams candidates through the resolution engine and
// commits survivors to the store in batches, checking memory between
// batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tamirms/cidmap"
	cmerrors "github.com/tamirms/cidmap/errors"
	"github.com/tamirms/cidmap/resolve"
	"github.com/tamirms/cidmap/store"
)

const (
	defaultBatchSize     = 1000
	defaultProgressEvery = 10000
)

// Store is the persistence surface the pipeline needs.
// *store.BadgerStore satisfies it.
type Store interface {
	Put(ctx context.Context, r store.ResolvedRecord) error
	Get(ctx context.Context, key cidmap.StructuralKey) (store.ResolvedRecord, bool, error)
}

// CacheController is the memory-management surface of the mapper.
// *cidmap.Mapper satisfies it.
type CacheController interface {
	MemoryPressureCheck() (bool, cidmap.MemorySample, error)
	ClearCaches()
	Threshold() float64
}

// StoreIncumbents adapts st for resolve.WithIncumbents so keys persisted
// by earlier runs compete with new candidates.
func StoreIncumbents(ctx context.Context, st Store) resolve.IncumbentFunc {
	return func(key cidmap.StructuralKey) (cidmap.ID, bool, error) {
		rec, ok, err := st.Get(ctx, key)
		if err != nil || !ok {
			return 0, false, err
		}
		return rec.SurvivorID, true, nil
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBatchSize sets how many candidates are processed between commits.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithProgressEvery sets the progress log cadence in processed candidates.
// Zero disables progress logging.
func WithProgressEvery(n uint64) Option {
	return func(p *Pipeline) {
		p.progressEvery = n
	}
}

// WithClearEvery clears mapper caches every n committed batches regardless
// of memory pressure. Zero disables it.
func WithClearEvery(n uint64) Option {
	return func(p *Pipeline) {
		p.clearEvery = n
	}
}

// WithLogger sets the logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics exports counters through m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithScopePerRun resets the engine scope at the start of every Run. Keys
// from earlier runs are then seen only through the store.
func WithScopePerRun(reset bool) Option {
	return func(p *Pipeline) {
		p.scopePerRun = reset
	}
}

// Pipeline is single-threaded: one Run at a time.
type Pipeline struct {
	engine *resolve.Engine
	caches CacheController
	store  Store

	batchSize     int
	progressEvery uint64
	clearEvery    uint64
	scopePerRun   bool
	logger        *slog.Logger
	metrics       *Metrics

	batchSeq      uint64
	samplerWarned bool
	lastSample    cidmap.MemorySample
	totals        Stats
}

// New returns a pipeline feeding engine and committing to st.
func New(engine *resolve.Engine, caches CacheController, st Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:        engine,
		caches:        caches,
		store:         st,
		batchSize:     defaultBatchSize,
		progressEvery: defaultProgressEvery,
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Totals returns counters accumulated over every Run.
func (p *Pipeline) Totals() Stats {
	return p.totals
}

// batch holds survivors staged since the last commit, one per key, in
// first-staged order. prior keeps each key's survivor from before the
// batch so an uncommitted batch can be taken back out of the engine.
type batch struct {
	order []cidmap.StructuralKey
	recs  map[cidmap.StructuralKey]store.ResolvedRecord
	prior map[cidmap.StructuralKey]priorSurvivor
	seen  int
}

type priorSurvivor struct {
	id cidmap.ID
	ok bool
}

func newBatch(size int) *batch {
	return &batch{
		order: make([]cidmap.StructuralKey, 0, size),
		recs:  make(map[cidmap.StructuralKey]store.ResolvedRecord, size),
		prior: make(map[cidmap.StructuralKey]priorSurvivor, size),
	}
}

func (b *batch) stage(c resolve.Candidate, out resolve.Outcome) {
	if _, ok := b.recs[c.Key]; !ok {
		b.order = append(b.order, c.Key)
		b.prior[c.Key] = priorSurvivor{id: out.Displaced, ok: out.Decision == resolve.Replace}
	}
	b.recs[c.Key] = store.ResolvedRecord{Key: c.Key, SurvivorID: c.ID, Payload: c.Payload}
}

func (b *batch) reset() {
	b.order = b.order[:0]
	clear(b.recs)
	clear(b.prior)
	b.seen = 0
}

// Run drains src. A store failure aborts the run with a
// *errors.StoreWriteError; records committed before it stay committed.
// Decisions from the uncommitted batch are reverted in the engine, so the
// same input can be run again.
func (p *Pipeline) Run(ctx context.Context, src Source) (stats Stats, err error) {
	start := time.Now()
	if p.scopePerRun {
		p.engine.Reset()
	}
	b := newBatch(p.batchSize)
	defer func() {
		if err != nil {
			p.rollback(b)
		}
		p.totals.Add(stats)
		p.logSummary(stats, err, time.Since(start))
	}()

	for {
		c, nerr := src.Next(ctx)
		if errors.Is(nerr, io.EOF) {
			break
		}
		if errors.Is(nerr, cmerrors.ErrMalformedRecord) {
			stats.Malformed++
			p.metrics.malformedRecord()
			p.logger.Debug("skipping malformed record", "event", "malformed", "error", nerr)
			continue
		}
		if nerr != nil {
			return stats, nerr
		}

		out, rerr := p.engine.Resolve(c)
		if rerr != nil {
			return stats, fmt.Errorf("resolve cid %d: %w", c.ID, rerr)
		}
		stats.count(out)
		p.metrics.observe(out)
		if out.Decision == resolve.Insert || out.Decision == resolve.Replace {
			b.stage(c, out)
		}
		b.seen++

		if p.progressEvery > 0 && stats.Processed%p.progressEvery == 0 {
			p.logProgress(stats)
		}
		if b.seen >= p.batchSize {
			if err := p.commit(ctx, b, &stats); err != nil {
				return stats, err
			}
		}
	}

	if b.seen > 0 || len(b.order) > 0 {
		if err := p.commit(ctx, b, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (p *Pipeline) commit(ctx context.Context, b *batch, stats *Stats) error {
	p.batchSeq++
	for _, key := range b.order {
		if err := p.store.Put(ctx, b.recs[key]); err != nil {
			return &cmerrors.StoreWriteError{Key: string(key), Batch: p.batchSeq, Err: err}
		}
		stats.Written++
	}
	stats.Batches++
	p.metrics.batchCommitted()
	b.reset()
	p.afterBatch(stats)
	return nil
}

// rollback returns every key staged in b to its survivor from before the
// batch.
func (p *Pipeline) rollback(b *batch) {
	for _, key := range b.order {
		prior := b.prior[key]
		if !prior.ok {
			p.engine.Forget(key)
			continue
		}
		if err := p.engine.Restore(key, prior.id); err != nil {
			p.logger.Warn("dropping key from scope", "event", "rollback", "key", string(key), "error", err)
			p.engine.Forget(key)
		}
	}
	if len(b.order) > 0 {
		p.logger.Info("reverted uncommitted batch", "event", "rollback", "keys", len(b.order))
	}
	b.reset()
}

// afterBatch runs the memory check and the periodic cache clear.
func (p *Pipeline) afterBatch(stats *Stats) {
	tripped, sample, err := p.caches.MemoryPressureCheck()
	switch {
	case err != nil:
		if !p.samplerWarned {
			p.samplerWarned = true
			p.logger.Warn("memory sampling unavailable", "event", "memory", "error", err)
		}
	default:
		p.lastSample = sample
		p.metrics.memory(sample.Percent())
	}

	if tripped {
		p.caches.ClearCaches()
		stats.MemoryWarnings++
		stats.CacheClears++
		p.metrics.cacheCleared("pressure")
		p.logger.Warn("memory above threshold, cleared caches",
			"event", "memory",
			"rss", humanize.IBytes(sample.RSSBytes),
			"percent", fmt.Sprintf("%.1f", sample.Percent()),
			"threshold", p.caches.Threshold(),
			"batch", p.batchSeq,
		)
		return
	}

	if p.clearEvery > 0 && stats.Batches%p.clearEvery == 0 {
		p.caches.ClearCaches()
		stats.CacheClears++
		p.metrics.cacheCleared("cadence")
		p.logger.Debug("cleared caches", "event", "memory", "batch", p.batchSeq)
	}
}

func (p *Pipeline) logProgress(stats Stats) {
	attrs := []any{
		"event", "progress",
		"processed", stats.Processed,
		"added", stats.Added,
		"replaced", stats.Replaced,
		"skipped", stats.Skipped,
		"conflicts", stats.Conflicts,
		"keys", p.engine.Len(),
	}
	if p.lastSample.TotalBytes > 0 {
		attrs = append(attrs,
			"rss", humanize.IBytes(p.lastSample.RSSBytes),
			"memory_percent", fmt.Sprintf("%.1f", p.lastSample.Percent()),
		)
	}
	p.logger.Info("ingestion progress", attrs...)
}

// logSummary runs on every exit path so conflict counts are reported even
// when the run fails part-way.
func (p *Pipeline) logSummary(stats Stats, err error, elapsed time.Duration) {
	log := p.engine.Conflicts()
	p.logger.Info("conflict summary",
		"event", "conflict-summary",
		"conflicts", log.Total(),
		"keys", log.Keys(),
		"untracked_keys", log.Untracked(),
		"losers", log.LoserCount(),
	)

	attrs := []any{
		"event", "done",
		"processed", humanize.Comma(int64(stats.Processed)),
		"added", stats.Added,
		"replaced", stats.Replaced,
		"skipped", stats.Skipped,
		"malformed", stats.Malformed,
		"redirected", stats.Redirected,
		"keyhint_mismatches", stats.KeyHintMismatches,
		"written", stats.Written,
		"batches", stats.Batches,
		"cache_clears", stats.CacheClears,
		"elapsed", elapsed.Round(time.Millisecond),
	}
	if err != nil {
		p.logger.Error("ingestion failed", append(attrs, "error", err)...)
		return
	}
	p.logger.Info("ingestion complete", attrs...)
}
