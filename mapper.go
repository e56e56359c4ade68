package cidmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	cmerrors "github.com/tamirms/cidmap/errors"
)

const (
	defaultCacheCapacity   = 10000
	defaultMemoryThreshold = 80.0
)

// MapperOption is a functional option for configuring a Mapper.
type MapperOption func(*mapperConfig)

type mapperConfig struct {
	cacheCapacity int
	sampler       MemorySampler
	threshold     float64
}

// WithCacheCapacity sets the LRU entry count per index kind.
func WithCacheCapacity(n int) MapperOption {
	return func(c *mapperConfig) {
		c.cacheCapacity = n
	}
}

// WithMemorySampler sets the sampler used by MemoryPressureCheck.
// Default is NewProcessSampler().
func WithMemorySampler(s MemorySampler) MapperOption {
	return func(c *mapperConfig) {
		c.sampler = s
	}
}

// WithMemoryThreshold sets the resident-memory percentage above which
// MemoryPressureCheck trips.
func WithMemoryThreshold(percent float64) MapperOption {
	return func(c *mapperConfig) {
		c.threshold = percent
	}
}

// cacheEntry caches hits and misses alike so absent IDs do not repeat the
// binary search.
type cacheEntry struct {
	target ID
	found  bool
}

type kindState struct {
	index  *Index
	cache  *lru.Cache[ID, cacheEntry]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// Mapper serves lookups against the preferred, parent and (optionally)
// keyhint indexes, each fronted by its own LRU cache.
//
// The Mapper is meant to have a single mutator; counters are atomic so
// Stats may be read from another goroutine.
type Mapper struct {
	kinds     map[IndexKind]*kindState
	capacity  int
	sampler   MemorySampler
	threshold float64
	clears    atomic.Uint64
}

// CacheStats reports one kind's cache.
type CacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// MapperStats is a point-in-time view of the Mapper's caches.
type MapperStats struct {
	Caches map[IndexKind]CacheStats
	Clears uint64
}

// OpenMapper opens every index kind found in dir. Preferred and parent are
// required; keyhint is loaded when present.
// Failures are reported as *errors.IndexLoadError.
func OpenMapper(dir string, opts ...MapperOption) (*Mapper, error) {
	var indexes []*Index
	closeAll := func() error {
		var errs []error
		for _, idx := range indexes {
			errs = append(errs, idx.Close())
		}
		return errors.Join(errs...)
	}

	for _, kind := range Kinds {
		path := filepath.Join(dir, kind.FileName())
		if !kind.Required() {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				continue
			}
		}
		idx, err := OpenIndex(path)
		if err != nil {
			return nil, errors.Join(err, closeAll())
		}
		if idx.Kind() != kind {
			primaryErr := &cmerrors.IndexLoadError{
				Path: path,
				Err:  fmt.Errorf("%w: want %s, got %s", cmerrors.ErrKindMismatch, kind, idx.Kind()),
			}
			return nil, errors.Join(primaryErr, idx.Close(), closeAll())
		}
		indexes = append(indexes, idx)
	}

	m, err := NewMapper(indexes, opts...)
	if err != nil {
		return nil, errors.Join(err, closeAll())
	}
	return m, nil
}

// NewMapper wraps already-open indexes. The Mapper takes ownership and
// closes them on Close.
func NewMapper(indexes []*Index, opts ...MapperOption) (*Mapper, error) {
	cfg := &mapperConfig{
		cacheCapacity: defaultCacheCapacity,
		threshold:     defaultMemoryThreshold,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.cacheCapacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", cfg.cacheCapacity)
	}
	if cfg.sampler == nil {
		cfg.sampler = NewProcessSampler()
	}

	m := &Mapper{
		kinds:     make(map[IndexKind]*kindState, len(indexes)),
		capacity:  cfg.cacheCapacity,
		sampler:   cfg.sampler,
		threshold: cfg.threshold,
	}
	for _, idx := range indexes {
		cache, err := lru.New[ID, cacheEntry](cfg.cacheCapacity)
		if err != nil {
			return nil, fmt.Errorf("create %s cache: %w", idx.Kind(), err)
		}
		m.kinds[idx.Kind()] = &kindState{index: idx, cache: cache}
	}
	return m, nil
}

func (m *Mapper) state(kind IndexKind) (*kindState, error) {
	ks, ok := m.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cmerrors.ErrIndexMissing, kind)
	}
	return ks, nil
}

// Has reports whether kind is loaded.
func (m *Mapper) Has(kind IndexKind) bool {
	_, ok := m.kinds[kind]
	return ok
}

// Lookup binary-searches the index for id without touching the cache.
func (m *Mapper) Lookup(kind IndexKind, id ID) (ID, bool, error) {
	ks, err := m.state(kind)
	if err != nil {
		return 0, false, err
	}
	return ks.index.Lookup(id)
}

// Probe is the cached form of Lookup. Misses are cached too.
func (m *Mapper) Probe(kind IndexKind, id ID) (ID, bool, error) {
	ks, err := m.state(kind)
	if err != nil {
		return 0, false, err
	}
	if e, ok := ks.cache.Get(id); ok {
		ks.hits.Add(1)
		return e.target, e.found, nil
	}
	ks.misses.Add(1)

	target, found, err := ks.index.Lookup(id)
	if err != nil {
		return 0, false, err
	}
	ks.cache.Add(id, cacheEntry{target: target, found: found})
	return target, found, nil
}

// LookupCached returns the mapped ID, or id itself when the index has no
// entry for it.
func (m *Mapper) LookupCached(kind IndexKind, id ID) (ID, error) {
	target, found, err := m.Probe(kind, id)
	if err != nil {
		return 0, err
	}
	if !found {
		return id, nil
	}
	return target, nil
}

// CanonicalID follows preferred then parent: parent(preferred(id)).
func (m *Mapper) CanonicalID(id ID) (ID, error) {
	preferred, err := m.LookupCached(KindPreferred, id)
	if err != nil {
		return 0, err
	}
	return m.LookupCached(KindParent, preferred)
}

// MemoryPressureCheck samples process memory and reports whether it
// exceeds the configured threshold.
func (m *Mapper) MemoryPressureCheck() (bool, MemorySample, error) {
	s, err := m.sampler.Sample()
	if err != nil {
		return false, s, err
	}
	return s.Percent() > m.threshold, s, nil
}

// Threshold returns the configured memory threshold in percent.
func (m *Mapper) Threshold() float64 {
	return m.threshold
}

// ClearCaches drops every cached entry. Index files stay open; caches
// repopulate lazily.
func (m *Mapper) ClearCaches() {
	for _, ks := range m.kinds {
		ks.cache.Purge()
	}
	m.clears.Add(1)
}

// Stats reports cache sizes and hit counters. No side effects.
func (m *Mapper) Stats() MapperStats {
	st := MapperStats{
		Caches: make(map[IndexKind]CacheStats, len(m.kinds)),
		Clears: m.clears.Load(),
	}
	for kind, ks := range m.kinds {
		st.Caches[kind] = CacheStats{
			Size:     ks.cache.Len(),
			Capacity: m.capacity,
			Hits:     ks.hits.Load(),
			Misses:   ks.misses.Load(),
		}
	}
	return st
}

// Close closes every index.
func (m *Mapper) Close() error {
	var errs []error
	for _, ks := range m.kinds {
		errs = append(errs, ks.index.Close())
	}
	return errors.Join(errs...)
}
