package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamirms/cidmap"
	cmerrors "github.com/tamirms/cidmap/errors"
	"github.com/tamirms/cidmap/internal/logging"
	"github.com/tamirms/cidmap/resolve"
	"github.com/tamirms/cidmap/store"
)

const aspirinKey cidmap.StructuralKey = "BSYNRYMUTXBXSQ-UHFFFAOYSA-N"

// testKey returns a distinct valid structural key for i.
func testKey(i int) cidmap.StructuralKey {
	var sb strings.Builder
	for n := i; sb.Len() < 14; n /= 26 {
		sb.WriteByte(byte('A' + n%26))
	}
	return cidmap.StructuralKey(sb.String() + "-UHFFFAOYSA-N")
}

// memStore is a map-backed Store that can fail on a chosen Put.
type memStore struct {
	mu     sync.Mutex
	recs   map[cidmap.StructuralKey]store.ResolvedRecord
	puts   int
	failAt int
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[cidmap.StructuralKey]store.ResolvedRecord)}
}

func (s *memStore) Put(_ context.Context, r store.ResolvedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failAt > 0 && s.puts == s.failAt {
		return errors.New("disk full")
	}
	s.recs[r.Key] = r
	return nil
}

func (s *memStore) Get(_ context.Context, key cidmap.StructuralKey) (store.ResolvedRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[key]
	return r, ok, nil
}

func buildIndex(t *testing.T, dir string, kind cidmap.IndexKind, m map[cidmap.ID]cidmap.ID) {
	t.Helper()
	b, err := cidmap.NewBuilder(context.Background(), filepath.Join(dir, kind.FileName()), kind)
	require.NoError(t, err)
	for src, dst := range m {
		require.NoError(t, b.Add(src, dst))
	}
	_, err = b.Finish()
	require.NoError(t, err)
}

func quietSampler() cidmap.MemorySampler {
	return cidmap.MemorySamplerFunc(func() (cidmap.MemorySample, error) {
		return cidmap.MemorySample{RSSBytes: 10, TotalBytes: 100}, nil
	})
}

// scriptedSampler returns the given percentages in order, then repeats
// the last one.
func scriptedSampler(percents ...uint64) cidmap.MemorySampler {
	i := 0
	return cidmap.MemorySamplerFunc(func() (cidmap.MemorySample, error) {
		p := percents[min(i, len(percents)-1)]
		i++
		return cidmap.MemorySample{RSSBytes: p, TotalBytes: 100}, nil
	})
}

// openMapper builds the reference tables used across tests:
// 22247451 prefers 962, 5000 has parent 4000.
func openMapper(t *testing.T, opts ...cidmap.MapperOption) *cidmap.Mapper {
	t.Helper()
	dir := t.TempDir()
	buildIndex(t, dir, cidmap.KindPreferred, map[cidmap.ID]cidmap.ID{22247451: 962})
	buildIndex(t, dir, cidmap.KindParent, map[cidmap.ID]cidmap.ID{5000: 4000})

	opts = append([]cidmap.MapperOption{cidmap.WithMemorySampler(quietSampler())}, opts...)
	m, err := cidmap.OpenMapper(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func candidate(id cidmap.ID, key cidmap.StructuralKey) resolve.Candidate {
	return resolve.Candidate{ID: id, Key: key, Payload: []byte(fmt.Sprintf(`{"cid":%d}`, id))}
}

func TestRunCanonicalSurvives(t *testing.T) {
	for _, order := range [][]cidmap.ID{{962, 22247451}, {22247451, 962}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			m := openMapper(t)
			st := newMemStore()
			p := New(resolve.NewEngine(m), m, st)

			stats, err := p.Run(context.Background(), NewSliceSource([]resolve.Candidate{
				candidate(order[0], aspirinKey),
				candidate(order[1], aspirinKey),
			}))
			require.NoError(t, err)

			assert.Equal(t, uint64(2), stats.Processed)
			assert.Equal(t, uint64(1), stats.Added)
			assert.Equal(t, uint64(1), stats.Conflicts)
			assert.Equal(t, uint64(1), stats.Redirected)
			assert.Equal(t, cidmap.ID(962), st.recs[aspirinKey].SurvivorID)
			assert.Equal(t, `{"cid":962}`, string(st.recs[aspirinKey].Payload))
		})
	}
}

func TestRunOrderIndependent(t *testing.T) {
	ids := []cidmap.ID{5000, 22247451, 777, 962}
	perms := [][]int{
		{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}, {3, 0, 1, 2},
	}
	for _, perm := range perms {
		m := openMapper(t)
		st := newMemStore()
		p := New(resolve.NewEngine(m), m, st, WithBatchSize(1))

		var items []resolve.Candidate
		for _, i := range perm {
			items = append(items, candidate(ids[i], aspirinKey))
		}
		_, err := p.Run(context.Background(), NewSliceSource(items))
		require.NoError(t, err)

		// 777 and 962 are canonical; the lower ID wins.
		assert.Equal(t, cidmap.ID(777), st.recs[aspirinKey].SurvivorID, "perm %v", perm)
	}
}

func TestRunClearsCachesOnPressure(t *testing.T) {
	m := openMapper(t,
		cidmap.WithMemorySampler(scriptedSampler(70, 80)),
		cidmap.WithMemoryThreshold(75),
	)
	st := newMemStore()
	p := New(resolve.NewEngine(m), m, st, WithBatchSize(2))

	items := []resolve.Candidate{
		candidate(1, testKey(1)),
		candidate(2, testKey(2)),
		candidate(3, testKey(3)),
		candidate(4, testKey(4)),
	}
	stats, err := p.Run(context.Background(), NewSliceSource(items))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), stats.Batches)
	assert.Equal(t, uint64(1), stats.MemoryWarnings)
	assert.Equal(t, uint64(1), stats.CacheClears)
	assert.Equal(t, uint64(1), m.Stats().Clears)
	for kind, cs := range m.Stats().Caches {
		assert.Zero(t, cs.Size, kind.String())
	}

	got, err := m.LookupCached(cidmap.KindPreferred, 22247451)
	require.NoError(t, err)
	assert.Equal(t, cidmap.ID(962), got)
}

func TestRunClearEvery(t *testing.T) {
	m := openMapper(t)
	p := New(resolve.NewEngine(m), m, newMemStore(), WithBatchSize(1), WithClearEvery(2))

	var items []resolve.Candidate
	for i := range 4 {
		items = append(items, candidate(cidmap.ID(i+1), testKey(i)))
	}
	stats, err := p.Run(context.Background(), NewSliceSource(items))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Batches)
	assert.Equal(t, uint64(2), stats.CacheClears)
	assert.Zero(t, stats.MemoryWarnings)
}

func TestRunStoreFailure(t *testing.T) {
	m := openMapper(t)
	st := newMemStore()
	st.failAt = 3

	var logs bytes.Buffer
	logger, err := logging.New("info", logging.FormatJSON, &logs)
	require.NoError(t, err)
	p := New(resolve.NewEngine(m), m, st, WithBatchSize(2), WithLogger(logger))

	var items []resolve.Candidate
	for i := range 4 {
		items = append(items, candidate(cidmap.ID(i+1), testKey(i)))
	}
	_, err = p.Run(context.Background(), NewSliceSource(items))
	require.Error(t, err)

	var werr *cmerrors.StoreWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, string(testKey(2)), werr.Key)
	assert.Equal(t, uint64(2), werr.Batch)

	// The first batch stays committed.
	assert.Len(t, st.recs, 2)
	assert.Contains(t, logs.String(), `"event":"conflict-summary"`)
	assert.Contains(t, logs.String(), "ingestion failed")
}

func TestRunRetryAfterStoreFailure(t *testing.T) {
	m := openMapper(t)
	st := newMemStore()
	st.failAt = 3
	engine := resolve.NewEngine(m)
	p := New(engine, m, st, WithBatchSize(2))

	var items []resolve.Candidate
	for i := range 4 {
		items = append(items, candidate(cidmap.ID(i+1), testKey(i)))
	}
	_, err := p.Run(context.Background(), NewSliceSource(items))
	var werr *cmerrors.StoreWriteError
	require.ErrorAs(t, err, &werr)

	// The failed batch is no longer in scope; the committed one is.
	_, ok := engine.Survivor(testKey(2))
	assert.False(t, ok)
	_, ok = engine.Survivor(testKey(3))
	assert.False(t, ok)
	id, ok := engine.Survivor(testKey(0))
	assert.True(t, ok)
	assert.Equal(t, cidmap.ID(1), id)

	st.failAt = 0
	stats, err := p.Run(context.Background(), NewSliceSource(items))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Added)
	assert.Equal(t, uint64(2), stats.Skipped)
	require.Len(t, st.recs, 4)
	for i := range 4 {
		assert.Equal(t, cidmap.ID(i+1), st.recs[testKey(i)].SurvivorID)
	}
}

func TestRunRevertsUncommittedReplace(t *testing.T) {
	m := openMapper(t)
	st := newMemStore()
	st.failAt = 2
	engine := resolve.NewEngine(m)
	p := New(engine, m, st, WithBatchSize(1))

	items := []resolve.Candidate{candidate(5000, aspirinKey), candidate(962, aspirinKey)}
	_, err := p.Run(context.Background(), NewSliceSource(items))
	require.Error(t, err)

	id, ok := engine.Survivor(aspirinKey)
	require.True(t, ok)
	assert.Equal(t, cidmap.ID(5000), id)
	assert.Equal(t, cidmap.ID(5000), st.recs[aspirinKey].SurvivorID)

	st.failAt = 0
	stats, err := p.Run(context.Background(), NewSliceSource(items[1:]))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Replaced)
	assert.Equal(t, cidmap.ID(962), st.recs[aspirinKey].SurvivorID)
}

func TestRunCanceledRevertsBatch(t *testing.T) {
	m := openMapper(t)
	engine := resolve.NewEngine(m)
	p := New(engine, m, newMemStore(), WithBatchSize(10))

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancelAfter{items: []resolve.Candidate{candidate(1, testKey(1))}, cancel: cancel}
	_, err := p.Run(ctx, src)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, engine.Len())
}

// cancelAfter yields its items, then cancels ctx and reports the error.
type cancelAfter struct {
	items  []resolve.Candidate
	cancel context.CancelFunc
}

func (s *cancelAfter) Next(ctx context.Context) (resolve.Candidate, error) {
	if len(s.items) == 0 {
		s.cancel()
		return resolve.Candidate{}, ctx.Err()
	}
	c := s.items[0]
	s.items = s.items[1:]
	return c, nil
}

func TestRunSkipsMalformed(t *testing.T) {
	m := openMapper(t)
	st := newMemStore()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	p := New(resolve.NewEngine(m), m, st, WithMetrics(metrics))

	input := strings.Join([]string{
		`{"cid": 962, "inchikey": "BSYNRYMUTXBXSQ-UHFFFAOYSA-N", "payload": {"a": [1, 2]}}`,
		`{"cid": 963, "inchikey": "not-a-key", "payload": {}}`,
		`{"inchikey": "BSYNRYMUTXBXSQ-UHFFFAOYSA-N", "payload": {}}`,
		`{"cid": 964`,
		``,
		`{"cid": 965, "inchikey": "AAAAAAAAAAAAAA-UHFFFAOYSA-N"}`,
		`{"cid": 22247451, "inchikey": "BSYNRYMUTXBXSQ-UHFFFAOYSA-N", "payload": {"a": [3]}}`,
	}, "\n")

	stats, err := p.Run(context.Background(), NewJSONLSource(strings.NewReader(input)))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Malformed)
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(1), stats.Written)

	rec := st.recs[aspirinKey]
	assert.Equal(t, cidmap.ID(962), rec.SurvivorID)
	assert.Equal(t, `{"a":[1,2]}`, string(rec.Payload))

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.malformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.decisions.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.decisions.WithLabelValues("skip")))
}

func TestRunSkipsOversizedLine(t *testing.T) {
	m := openMapper(t)
	st := newMemStore()
	p := New(resolve.NewEngine(m), m, st)

	junk := `{"cid": 1, "payload": "` + strings.Repeat("x", maxCandidateLine) + `"}`
	input := strings.Join([]string{
		`{"cid": 962, "inchikey": "BSYNRYMUTXBXSQ-UHFFFAOYSA-N", "payload": {"a": [1]}}`,
		junk,
		`{"cid": 5000, "inchikey": "` + string(testKey(1)) + `", "payload": {"a": [2]}}`,
	}, "\n")

	stats, err := p.Run(context.Background(), NewJSONLSource(strings.NewReader(input)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(2), stats.Written)
	assert.Contains(t, st.recs, aspirinKey)
	assert.Contains(t, st.recs, testKey(1))
}

func TestJSONLSourceOversizedLine(t *testing.T) {
	input := strings.Repeat("x", maxCandidateLine+1) + "\n"
	src := NewJSONLSource(strings.NewReader(input))
	_, err := src.Next(context.Background())
	require.ErrorIs(t, err, cmerrors.ErrMalformedRecord)
	assert.ErrorIs(t, err, cmerrors.ErrLineTooLong)
	assert.Contains(t, err.Error(), "line 1")

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestRunResumesFromStore(t *testing.T) {
	ctx := context.Background()
	m := openMapper(t)
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine := resolve.NewEngine(m, resolve.WithIncumbents(StoreIncumbents(ctx, st)))
	p := New(engine, m, st, WithScopePerRun(true))

	first, err := p.Run(ctx, NewSliceSource([]resolve.Candidate{candidate(22247451, aspirinKey)}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Added)

	second, err := p.Run(ctx, NewSliceSource([]resolve.Candidate{
		candidate(962, aspirinKey),
		candidate(22247451, aspirinKey),
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), second.Replaced)
	assert.Equal(t, uint64(1), second.Skipped)
	assert.Zero(t, second.Added)

	rec, ok, err := st.Get(ctx, aspirinKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cidmap.ID(962), rec.SurvivorID)

	assert.Equal(t, uint64(3), p.Totals().Processed)
	assert.Equal(t, uint64(2), engine.Conflicts().Total())
}

func TestRunCanceled(t *testing.T) {
	m := openMapper(t)
	p := New(resolve.NewEngine(m), m, newMemStore())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, NewSliceSource([]resolve.Candidate{candidate(1, testKey(1))}))
	assert.ErrorIs(t, err, context.Canceled)
}
