package cidmap

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// pair is one (source, target) mapping for test builds.
type pair struct {
	src, dst ID
}

// buildIndexFile builds an index of kind from pairs in dir and returns its path.
func buildIndexFile(t *testing.T, dir string, kind IndexKind, pairs []pair, opts ...BuildOption) (string, BuildStats) {
	t.Helper()
	path := filepath.Join(dir, kind.FileName())
	b, err := NewBuilder(context.Background(), path, kind, opts...)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	for _, p := range pairs {
		if err := b.Add(p.src, p.dst); err != nil {
			t.Fatalf("Add(%d, %d): %v", p.src, p.dst, err)
		}
	}
	stats, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return path, stats
}

func openTestIndex(t *testing.T, path string) *Index {
	t.Helper()
	idx, err := OpenIndex(path)
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

// randomPairs returns n pairs over a small ID space so that roughly dupRate
// of them repeat an earlier source. Self mappings are avoided.
func randomPairs(rng *rand.Rand, n int, dupRate float64) []pair {
	pairs := make([]pair, 0, n)
	for i := range n {
		var src ID
		if i > 0 && rng.Float64() < dupRate {
			src = pairs[rng.IntN(i)].src
		} else {
			src = ID(rng.Uint64N(1<<40) + 1)
		}
		dst := ID(rng.Uint64N(1<<40) + 1)
		if dst == src {
			dst++
		}
		pairs = append(pairs, pair{src, dst})
	}
	return pairs
}

// lastWins reduces pairs to the expected last-wins mapping.
func lastWins(pairs []pair) map[ID]ID {
	m := make(map[ID]ID, len(pairs))
	for _, p := range pairs {
		m[p.src] = p.dst
	}
	return m
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// fixedSampler reports the given percentages in order, then repeats the last.
func fixedSampler(percents ...uint64) MemorySampler {
	i := 0
	return MemorySamplerFunc(func() (MemorySample, error) {
		p := percents[min(i, len(percents)-1)]
		i++
		return MemorySample{RSSBytes: p, TotalBytes: 100}, nil
	})
}
