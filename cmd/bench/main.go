// Bench measures cidmap index build throughput, lookup latency (direct and
// through the mapper cache) and peak memory.
//
// Usage:
//
//	go run ./cmd/bench -records 10000000 -budget 64MiB
//
// Flags:
//
//	-records   Number of mapping records (default: 10,000,000)
//	-budget    Builder memory budget before spilling (default: 64MiB)
//	-dupes     Fraction of records repeating an earlier source ID (default: 0.01)
//	-cache     Mapper cache capacity (default: 10000)
//	-hot       Distinct IDs in the cached query working set (default: 5000)
package main

import (
	"context"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"runtime/metrics"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tamirms/cidmap"
)

// getMaxRSS returns the maximum resident set size in bytes.
// Uses getrusage(RUSAGE_SELF) which tracks peak RSS since process start.
func getMaxRSS() uint64 {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	// On macOS, MaxRss is in bytes. On Linux, it's in kilobytes.
	maxRSS := uint64(rusage.Maxrss)
	if runtime.GOOS == "linux" {
		maxRSS *= 1024
	}
	return maxRSS
}

// peakSampler polls heap and RSS every 10ms until stopped.
type peakSampler struct {
	heap atomic.Uint64
	rss  atomic.Uint64
	done chan struct{}
}

func startPeakSampler(baseHeap, baseRSS uint64) *peakSampler {
	p := &peakSampler{done: make(chan struct{})}
	p.heap.Store(baseHeap)
	p.rss.Store(baseRSS)
	go func() {
		// runtime/metrics avoids the stop-the-world of ReadMemStats.
		samples := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				metrics.Read(samples)
				storeMax(&p.heap, samples[0].Value.Uint64())
				storeMax(&p.rss, getMaxRSS())
			}
		}
	}()
	return p
}

func (p *peakSampler) stop() {
	close(p.done)
}

func storeMax(v *atomic.Uint64, n uint64) {
	for {
		old := v.Load()
		if n <= old || v.CompareAndSwap(old, n) {
			return
		}
	}
}

func main() {
	recordsFlag := flag.Int("records", 10_000_000, "number of mapping records")
	budgetFlag := flag.String("budget", "64MiB", "builder memory budget")
	dupesFlag := flag.Float64("dupes", 0.01, "fraction of records repeating a source id")
	cacheFlag := flag.Int("cache", 10000, "mapper cache capacity")
	hotFlag := flag.Int("hot", 5000, "distinct ids in the cached query working set")
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile to file (build phase only)")
	memprofile := flag.String("memprofile", "", "write memory profile to file (build phase only)")
	flag.Parse()

	numRecords := *recordsFlag
	budget, err := humanize.ParseBytes(*budgetFlag)
	if err != nil {
		fmt.Printf("Invalid budget %q: %v\n", *budgetFlag, err)
		return
	}

	// IDs are drawn from a space twice the record count so lookups hit
	// about half the time.
	fmt.Println("Generating records...")
	idSpace := uint64(numRecords) * 2
	sources := make([]cidmap.ID, numRecords)
	targets := make([]cidmap.ID, numRecords)
	for i := range sources {
		if i > 0 && mrand.Float64() < *dupesFlag {
			sources[i] = sources[mrand.IntN(i)]
		} else {
			sources[i] = cidmap.ID(mrand.Uint64N(idSpace) + 1)
		}
		targets[i] = cidmap.ID(mrand.Uint64N(idSpace) + 1)
	}

	tmpDir, err := os.MkdirTemp("", "cidmap-bench-")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		return
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	indexPath := filepath.Join(tmpDir, cidmap.KindPreferred.FileName())

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)
	baselineRSS := getMaxRSS()
	peaks := startPeakSampler(baseline.Alloc, baselineRSS)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Printf("could not create CPU profile: %v\n", err)
			return
		}
		defer func() { _ = f.Close() }()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Printf("could not start CPU profile: %v\n", err)
			return
		}
	}

	fmt.Println("Building index...")
	buildStart := time.Now()
	builder, err := cidmap.NewBuilder(context.Background(), indexPath, cidmap.KindPreferred,
		cidmap.WithMemoryBudget(int(budget)),
		cidmap.WithTempDir(tmpDir),
	)
	if err != nil {
		fmt.Printf("NewBuilder failed: %v\n", err)
		return
	}
	for i := range sources {
		if err := builder.Add(sources[i], targets[i]); err != nil {
			_ = builder.Close()
			fmt.Printf("Add failed: %v\n", err)
			return
		}
	}
	stats, err := builder.Finish()
	buildDuration := time.Since(buildStart)

	if *cpuprofile != "" {
		pprof.StopCPUProfile()
	}
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Printf("could not create memory profile: %v\n", err)
		} else {
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Printf("could not write memory profile: %v\n", err)
			}
			_ = f.Close()
		}
	}

	peaks.stop()
	var final runtime.MemStats
	runtime.ReadMemStats(&final)
	storeMax(&peaks.heap, final.Alloc)
	storeMax(&peaks.rss, getMaxRSS())
	peakHeapMem := peaks.heap.Load() - baseline.Alloc
	peakRSSMem := peaks.rss.Load() - baselineRSS

	if err != nil {
		fmt.Printf("Build failed: %v\n", err)
		return
	}

	idx, err := cidmap.OpenIndex(indexPath)
	if err != nil {
		fmt.Printf("Open failed: %v\n", err)
		return
	}
	verifyStart := time.Now()
	if err := idx.Verify(); err != nil {
		fmt.Printf("Verify failed: %v\n", err)
		return
	}
	verifyDuration := time.Since(verifyStart)

	mapper, err := cidmap.NewMapper([]*cidmap.Index{idx}, cidmap.WithCacheCapacity(*cacheFlag))
	if err != nil {
		_ = idx.Close()
		fmt.Printf("NewMapper failed: %v\n", err)
		return
	}
	defer func() { _ = mapper.Close() }()

	numQueries := 1_000_000
	queries := make([]cidmap.ID, numQueries)
	for i := range queries {
		queries[i] = cidmap.ID(mrand.Uint64N(idSpace) + 1)
	}
	hot := make([]cidmap.ID, max(*hotFlag, 1))
	for i := range hot {
		hot[i] = cidmap.ID(mrand.Uint64N(idSpace) + 1)
	}

	fmt.Println("Benchmarking direct lookups...")
	directStart := time.Now()
	for _, id := range queries {
		_, _, _ = mapper.Lookup(cidmap.KindPreferred, id)
	}
	directLatency := float64(time.Since(directStart).Nanoseconds()) / float64(numQueries)

	fmt.Println("Benchmarking cached lookups...")
	for _, id := range hot {
		_, _ = mapper.LookupCached(cidmap.KindPreferred, id)
	}
	cachedStart := time.Now()
	for i := range numQueries {
		_, _ = mapper.LookupCached(cidmap.KindPreferred, hot[i%len(hot)])
	}
	cachedLatency := float64(time.Since(cachedStart).Nanoseconds()) / float64(numQueries)
	cs := mapper.Stats().Caches[cidmap.KindPreferred]

	info, _ := os.Stat(indexPath)

	fmt.Printf("\n")
	fmt.Printf("╔═════════════════════╦════════════════════╗\n")
	fmt.Printf("║ Metric              ║ Value              ║\n")
	fmt.Printf("╠═════════════════════╬════════════════════╣\n")
	fmt.Printf("║ Records added       ║ %18d ║\n", stats.Added)
	fmt.Printf("║ Records written     ║ %18d ║\n", stats.Records)
	fmt.Printf("║ Duplicates          ║ %18d ║\n", stats.Duplicates)
	fmt.Printf("║ Spilled runs        ║ %18d ║\n", stats.Runs)
	fmt.Printf("║ Index size          ║ %18s ║\n", humanize.IBytes(uint64(info.Size())))
	fmt.Printf("║ Build time          ║ %14.2f sec ║\n", buildDuration.Seconds())
	fmt.Printf("║ Build throughput    ║ %12.2f M/sec ║\n", float64(numRecords)/buildDuration.Seconds()/1_000_000)
	fmt.Printf("║ Verify time         ║ %14.2f sec ║\n", verifyDuration.Seconds())
	fmt.Printf("║ Direct lookup       ║ %15.1f ns ║\n", directLatency)
	fmt.Printf("║ Cached lookup       ║ %15.1f ns ║\n", cachedLatency)
	fmt.Printf("║ Cache hits/misses   ║ %8d/%-9d ║\n", cs.Hits, cs.Misses)
	fmt.Printf("║ Peak heap memory    ║ %18s ║\n", humanize.IBytes(peakHeapMem))
	fmt.Printf("║ Peak RSS memory     ║ %18s ║\n", humanize.IBytes(peakRSSMem))
	fmt.Printf("╚═════════════════════╩════════════════════╝\n")
}
