package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tamirms/cidmap/pipeline"
	"github.com/tamirms/cidmap/resolve"
	"github.com/tamirms/cidmap/store"
)

var (
	maxFiles  int
	keepFiles bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE...",
	Short: "Resolve candidate files into the store",
	Long: `Streams JSONL candidate files (optionally gzip-compressed) through
the resolution engine and commits one survivor per structural key.
Files are processed in name order. Processed files are removed unless
--keep is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cmd.Flags().Changed("max-files") {
			cfg.Ingest.MaxFiles = maxFiles
		}
		if cmd.Flags().Changed("keep") {
			cfg.Ingest.KeepFiles = keepFiles
		}

		files := slices.Clone(args)
		slices.Sort(files)
		if cfg.Ingest.MaxFiles > 0 && len(files) > cfg.Ingest.MaxFiles {
			files = files[:cfg.Ingest.MaxFiles]
		}

		mapper, err := openMapper()
		if err != nil {
			return err
		}
		defer func() { _ = mapper.Close() }()

		st, err := store.Open(store.Config{
			Path:           cfg.StorePath,
			SyncWrites:     cfg.Ingest.SyncWrites,
			Logger:         logger.With("component", "badger"),
			GCDiscardRatio: 0.5,
		})
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var metrics *pipeline.Metrics
		if cfg.MetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			if metrics, err = pipeline.NewMetrics(reg); err != nil {
				return err
			}
			shutdown := serveMetrics(cfg.MetricsAddr, reg)
			defer shutdown()
		}

		engine := resolve.NewEngine(mapper,
			resolve.WithIncumbents(pipeline.StoreIncumbents(ctx, st)),
			resolve.WithConflictLimit(cfg.Ingest.ConflictLimit),
		)
		p := pipeline.New(engine, mapper, st,
			pipeline.WithBatchSize(cfg.Ingest.BatchSize),
			pipeline.WithProgressEvery(cfg.Ingest.ProgressEvery),
			pipeline.WithClearEvery(cfg.Ingest.ClearEvery),
			pipeline.WithScopePerRun(true),
			pipeline.WithLogger(logger),
			pipeline.WithMetrics(metrics),
		)

		for i, path := range files {
			flog := logger.With("file", path, "file_index", i+1, "files", len(files))
			flog.Info("ingesting file", "event", "file")
			if err := ingestFile(ctx, p, path); err != nil {
				return err
			}
			if !cfg.Ingest.KeepFiles {
				if err := os.Remove(path); err != nil {
					flog.Warn("could not remove processed file", "error", err)
				}
			}
		}

		totals := p.Totals()
		cs := mapper.Stats()
		logger.Info("all files ingested",
			"event", "done",
			"files", len(files),
			"processed", humanize.Comma(int64(totals.Processed)),
			"written", totals.Written,
			"conflicts", totals.Conflicts,
			"cache_clears", cs.Clears,
		)
		if err := st.CollectGarbage(); err != nil {
			logger.Warn("value log gc failed", "error", err)
		}
		return nil
	},
}

func ingestFile(ctx context.Context, p *pipeline.Pipeline, path string) (err error) {
	src, err := pipeline.OpenFileSource(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, src.Close()) }()

	if _, err := p.Run(ctx, src); err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	return nil
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	ingestCmd.Flags().IntVar(&maxFiles, "max-files", 0, "process at most this many files (0 = all)")
	ingestCmd.Flags().BoolVar(&keepFiles, "keep", false, "keep processed files")
	rootCmd.AddCommand(ingestCmd)
}
