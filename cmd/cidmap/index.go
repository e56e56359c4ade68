package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tamirms/cidmap"
)

var (
	kindSources []string
	sampleLimit uint64
)

var indexCmd = &cobra.Command{
	Use:   "index --kind KIND=SOURCE...",
	Short: "Build redirect indexes from mapping files",
	Long: `Builds one index per --kind flag. Sources are tab- or
space-separated text, optionally gzip-compressed. Kinds are built
concurrently and written to the index directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := parseKindSources(kindSources)
		if err != nil {
			return err
		}
		opts, err := cfg.BuildOptions()
		if err != nil {
			return err
		}
		if sampleLimit > 0 {
			opts = append(opts, cidmap.WithSampleLimit(sampleLimit))
		}
		if err := os.MkdirAll(cfg.IndexDir, 0o750); err != nil {
			return fmt.Errorf("create index directory: %w", err)
		}

		return buildIndexes(cmd.Context(), logger, cfg.IndexDir, sources, opts)
	},
}

// buildIndexes builds every kind concurrently into dir.
func buildIndexes(ctx context.Context, logger *slog.Logger, dir string, sources map[cidmap.IndexKind]string, opts []cidmap.BuildOption) error {
	g, ctx := errgroup.WithContext(ctx)
	for kind, src := range sources {
		g.Go(func() error {
			out := filepath.Join(dir, kind.FileName())
			start := time.Now()

			// BuildFromFile logs the record counts; this adds what only
			// the command knows.
			kopts := append(slices.Clip(opts), cidmap.WithLogger(logger))
			if _, err := cidmap.BuildFromFile(ctx, src, out, kind, kopts...); err != nil {
				return err
			}
			size := int64(0)
			if info, err := os.Stat(out); err == nil {
				size = info.Size()
			}
			logger.Info("index file written",
				"event", "index-file",
				"kind", kind.String(),
				"source", src,
				"path", out,
				"size", humanize.IBytes(uint64(size)),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return nil
		})
	}
	return g.Wait()
}

// parseKindSources parses repeated KIND=PATH flags.
func parseKindSources(args []string) (map[cidmap.IndexKind]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one --kind is required")
	}
	out := make(map[cidmap.IndexKind]string, len(args))
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --kind %q, want KIND=PATH", arg)
		}
		kind, err := cidmap.ParseIndexKind(name)
		if err != nil {
			return nil, err
		}
		if _, dup := out[kind]; dup {
			return nil, fmt.Errorf("--kind %s given twice", kind)
		}
		out[kind] = path
	}
	return out, nil
}

func init() {
	indexCmd.Flags().StringArrayVar(&kindSources, "kind", nil, "KIND=PATH, kind is preferred, parent or keyhint (repeatable)")
	indexCmd.Flags().Uint64Var(&sampleLimit, "sample", 0, "read at most this many lines per source (0 = all)")
	rootCmd.AddCommand(indexCmd)
}
