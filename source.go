package cidmap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	cmerrors "github.com/tamirms/cidmap/errors"
	"github.com/tamirms/cidmap/internal/lineio"
)

const progressLines = 1_000_000

// maxLineLength caps one mapping line; longer lines are skipped as invalid.
const maxLineLength = 1 << 20

// BuildReport summarizes BuildFromFile.
type BuildReport struct {
	BuildStats
	Lines   uint64 // lines read from the source
	Valid   uint64 // lines that produced a pair
	Invalid uint64 // lines skipped as malformed
}

// BuildFromFile reads a text mapping source and builds an index of kind
// at out. Sources ending in ".gz" are decompressed on the fly.
//
// Relation kinds read "source target" per line, separated by tabs or
// spaces. KindKeyHint reads "cid<TAB>inchi<TAB>inchikey" and stores the
// key fingerprint. Malformed lines are skipped and counted; a source with
// no valid lines fails with *errors.IndexBuildError.
func BuildFromFile(ctx context.Context, src, out string, kind IndexKind, opts ...BuildOption) (BuildReport, error) {
	f, err := os.Open(src)
	if err != nil {
		return BuildReport{}, &cmerrors.IndexBuildError{Path: src, Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(src, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return BuildReport{}, &cmerrors.IndexBuildError{Path: src, Err: err}
		}
		defer zr.Close()
		r = zr
	}

	report, err := BuildFromReader(ctx, r, out, kind, opts...)
	if err != nil {
		var be *cmerrors.IndexBuildError
		if errors.As(err, &be) {
			be.Path = src
			return report, be
		}
		return report, fmt.Errorf("build %s index from %s: %w", kind, src, err)
	}
	return report, nil
}

// BuildFromReader is BuildFromFile over an already-open stream.
func BuildFromReader(ctx context.Context, r io.Reader, out string, kind IndexKind, opts ...BuildOption) (BuildReport, error) {
	b, err := NewBuilder(ctx, out, kind, opts...)
	if err != nil {
		return BuildReport{}, err
	}
	defer b.Close()

	logger := b.cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var report BuildReport
	lr := lineio.NewReader(r, maxLineLength)
	for {
		if b.cfg.sampleLimit > 0 && report.Lines >= b.cfg.sampleLimit {
			break
		}
		line, err := lr.Next()
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, cmerrors.ErrLineTooLong) {
			return report, fmt.Errorf("read mapping source: %w", err)
		}
		report.Lines++
		if report.Lines%progressLines == 0 {
			logger.Info("reading mapping source",
				"event", "build", "kind", kind.String(),
				"lines", report.Lines, "invalid", report.Invalid)
		}
		if err != nil {
			report.Invalid++
			logger.Debug("skipping oversized line", "kind", kind.String(), "line", report.Lines)
			continue
		}

		src, dst, err := parseMappingLine(kind, string(line))
		if err != nil {
			report.Invalid++
			logger.Debug("skipping malformed line", "kind", kind.String(), "line", report.Lines, "error", err)
			continue
		}
		report.Valid++
		if err := b.Add(src, dst); err != nil {
			return report, err
		}
	}

	if report.Valid == 0 {
		return report, &cmerrors.IndexBuildError{Invalid: report.Invalid, Err: cmerrors.ErrNoValidRecords}
	}

	stats, err := b.Finish()
	report.BuildStats = stats
	if err != nil {
		return report, err
	}
	logger.Info("index built",
		"event", "build", "kind", kind.String(), "path", out,
		"lines", report.Lines, "invalid", report.Invalid,
		"records", stats.Records, "duplicates", stats.Duplicates,
		"self_mappings", stats.SelfMappings, "runs", stats.Runs)
	return report, nil
}

// parseMappingLine extracts one pair from a source line.
func parseMappingLine(kind IndexKind, line string) (ID, ID, error) {
	fields := strings.Fields(line)

	if kind == KindKeyHint {
		if len(fields) < 3 {
			return 0, 0, fmt.Errorf("%w: want 3 fields, got %d", cmerrors.ErrMalformedLine, len(fields))
		}
		cid, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", cmerrors.ErrMalformedLine, err)
		}
		key, err := ParseStructuralKey(fields[len(fields)-1])
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", cmerrors.ErrMalformedLine, err)
		}
		return ID(cid), KeyFingerprint(key), nil
	}

	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("%w: want 2 fields, got %d", cmerrors.ErrMalformedLine, len(fields))
	}
	src, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", cmerrors.ErrMalformedLine, err)
	}
	dst, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", cmerrors.ErrMalformedLine, err)
	}
	return ID(src), ID(dst), nil
}
