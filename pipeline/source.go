package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/tamirms/cidmap"
	cmerrors "github.com/tamirms/cidmap/errors"
	"github.com/tamirms/cidmap/internal/lineio"
	"github.com/tamirms/cidmap/resolve"
)

// Source yields candidates. Next returns io.EOF when exhausted; errors
// wrapping errors.ErrMalformedRecord are skipped and counted by the
// pipeline, anything else aborts the run.
type Source interface {
	Next(ctx context.Context) (resolve.Candidate, error)
}

// SliceSource serves candidates from memory.
type SliceSource struct {
	items []resolve.Candidate
	pos   int
}

// NewSliceSource returns a Source over items.
func NewSliceSource(items []resolve.Candidate) *SliceSource {
	return &SliceSource{items: items}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (resolve.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return resolve.Candidate{}, err
	}
	if s.pos >= len(s.items) {
		return resolve.Candidate{}, io.EOF
	}
	c := s.items[s.pos]
	s.pos++
	return c, nil
}

// jsonCandidate is one line of a JSONL candidate file, as produced by the
// upstream chemistry parser.
type jsonCandidate struct {
	CID      *uint64         `json:"cid"`
	InChIKey string          `json:"inchikey"`
	Payload  json.RawMessage `json:"payload"`
}

// JSONLSource reads one candidate per line:
//
//	{"cid": 962, "inchikey": "XLYOFNOQVPJJNP-UHFFFAOYSA-N", "payload": {"a": [...], "b": [...]}}
//
// The payload is stored verbatim (compacted) and never interpreted.
type JSONLSource struct {
	lr   *lineio.Reader
	line uint64
}

// maxCandidateLine caps one candidate line; longer lines are malformed.
const maxCandidateLine = 16 << 20

// NewJSONLSource returns a Source reading r.
func NewJSONLSource(r io.Reader) *JSONLSource {
	return &JSONLSource{lr: lineio.NewReader(r, maxCandidateLine)}
}

// Next implements Source.
func (s *JSONLSource) Next(ctx context.Context) (resolve.Candidate, error) {
	for {
		if err := ctx.Err(); err != nil {
			return resolve.Candidate{}, err
		}
		raw, err := s.lr.Next()
		if err == io.EOF {
			return resolve.Candidate{}, io.EOF
		}
		if err != nil && !errors.Is(err, cmerrors.ErrLineTooLong) {
			return resolve.Candidate{}, fmt.Errorf("read candidates: %w", err)
		}
		s.line++
		if err != nil {
			return resolve.Candidate{}, fmt.Errorf("%w: line %d: %w", cmerrors.ErrMalformedRecord, s.line, err)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		return s.parse(raw)
	}
}

func (s *JSONLSource) parse(raw []byte) (resolve.Candidate, error) {
	var jc jsonCandidate
	if err := json.Unmarshal(raw, &jc); err != nil {
		return resolve.Candidate{}, fmt.Errorf("%w: line %d: %w", cmerrors.ErrMalformedRecord, s.line, err)
	}
	if jc.CID == nil {
		return resolve.Candidate{}, fmt.Errorf("%w: line %d: missing cid", cmerrors.ErrMalformedRecord, s.line)
	}
	key, err := cidmap.ParseStructuralKey(jc.InChIKey)
	if err != nil {
		return resolve.Candidate{}, fmt.Errorf("%w: line %d: %w", cmerrors.ErrMalformedRecord, s.line, err)
	}
	if len(jc.Payload) == 0 || string(jc.Payload) == "null" {
		return resolve.Candidate{}, fmt.Errorf("%w: line %d: missing payload", cmerrors.ErrMalformedRecord, s.line)
	}
	var payload bytes.Buffer
	if err := json.Compact(&payload, jc.Payload); err != nil {
		return resolve.Candidate{}, fmt.Errorf("%w: line %d: %w", cmerrors.ErrMalformedRecord, s.line, err)
	}
	return resolve.Candidate{
		ID:      cidmap.ID(*jc.CID),
		Key:     key,
		Payload: payload.Bytes(),
	}, nil
}

// FileSource is a JSONLSource over a file, decompressing ".gz" files.
type FileSource struct {
	*JSONLSource
	file *os.File
	zr   *gzip.Reader
}

// OpenFileSource opens path for reading.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candidate file: %w", err)
	}
	fs := &FileSource{file: f}
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open gzip stream %s: %w", path, err), f.Close())
		}
		fs.zr = zr
		r = zr
	}
	fs.JSONLSource = NewJSONLSource(r)
	return fs, nil
}

// Close releases the file.
func (fs *FileSource) Close() error {
	var zerr error
	if fs.zr != nil {
		zerr = fs.zr.Close()
	}
	return errors.Join(zerr, fs.file.Close())
}
