// Package errors defines all exported error values for the cidmap module.
//
// This is the single source of truth for error values. The index, resolve,
// store and pipeline packages import from here, so errors.Is and errors.As
// checks work across package boundaries.
package errors

import (
	"errors"
	"fmt"
)

// Build errors
var (
	ErrBuilderClosed   = errors.New("cidmap: builder is closed")
	ErrNoValidRecords  = errors.New("cidmap: mapping source produced zero valid records")
	ErrDuplicateSource = errors.New("cidmap: duplicate source id")
	ErrMalformedLine   = errors.New("cidmap: malformed mapping line")
	ErrUnknownKind     = errors.New("cidmap: unknown index kind")
)

// Index errors
var (
	ErrInvalidMagic   = errors.New("cidmap: invalid magic number")
	ErrInvalidVersion = errors.New("cidmap: unsupported version")
	ErrInvalidWidth   = errors.New("cidmap: unsupported record width")
	ErrTruncatedFile  = errors.New("cidmap: index file is truncated")
	ErrCorruptedIndex = errors.New("cidmap: index data is corrupted")
	ErrChecksumFailed = errors.New("cidmap: index checksum verification failed")
	ErrIndexClosed    = errors.New("cidmap: index is closed")
	ErrIndexMissing   = errors.New("cidmap: index kind not loaded")
	ErrKindMismatch   = errors.New("cidmap: index file holds a different kind")
)

// Input errors
var (
	ErrLineTooLong = errors.New("cidmap: input line exceeds maximum length")
)

// Memory telemetry errors
var (
	ErrSamplerUnsupported = errors.New("cidmap: memory sampling not supported on this platform")
)

// Resolution and ingestion errors
var (
	ErrInvalidStructuralKey = errors.New("cidmap: invalid structural key")
	ErrMalformedRecord      = errors.New("cidmap: malformed candidate record")
	ErrCorruptRecord        = errors.New("cidmap: stored record failed checksum")
	ErrStoreClosed          = errors.New("cidmap: store is closed")
)

// IndexBuildError reports a build that could not produce an index.
// Invalid carries the number of skipped lines so the operator can tell an
// empty source from a source in the wrong format.
type IndexBuildError struct {
	Path    string
	Invalid uint64
	Err     error
}

func (e *IndexBuildError) Error() string {
	return fmt.Sprintf("build index from %s: %v (%d invalid lines)", e.Path, e.Err, e.Invalid)
}

func (e *IndexBuildError) Unwrap() error { return e.Err }

// IndexLoadError reports a missing or corrupt index file.
type IndexLoadError struct {
	Path string
	Err  error
}

func (e *IndexLoadError) Error() string {
	return fmt.Sprintf("load index %s: %v", e.Path, e.Err)
}

func (e *IndexLoadError) Unwrap() error { return e.Err }

// StoreWriteError reports a failed commit. The batch it belongs to was not
// committed and may be retried.
type StoreWriteError struct {
	Key   string
	Batch uint64
	Err   error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("write key %s in batch %d: %v", e.Key, e.Batch, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
