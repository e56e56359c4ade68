package cidmap

import (
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
)

// indexWriter writes index records to disk using mmap-based zero-copy writes.
// File layout: [Header 32B][Records N×16B][Footer 16B]
//
// The file is pre-allocated for the maximum record count the builder could
// emit and truncated to the real size on finalize, since duplicate
// collapsing is only known once the merge completes.
type indexWriter struct {
	file *os.File
	mmap mmap.MMap
	data []byte

	// Streaming hash of the record region, computed while records are hot
	hasher *xxhash.Digest

	header        header
	maxRecords    uint64
	estimatedSize uint64
	writeOffset   uint64
}

// newIndexWriter creates a pre-allocated, memory-mapped output file.
func newIndexWriter(path string, kind IndexKind, policy DuplicatePolicy, maxRecords uint64) (*indexWriter, error) {
	estimatedSize := uint64(headerSize) + maxRecords*recordWidth + footerSize

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}

	// Reserve blocks up front; a full disk must not surface as SIGBUS.
	if err := reserveFile(file, int64(estimatedSize)); err != nil {
		primaryErr := fmt.Errorf("failed to allocate disk space: %w", err)
		return nil, errors.Join(primaryErr, file.Close())
	}

	mm, err := mmap.MapRegion(file, int(estimatedSize), mmap.RDWR, 0, 0)
	if err != nil {
		primaryErr := fmt.Errorf("failed to mmap file: %w", err)
		return nil, errors.Join(primaryErr, file.Close())
	}

	iw := &indexWriter{
		file:          file,
		mmap:          mm,
		data:          []byte(mm),
		hasher:        xxhash.New(),
		maxRecords:    maxRecords,
		estimatedSize: estimatedSize,
		writeOffset:   headerSize,
		header: header{
			Magic:           magic,
			Version:         version,
			Kind:            kind,
			RecordWidth:     recordWidth,
			DuplicatePolicy: policy,
		},
	}

	// Records are written front to back exactly once.
	prefaultWrite(iw.data[headerSize : estimatedSize-footerSize])

	return iw, nil
}

// writeRecord appends one record. Records must arrive in ascending id order.
func (iw *indexWriter) writeRecord(r record) error {
	if iw.header.RecordCount >= iw.maxRecords {
		return fmt.Errorf("writeRecord: record %d exceeds pre-allocated capacity %d", iw.header.RecordCount+1, iw.maxRecords)
	}
	buf := iw.data[iw.writeOffset : iw.writeOffset+recordWidth]
	encodeRecordTo(r, buf)
	if _, err := iw.hasher.Write(buf); err != nil {
		panic("hash.Hash.Write returned unexpected error: " + err.Error())
	}
	iw.writeOffset += recordWidth
	iw.header.RecordCount++
	return nil
}

// finalize writes header and footer, flushes, and shrinks the file.
// On error, delegates to close() for idempotent cleanup.
func (iw *indexWriter) finalize() error {
	iw.header.encodeTo(iw.data[0:headerSize])

	ftr := footer{RecordRegionHash: iw.hasher.Sum64()}
	ftr.encodeTo(iw.data[iw.writeOffset : iw.writeOffset+footerSize])
	actualSize := iw.writeOffset + footerSize

	if err := iw.mmap.Flush(); err != nil {
		primaryErr := fmt.Errorf("mmap flush failed: %w", err)
		return errors.Join(primaryErr, iw.close())
	}

	// Unmap before truncate (required order).
	unmapErr := iw.mmap.Unmap()
	iw.mmap = nil
	if unmapErr != nil {
		primaryErr := fmt.Errorf("mmap unmap failed: %w", unmapErr)
		return errors.Join(primaryErr, iw.close())
	}

	if err := iw.file.Truncate(int64(actualSize)); err != nil {
		primaryErr := fmt.Errorf("truncate failed: %w", err)
		return errors.Join(primaryErr, iw.close())
	}

	closeErr := iw.file.Close()
	iw.file = nil
	return closeErr
}

// close closes the writer without finalizing (for error cleanup).
// Idempotent: safe to call multiple times.
func (iw *indexWriter) close() error {
	var unmapErr error
	if iw.mmap != nil {
		unmapErr = iw.mmap.Unmap()
		iw.mmap = nil
	}
	var closeErr error
	if iw.file != nil {
		closeErr = iw.file.Close()
		iw.file = nil
	}
	return errors.Join(unmapErr, closeErr)
}
