package cidmap

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	cmerrors "github.com/tamirms/cidmap/errors"
)

// Index is a read-only sorted mapping index.
//
// Thread Safety:
// - Lookup and other read methods are safe for concurrent use
// - Close is NOT safe to call concurrently with lookups
// - After Close returns, no methods may be called on the Index
type Index struct {
	// Memory map (no file handle needed after mmap)
	mmap mmap.MMap
	data []byte

	header  *header
	records []byte // record region view into data

	path   string
	closed atomic.Bool
}

// IndexStats holds index statistics.
type IndexStats struct {
	Kind            IndexKind
	Records         uint64
	IndexSize       int64
	DuplicatePolicy DuplicatePolicy
}

// OpenIndex opens an index file for lookups.
// It memory-maps the file and closes the file descriptor.
// Failures are reported as *errors.IndexLoadError.
func OpenIndex(path string) (*Index, error) {
	idx, err := openIndex(path)
	if err != nil {
		return nil, &cmerrors.IndexLoadError{Path: path, Err: err}
	}
	return idx, nil
}

func openIndex(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat index file: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("open index file: %s is a directory", path)
	}
	if stat.Size() < headerSize+footerSize {
		return nil, cmerrors.ErrTruncatedFile
	}

	mm, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap index file: %w", err)
	}

	idx := &Index{
		mmap: mm,
		data: []byte(mm),
		path: path,
	}
	if err := idx.initFromData(); err != nil {
		return nil, errors.Join(err, idx.Close())
	}
	adviseRandomAccess(idx.data)
	return idx, nil
}

// OpenIndexBytes creates an index from an in-memory byte slice.
// No file is opened or memory-mapped; Close is a no-op.
func OpenIndexBytes(data []byte) (*Index, error) {
	if len(data) < headerSize+footerSize {
		return nil, cmerrors.ErrTruncatedFile
	}
	idx := &Index{data: data}
	if err := idx.initFromData(); err != nil {
		return nil, err
	}
	return idx, nil
}

// initFromData parses the header and checks that the record region fits.
// The footer checksum is deferred to Verify so Open only touches the header.
func (idx *Index) initFromData() error {
	hdr, err := decodeHeader(idx.data[:headerSize])
	if err != nil {
		return err
	}
	if hdr.RecordCount > (uint64(len(idx.data))-headerSize-footerSize)/recordWidth {
		return cmerrors.ErrTruncatedFile
	}
	if hdr.fileSize() != uint64(len(idx.data)) {
		return cmerrors.ErrCorruptedIndex
	}
	idx.header = hdr
	idx.records = idx.data[headerSize : headerSize+hdr.RecordCount*recordWidth]
	return nil
}

// Close releases the mapping.
func (idx *Index) Close() error {
	if idx.closed.Swap(true) {
		return nil
	}
	if idx.mmap != nil {
		return idx.mmap.Unmap()
	}
	return nil
}

// Lookup returns the target for id. A false result means id is absent,
// which callers treat as identity.
func (idx *Index) Lookup(id ID) (ID, bool, error) {
	if idx.closed.Load() {
		return 0, false, cmerrors.ErrIndexClosed
	}

	n := int(idx.header.RecordCount)
	key := uint64(id)
	i := sort.Search(n, func(i int) bool {
		return idx.recordAt(i).id >= key
	})
	if i < n {
		if r := idx.recordAt(i); r.id == key {
			return ID(r.target), true, nil
		}
	}
	return 0, false, nil
}

func (idx *Index) recordAt(i int) record {
	off := i * recordWidth
	return decodeRecord(idx.records[off : off+recordWidth])
}

// Kind returns which mapping the index holds.
func (idx *Index) Kind() IndexKind {
	return idx.header.Kind
}

// Len returns the number of records.
func (idx *Index) Len() uint64 {
	return idx.header.RecordCount
}

// Path returns the file the index was opened from, or "" for OpenIndexBytes.
func (idx *Index) Path() string {
	return idx.path
}

// Stats returns statistics for the index.
func (idx *Index) Stats() IndexStats {
	return IndexStats{
		Kind:            idx.header.Kind,
		Records:         idx.header.RecordCount,
		IndexSize:       int64(len(idx.data)),
		DuplicatePolicy: idx.header.DuplicatePolicy,
	}
}

// Verify checks the record region against the footer checksum and the
// ascending-unique ordering that binary search relies on.
func (idx *Index) Verify() error {
	if idx.closed.Load() {
		return cmerrors.ErrIndexClosed
	}

	ft, err := decodeFooter(idx.data[len(idx.data)-footerSize:])
	if err != nil {
		return err
	}
	if xxhash.Sum64(idx.records) != ft.RecordRegionHash {
		return cmerrors.ErrChecksumFailed
	}

	for i := 1; i < int(idx.header.RecordCount); i++ {
		if idx.recordAt(i-1).id >= idx.recordAt(i).id {
			return fmt.Errorf("%w: record %d out of order", cmerrors.ErrCorruptedIndex, i)
		}
	}
	return nil
}

// GetIndexStats returns statistics for an index file.
func GetIndexStats(path string) (IndexStats, error) {
	idx, err := OpenIndex(path)
	if err != nil {
		return IndexStats{}, err
	}
	return idx.Stats(), idx.Close()
}
