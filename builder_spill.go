package cidmap

import (
	"bufio"
	"container/heap"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// spillFile holds sorted runs that did not fit in the memory budget.
// Runs are appended sequentially in arrival order and read back through a
// read-only mmap for the k-way merge in Finish.
type spillFile struct {
	tempFile *os.File
	tempPath string
	w        *bufio.Writer
	size     int64
	runs     []spillRun
	data     []byte
}

// spillRun is a contiguous sorted run inside the spill file.
type spillRun struct {
	offset int64
	count  int
}

// newSpillFile creates an anonymous temp file for sorted runs.
func newSpillFile(tempDir string) (*spillFile, error) {
	s := &spillFile{}
	if err := s.createTempFile(tempDir); err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	s.w = bufio.NewWriterSize(s.tempFile, 1<<20)
	return s, nil
}

// createTempFile tries O_TMPFILE on Linux for auto-cleanup, falls back to
// a regular temp file.
func (s *spillFile) createTempFile(tempDir string) error {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	f, err := openTmpFile(tempDir)
	if err == nil {
		s.tempFile = f
		s.tempPath = "" // Anonymous file - no path to remove
		return nil
	}

	f, err = os.CreateTemp(tempDir, "cidmap-*.spill")
	if err != nil {
		return err
	}
	s.tempFile = f
	s.tempPath = f.Name()
	return nil
}

// openTmpFile attempts to create an O_TMPFILE anonymous temp file.
// Returns an error if O_TMPFILE is not supported.
func openTmpFile(dir string) (*os.File, error) {
	const oTmpFile = 0o20000000 //nolint:revive // Linux O_TMPFILE flag

	fd, err := unix.Open(dir, unix.O_RDWR|oTmpFile, 0600)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), ""), nil
}

// writeRun appends a sorted run.
func (s *spillFile) writeRun(recs []record) error {
	var buf [recordWidth]byte
	for _, r := range recs {
		encodeRecordTo(r, buf[:])
		if _, err := s.w.Write(buf[:]); err != nil {
			return fmt.Errorf("write spill run: %w", err)
		}
	}
	s.runs = append(s.runs, spillRun{offset: s.size, count: len(recs)})
	s.size += int64(len(recs)) * recordWidth
	return nil
}

// prepareForRead flushes buffered writes and maps the file for the merge.
func (s *spillFile) prepareForRead() error {
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush spill file: %w", err)
	}
	if s.size == 0 {
		return nil
	}
	adviseSequentialRead(s.tempFile, s.size)

	data, err := unix.Mmap(int(s.tempFile.Fd()), 0, int(s.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap spill file: %w", err)
	}
	s.data = data
	// Each run is consumed front to back.
	_ = unix.Madvise(s.data, unix.MADV_SEQUENTIAL)
	return nil
}

// runRecord returns record i of run r.
func (s *spillFile) runRecord(r, i int) record {
	off := s.runs[r].offset + int64(i)*recordWidth
	return decodeRecord(s.data[off : off+recordWidth])
}

// cleanup releases all temp file resources. Idempotent.
func (s *spillFile) cleanup() error {
	var errs []error

	// Unmap first (required before close on some platforms)
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		s.data = nil
	}

	// O_TMPFILE auto-deletes here
	if s.tempFile != nil {
		if err := s.tempFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close spill file: %w", err))
		}
		s.tempFile = nil
	}

	if s.tempPath != "" {
		if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove spill file: %w", err))
		}
		s.tempPath = ""
	}

	s.runs = nil
	return errors.Join(errs...)
}

// runCursor is the merge position inside one run. seq orders runs by
// arrival so that ties between equal ids resolve to the later record.
type runCursor struct {
	rec  record
	run  int
	pos  int
	seq  int
	tail bool // the in-memory remainder, newest of all
}

// mergeHeap is a min-heap on (id, seq).
type mergeHeap []*runCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].rec.id != h[j].rec.id {
		return h[i].rec.id < h[j].rec.id
	}
	return h[i].seq < h[j].seq
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*runCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// merge streams every spilled run plus the in-memory tail in ascending id
// order. Equal ids arrive oldest first. emit stops the merge on error.
func (s *spillFile) merge(tail []record, emit func(record) error) error {
	h := make(mergeHeap, 0, len(s.runs)+1)
	for r, run := range s.runs {
		if run.count > 0 {
			h = append(h, &runCursor{rec: s.runRecord(r, 0), run: r, seq: r})
		}
	}
	if len(tail) > 0 {
		h = append(h, &runCursor{rec: tail[0], run: -1, seq: len(s.runs), tail: true})
	}
	heap.Init(&h)

	for h.Len() > 0 {
		c := h[0]
		if err := emit(c.rec); err != nil {
			return err
		}
		c.pos++
		switch {
		case c.tail && c.pos < len(tail):
			c.rec = tail[c.pos]
			heap.Fix(&h, 0)
		case !c.tail && c.pos < s.runs[c.run].count:
			c.rec = s.runRecord(c.run, c.pos)
			heap.Fix(&h, 0)
		default:
			heap.Pop(&h)
		}
	}
	return nil
}
