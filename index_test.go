package cidmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	cmerrors "github.com/tamirms/cidmap/errors"
)

func TestLookupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pairs := []pair{{22247451, 962}, {5, 7}, {100, 3}, {1 << 50, 1}}
	path, stats := buildIndexFile(t, dir, KindPreferred, pairs)
	if stats.Records != uint64(len(pairs)) {
		t.Fatalf("Records = %d, want %d", stats.Records, len(pairs))
	}

	idx := openTestIndex(t, path)
	if idx.Kind() != KindPreferred {
		t.Errorf("Kind = %s, want preferred", idx.Kind())
	}
	if idx.Len() != uint64(len(pairs)) {
		t.Errorf("Len = %d, want %d", idx.Len(), len(pairs))
	}
	for _, p := range pairs {
		got, ok, err := idx.Lookup(p.src)
		if err != nil || !ok || got != p.dst {
			t.Errorf("Lookup(%d) = %d, %v, %v; want %d", p.src, got, ok, err, p.dst)
		}
	}
	for _, absent := range []ID{0, 1, 6, 962, 22247452, 1<<64 - 1} {
		if _, ok, err := idx.Lookup(absent); ok || err != nil {
			t.Errorf("Lookup(%d) found=%v err=%v, want absent", absent, ok, err)
		}
	}
	if err := idx.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestEmptyIndex(t *testing.T) {
	// Every pair is a self mapping, so nothing is written; absence means identity.
	path, stats := buildIndexFile(t, t.TempDir(), KindParent, []pair{{1, 1}, {2, 2}})
	if stats.Records != 0 || stats.SelfMappings != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	idx := openTestIndex(t, path)
	if _, ok, _ := idx.Lookup(1); ok {
		t.Error("self mapping should not be stored")
	}
	if err := idx.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if got := int64(len(readFile(t, path))); got != headerSize+footerSize {
		t.Errorf("file size = %d, want %d", got, headerSize+footerSize)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := header{
		Magic:           magic,
		Version:         version,
		Kind:            KindKeyHint,
		RecordWidth:     recordWidth,
		RecordCount:     12345,
		DuplicatePolicy: DuplicateReject,
	}
	buf := make([]byte, headerSize)
	h.encodeTo(buf)
	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if *got != h {
		t.Fatalf("decoded %+v, want %+v", *got, h)
	}
	if got.fileSize() != headerSize+12345*recordWidth+footerSize {
		t.Errorf("fileSize = %d", got.fileSize())
	}
}

func TestOpenCorruptHeader(t *testing.T) {
	src, _ := buildIndexFile(t, t.TempDir(), KindPreferred, []pair{{1, 2}, {3, 4}})
	pristine := readFile(t, src)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"magic", func(b []byte) []byte { b[0] ^= 0xFF; return b }, cmerrors.ErrInvalidMagic},
		{"version", func(b []byte) []byte { b[4] = 2; return b }, cmerrors.ErrInvalidVersion},
		{"width", func(b []byte) []byte { b[7] = 8; return b }, cmerrors.ErrInvalidWidth},
		{"kind", func(b []byte) []byte { b[6] = 9; return b }, cmerrors.ErrCorruptedIndex},
		{"short", func(b []byte) []byte { return b[:40] }, cmerrors.ErrTruncatedFile},
		{"missing records", func(b []byte) []byte { return b[:len(b)-recordWidth] }, cmerrors.ErrTruncatedFile},
		{"trailing bytes", func(b []byte) []byte { return append(b, make([]byte, recordWidth)...) }, cmerrors.ErrCorruptedIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.idx")
			writeFile(t, path, tt.mutate(append([]byte(nil), pristine...)))

			_, err := OpenIndex(path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("OpenIndex error = %v, want %v", err, tt.want)
			}
			var le *cmerrors.IndexLoadError
			if !errors.As(err, &le) || le.Path != path {
				t.Errorf("want *IndexLoadError naming %s, got %v", path, err)
			}
		})
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	src, _ := buildIndexFile(t, t.TempDir(), KindPreferred, []pair{{1, 2}, {3, 4}, {5, 6}})
	data := readFile(t, src)

	flipped := append([]byte(nil), data...)
	flipped[headerSize+recordWidth+8] ^= 0x01 // target of the second record
	idx, err := OpenIndexBytes(flipped)
	if err != nil {
		t.Fatalf("OpenIndexBytes: %v", err)
	}
	if err := idx.Verify(); !errors.Is(err, cmerrors.ErrChecksumFailed) {
		t.Errorf("Verify = %v, want ErrChecksumFailed", err)
	}

	footerHash := append([]byte(nil), data...)
	footerHash[len(footerHash)-footerSize] ^= 0x01
	idx, err = OpenIndexBytes(footerHash)
	if err != nil {
		t.Fatalf("OpenIndexBytes: %v", err)
	}
	if err := idx.Verify(); !errors.Is(err, cmerrors.ErrChecksumFailed) {
		t.Errorf("Verify = %v, want ErrChecksumFailed", err)
	}
}

func TestOpenIndexErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenIndex(filepath.Join(dir, "absent.idx")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v", err)
	}
	if _, err := OpenIndex(dir); err == nil {
		t.Error("expected error opening a directory")
	}
	if _, err := OpenIndexBytes(make([]byte, 10)); !errors.Is(err, cmerrors.ErrTruncatedFile) {
		t.Errorf("short bytes: got %v", err)
	}
}

func TestClosedIndex(t *testing.T) {
	path, _ := buildIndexFile(t, t.TempDir(), KindPreferred, []pair{{1, 2}})
	idx, err := OpenIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, _, err := idx.Lookup(1); !errors.Is(err, cmerrors.ErrIndexClosed) {
		t.Errorf("Lookup after Close: %v", err)
	}
	if err := idx.Verify(); !errors.Is(err, cmerrors.ErrIndexClosed) {
		t.Errorf("Verify after Close: %v", err)
	}
}

func TestGetIndexStats(t *testing.T) {
	path, _ := buildIndexFile(t, t.TempDir(), KindParent, []pair{{1, 2}, {3, 4}},
		WithDuplicatePolicy(DuplicateReject))
	st, err := GetIndexStats(path)
	if err != nil {
		t.Fatal(err)
	}
	want := IndexStats{
		Kind:            KindParent,
		Records:         2,
		IndexSize:       headerSize + 2*recordWidth + footerSize,
		DuplicatePolicy: DuplicateReject,
	}
	if st != want {
		t.Errorf("stats = %+v, want %+v", st, want)
	}
}
