package cidmap

import (
	"encoding/binary"

	cmerrors "github.com/tamirms/cidmap/errors"
)

const (
	// magic number for cidmap index files
	// "CIDX" in little-endian
	magic = uint32(0x58444943)

	// version is the current format version
	version = uint16(0x0001)

	// headerSize is the exact size of the serialized header (32 bytes)
	headerSize = 32

	// footerSize is the exact size of the serialized footer (16 bytes)
	footerSize = 16

	// recordWidth is the size of one (id, target) record
	recordWidth = 16
)

// header is the 32-byte file header.
//
// Layout:
//
//	Offset  Size  Field            Type
//	0       4     Magic            0x58444943 ("CIDX")
//	4       2     Version          0x0001
//	6       1     Kind             uint8 (IndexKind)
//	7       1     RecordWidth      uint8 (16)
//	8       8     RecordCount      uint64_le
//	16      1     DuplicatePolicy  uint8
//	17      15    Reserved         [15]byte (zero)
type header struct {
	Magic           uint32
	Version         uint16
	Kind            IndexKind
	RecordWidth     uint8
	RecordCount     uint64
	DuplicatePolicy DuplicatePolicy
	Reserved        [15]byte
}

// encodeTo serializes the header to an existing buffer.
func (h *header) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = uint8(h.Kind)
	buf[7] = h.RecordWidth
	binary.LittleEndian.PutUint64(buf[8:16], h.RecordCount)
	buf[16] = uint8(h.DuplicatePolicy)
	copy(buf[17:32], h.Reserved[:])
}

// decodeHeader parses a 32-byte header.
func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, cmerrors.ErrTruncatedFile
	}

	h := &header{
		Magic:           binary.LittleEndian.Uint32(buf[0:4]),
		Version:         binary.LittleEndian.Uint16(buf[4:6]),
		Kind:            IndexKind(buf[6]),
		RecordWidth:     buf[7],
		RecordCount:     binary.LittleEndian.Uint64(buf[8:16]),
		DuplicatePolicy: DuplicatePolicy(buf[16]),
	}
	copy(h.Reserved[:], buf[17:32])

	if h.Magic != magic {
		return nil, cmerrors.ErrInvalidMagic
	}
	if h.Version != version {
		return nil, cmerrors.ErrInvalidVersion
	}
	if h.RecordWidth != recordWidth {
		return nil, cmerrors.ErrInvalidWidth
	}
	if !h.Kind.valid() {
		return nil, cmerrors.ErrCorruptedIndex
	}

	return h, nil
}

// fileSize returns the exact size of a file holding RecordCount records.
func (h *header) fileSize() uint64 {
	return headerSize + h.RecordCount*recordWidth + footerSize
}

// footer is the 16-byte file footer.
//
//	Offset  Size  Field             Type
//	0       8     RecordRegionHash  uint64_le (xxHash64 of the record region)
//	8       8     Reserved          [8]byte (zero)
type footer struct {
	RecordRegionHash uint64
	Reserved         [8]byte
}

func (f *footer) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.RecordRegionHash)
	copy(buf[8:16], f.Reserved[:])
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) < footerSize {
		return nil, cmerrors.ErrTruncatedFile
	}
	f := &footer{
		RecordRegionHash: binary.LittleEndian.Uint64(buf[0:8]),
	}
	copy(f.Reserved[:], buf[8:16])
	return f, nil
}

// record is a single (id, target) pair.
type record struct {
	id     uint64
	target uint64
}

func encodeRecordTo(r record, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], r.id)
	binary.LittleEndian.PutUint64(buf[8:16], r.target)
}

func decodeRecord(buf []byte) record {
	return record{
		id:     binary.LittleEndian.Uint64(buf[0:8]),
		target: binary.LittleEndian.Uint64(buf[8:16]),
	}
}
