package store

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/tamirms/cidmap"
	cmerrors "github.com/tamirms/cidmap/errors"
)

// envelopeSize is the fixed prefix of every stored value.
//
//	Offset  Size  Field       Type
//	0       8     SurvivorID  uint64_le
//	8       4     Checksum    uint32_le (murmur3 of SurvivorID bytes + payload)
//	12      ...   Payload
const envelopeSize = 12

// ResolvedRecord is the persisted survivor for one structural key.
type ResolvedRecord struct {
	Key        cidmap.StructuralKey
	SurvivorID cidmap.ID
	Payload    []byte
}

// encodeValue builds the stored value for r.
func encodeValue(r ResolvedRecord) []byte {
	buf := make([]byte, envelopeSize+len(r.Payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.SurvivorID))
	copy(buf[envelopeSize:], r.Payload)
	binary.LittleEndian.PutUint32(buf[8:12], checksum(buf))
	return buf
}

// decodeValue parses a stored value. The payload is copied out of buf.
func decodeValue(key cidmap.StructuralKey, buf []byte) (ResolvedRecord, error) {
	if len(buf) < envelopeSize {
		return ResolvedRecord{}, fmt.Errorf("%w: %s value is %d bytes", cmerrors.ErrCorruptRecord, key, len(buf))
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != checksum(buf) {
		return ResolvedRecord{}, fmt.Errorf("%w: %s", cmerrors.ErrCorruptRecord, key)
	}
	return ResolvedRecord{
		Key:        key,
		SurvivorID: cidmap.ID(binary.LittleEndian.Uint64(buf[0:8])),
		Payload:    append([]byte(nil), buf[envelopeSize:]...),
	}, nil
}

func checksum(buf []byte) uint32 {
	h := murmur3.New32()
	_, _ = h.Write(buf[0:8])
	_, _ = h.Write(buf[envelopeSize:])
	return h.Sum32()
}
