package cidmap

import (
	"fmt"

	"github.com/zeebo/xxh3"

	cmerrors "github.com/tamirms/cidmap/errors"
)

const (
	// StructuralKeyLen is the length of a StructuralKey: 14 + 1 + 10 + 1 + 1.
	StructuralKeyLen = 27

	firstHyphen  = 14
	secondHyphen = 25
)

// StructuralKey identifies a molecular structure (an InChIKey). Two
// records with the same key are structural duplicates.
//
// Format: three hyphen-delimited segments of 14, 10 and 1 uppercase letters,
// e.g. "XLYOFNOQVPJJNP-UHFFFAOYSA-N".
type StructuralKey string

// ParseStructuralKey validates s and returns it as a StructuralKey.
func ParseStructuralKey(s string) (StructuralKey, error) {
	if len(s) != StructuralKeyLen {
		return "", fmt.Errorf("%w: %q has length %d, want %d", cmerrors.ErrInvalidStructuralKey, s, len(s), StructuralKeyLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch i {
		case firstHyphen, secondHyphen:
			if c != '-' {
				return "", fmt.Errorf("%w: %q missing '-' at offset %d", cmerrors.ErrInvalidStructuralKey, s, i)
			}
		default:
			if c < 'A' || c > 'Z' {
				return "", fmt.Errorf("%w: %q has %q at offset %d", cmerrors.ErrInvalidStructuralKey, s, c, i)
			}
		}
	}
	return StructuralKey(s), nil
}

// KeyFingerprint returns the 64-bit xxHash3 fingerprint stored in keyhint
// indexes. Collisions only cause a missed mismatch report, never a wrong
// resolution.
func KeyFingerprint(key StructuralKey) ID {
	return ID(xxh3.HashString(string(key)))
}
