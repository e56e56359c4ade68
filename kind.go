package cidmap

import (
	"fmt"

	cmerrors "github.com/tamirms/cidmap/errors"
)

// ID is a compound identifier. IDs are dense but not contiguous.
type ID uint64

// IndexKind identifies which mapping an index file holds.
type IndexKind uint8

const (
	// KindPreferred maps a non-preferred ID to its preferred ID.
	KindPreferred IndexKind = iota + 1
	// KindParent maps an ID to its parent compound (salts, mixtures, isotopologues).
	KindParent
	// KindKeyHint maps an ID to the fingerprint of its structural key.
	// Built from a sample of the reference table and optional at query time.
	KindKeyHint
)

// Kinds lists every index kind in load order.
var Kinds = []IndexKind{KindPreferred, KindParent, KindKeyHint}

func (k IndexKind) String() string {
	switch k {
	case KindPreferred:
		return "preferred"
	case KindParent:
		return "parent"
	case KindKeyHint:
		return "keyhint"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FileName returns the file name used for this kind inside an index directory.
func (k IndexKind) FileName() string {
	return k.String() + ".idx"
}

// Required reports whether a Mapper refuses to start without this kind.
func (k IndexKind) Required() bool {
	return k == KindPreferred || k == KindParent
}

// relation reports whether the kind is an ID redirect table. Self
// mappings carry no information for these and are dropped at build time.
func (k IndexKind) relation() bool {
	return k == KindPreferred || k == KindParent
}

func (k IndexKind) valid() bool {
	return k >= KindPreferred && k <= KindKeyHint
}

// ParseIndexKind parses the String form of an IndexKind.
func ParseIndexKind(s string) (IndexKind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", cmerrors.ErrUnknownKind, s)
}
