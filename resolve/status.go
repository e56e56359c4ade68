package resolve

import "github.com/tamirms/cidmap"

// Status records how the two redirect tables treat an ID.
type Status uint8

const (
	// Identity: neither table redirects the ID. The only canonical status.
	Identity Status = iota
	// RedirectedByPreferred: the preferred table maps the ID elsewhere.
	RedirectedByPreferred
	// RedirectedByParent: the parent table maps the ID elsewhere.
	RedirectedByParent
	// RedirectedByBoth: both tables map the ID elsewhere.
	RedirectedByBoth
)

// StatusOf derives the status of id from its preferred and parent targets.
func StatusOf(id, preferred, parent cidmap.ID) Status {
	byPreferred := preferred != id
	byParent := parent != id
	switch {
	case byPreferred && byParent:
		return RedirectedByBoth
	case byPreferred:
		return RedirectedByPreferred
	case byParent:
		return RedirectedByParent
	default:
		return Identity
	}
}

// Canonical reports whether the ID is not redirected by either table.
func (s Status) Canonical() bool {
	return s == Identity
}

func (s Status) String() string {
	switch s {
	case Identity:
		return "identity"
	case RedirectedByPreferred:
		return "redirected-by-preferred"
	case RedirectedByParent:
		return "redirected-by-parent"
	case RedirectedByBoth:
		return "redirected-by-both"
	default:
		return "unknown"
	}
}
