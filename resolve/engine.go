// Package resolve decides which candidate record survives for each
// structural key.
//
// A candidate whose ID is redirected by neither the preferred nor the
// parent index is canonical. For every key the engine keeps the
// best-ranked candidate seen so far, where canonical beats non-canonical
// and, within the same class, the lower ID wins. The ranking is a total
// order, so the survivor does not depend on arrival order.
package resolve

import (
	"fmt"

	"github.com/tamirms/cidmap"
)

// Mapper is the lookup surface the engine needs. *cidmap.Mapper satisfies it.
type Mapper interface {
	LookupCached(kind cidmap.IndexKind, id cidmap.ID) (cidmap.ID, error)
	Probe(kind cidmap.IndexKind, id cidmap.ID) (cidmap.ID, bool, error)
	Has(kind cidmap.IndexKind) bool
}

// IncumbentFunc returns the survivor already persisted for key, if any.
// It lets a fresh engine scope pick up where an earlier scope or run left off.
type IncumbentFunc func(key cidmap.StructuralKey) (cidmap.ID, bool, error)

// Candidate is one ingestion unit. Payload is opaque to the engine.
type Candidate struct {
	ID      cidmap.ID
	Key     cidmap.StructuralKey
	Payload []byte
}

// Decision tells the caller what to do with a candidate.
type Decision uint8

const (
	// Insert: first record for the key; persist it.
	Insert Decision = iota + 1
	// Replace: the candidate displaces the incumbent; persist it.
	Replace
	// Skip: the incumbent stays; discard the candidate.
	Skip
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case Replace:
		return "replace"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// Outcome is the result of resolving one candidate.
type Outcome struct {
	Decision Decision
	// Survivor is the key's survivor after this candidate.
	Survivor cidmap.ID
	// Displaced is the losing ID when Conflict is true.
	Displaced cidmap.ID
	Conflict  bool
	// Status is the candidate's redirect status.
	Status Status
	// KeyHintMismatch is set when the keyhint index knows the candidate's ID
	// under a different structural key.
	KeyHintMismatch bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithIncumbents seeds unseen keys from persistent state.
func WithIncumbents(fn IncumbentFunc) Option {
	return func(e *Engine) {
		e.incumbents = fn
	}
}

// WithConflictLimit caps the keys with per-key conflict detail.
func WithConflictLimit(n int) Option {
	return func(e *Engine) {
		e.conflicts = NewConflictLog(n)
	}
}

type survivor struct {
	id        cidmap.ID
	canonical bool
}

// outranks is the total order behind every decision.
func outranks(a, b survivor) bool {
	if a.canonical != b.canonical {
		return a.canonical
	}
	// Both canonical should not happen in well-formed reference data;
	// lower ID wins in that case and among non-canonical aliases.
	return a.id < b.id
}

// Engine holds the survivor for every key in the current scope. Memory is
// bounded by the number of distinct keys, not raw records.
// An Engine has exactly one mutator and no internal locking.
type Engine struct {
	mapper     Mapper
	incumbents IncumbentFunc
	survivors  map[cidmap.StructuralKey]survivor
	conflicts  *ConflictLog
}

// NewEngine returns an engine resolving against m.
func NewEngine(m Mapper, opts ...Option) *Engine {
	e := &Engine{
		mapper:    m,
		survivors: make(map[cidmap.StructuralKey]survivor),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.conflicts == nil {
		e.conflicts = NewConflictLog(defaultConflictLimit)
	}
	return e
}

// Classify returns the redirect status of id.
func Classify(m Mapper, id cidmap.ID) (Status, error) {
	preferred, err := m.LookupCached(cidmap.KindPreferred, id)
	if err != nil {
		return 0, fmt.Errorf("preferred lookup for %d: %w", id, err)
	}
	parent, err := m.LookupCached(cidmap.KindParent, id)
	if err != nil {
		return 0, fmt.Errorf("parent lookup for %d: %w", id, err)
	}
	return StatusOf(id, preferred, parent), nil
}

// Resolve decides the fate of c.
func (e *Engine) Resolve(c Candidate) (Outcome, error) {
	status, err := Classify(e.mapper, c.ID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Status: status}

	if e.mapper.Has(cidmap.KindKeyHint) {
		fp, found, err := e.mapper.Probe(cidmap.KindKeyHint, c.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("keyhint lookup for %d: %w", c.ID, err)
		}
		out.KeyHintMismatch = found && fp != cidmap.KeyFingerprint(c.Key)
	}

	cand := survivor{id: c.ID, canonical: status.Canonical()}
	inc, seen, err := e.incumbent(c.Key)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case !seen:
		e.survivors[c.Key] = cand
		out.Decision = Insert
		out.Survivor = cand.id
	case inc.id == cand.id:
		// The same record again; nothing to contest.
		out.Decision = Skip
		out.Survivor = inc.id
	case outranks(cand, inc):
		e.survivors[c.Key] = cand
		e.conflicts.Record(Conflict{Key: c.Key, Winner: cand.id, Loser: inc.id})
		out.Decision = Replace
		out.Survivor = cand.id
		out.Displaced = inc.id
		out.Conflict = true
	default:
		e.conflicts.Record(Conflict{Key: c.Key, Winner: inc.id, Loser: cand.id})
		out.Decision = Skip
		out.Survivor = inc.id
		out.Displaced = cand.id
		out.Conflict = true
	}
	return out, nil
}

// incumbent returns the current survivor for key, consulting persistent
// state for keys outside the scope.
func (e *Engine) incumbent(key cidmap.StructuralKey) (survivor, bool, error) {
	if s, ok := e.survivors[key]; ok {
		return s, true, nil
	}
	if e.incumbents == nil {
		return survivor{}, false, nil
	}
	id, ok, err := e.incumbents(key)
	if err != nil {
		return survivor{}, false, fmt.Errorf("load incumbent for %s: %w", key, err)
	}
	if !ok {
		return survivor{}, false, nil
	}
	status, err := Classify(e.mapper, id)
	if err != nil {
		return survivor{}, false, err
	}
	s := survivor{id: id, canonical: status.Canonical()}
	e.survivors[key] = s
	return s, true, nil
}

// Survivor returns the current survivor for key within the scope.
func (e *Engine) Survivor(key cidmap.StructuralKey) (cidmap.ID, bool) {
	s, ok := e.survivors[key]
	return s.id, ok
}

// Len returns the number of keys in the scope.
func (e *Engine) Len() int {
	return len(e.survivors)
}

// Forget drops key from the scope, so its next candidate is judged
// against persistent state only.
func (e *Engine) Forget(key cidmap.StructuralKey) {
	delete(e.survivors, key)
}

// Restore sets key's survivor back to id, a survivor that is known to be
// persisted. It undoes decisions whose records never reached the store.
func (e *Engine) Restore(key cidmap.StructuralKey, id cidmap.ID) error {
	status, err := Classify(e.mapper, id)
	if err != nil {
		return err
	}
	e.survivors[key] = survivor{id: id, canonical: status.Canonical()}
	return nil
}

// Reset drops the scope. The conflict log is kept.
func (e *Engine) Reset() {
	e.survivors = make(map[cidmap.StructuralKey]survivor)
}

// Conflicts returns the engine's conflict log.
func (e *Engine) Conflicts() *ConflictLog {
	return e.conflicts
}
