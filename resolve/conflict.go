package resolve

import (
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/tamirms/cidmap"
)

const defaultConflictLimit = 50000

// Conflict is one lost contest for a structural key.
type Conflict struct {
	Key    cidmap.StructuralKey
	Winner cidmap.ID
	Loser  cidmap.ID
}

// ConflictLog counts every conflict and remembers which IDs lost.
//
// Per-key detail is kept for at most limit keys; beyond that only the
// totals and the global loser set grow. The loser set is a compressed
// bitmap, so it stays small even for tens of millions of IDs.
type ConflictLog struct {
	limit     int
	total     uint64
	untracked uint64
	byKey     map[cidmap.StructuralKey]*roaring64.Bitmap
	losers    *roaring64.Bitmap
}

// NewConflictLog returns a log tracking per-key detail for up to limit keys.
func NewConflictLog(limit int) *ConflictLog {
	if limit <= 0 {
		limit = defaultConflictLimit
	}
	return &ConflictLog{
		limit:  limit,
		byKey:  make(map[cidmap.StructuralKey]*roaring64.Bitmap),
		losers: roaring64.New(),
	}
}

// Record logs that loser lost key to winner.
func (l *ConflictLog) Record(c Conflict) {
	l.total++
	l.losers.Add(uint64(c.Loser))

	bm, ok := l.byKey[c.Key]
	if !ok {
		if len(l.byKey) >= l.limit {
			l.untracked++
			return
		}
		bm = roaring64.New()
		l.byKey[c.Key] = bm
	}
	bm.Add(uint64(c.Loser))
}

// Total returns the number of conflicts recorded.
func (l *ConflictLog) Total() uint64 {
	return l.total
}

// Keys returns the number of keys with per-key detail.
func (l *ConflictLog) Keys() int {
	return len(l.byKey)
}

// Untracked returns conflicts that arrived after the key limit was reached.
func (l *ConflictLog) Untracked() uint64 {
	return l.untracked
}

// Lost reports whether id lost any conflict.
func (l *ConflictLog) Lost(id cidmap.ID) bool {
	return l.losers.Contains(uint64(id))
}

// LoserCount returns the number of distinct IDs that lost.
func (l *ConflictLog) LoserCount() uint64 {
	return l.losers.GetCardinality()
}

// Losers returns the IDs that lost key, ascending. Nil if the key is not
// tracked.
func (l *ConflictLog) Losers(key cidmap.StructuralKey) []cidmap.ID {
	bm, ok := l.byKey[key]
	if !ok {
		return nil
	}
	ids := make([]cidmap.ID, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, cidmap.ID(it.Next()))
	}
	return ids
}

// TrackedKeys returns the keys with per-key detail, sorted.
func (l *ConflictLog) TrackedKeys() []cidmap.StructuralKey {
	keys := make([]cidmap.StructuralKey, 0, len(l.byKey))
	for k := range l.byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ClearDetail drops per-key detail, keeping totals and the loser set.
func (l *ConflictLog) ClearDetail() {
	clear(l.byKey)
}
