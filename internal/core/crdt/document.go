// Package crdt implements the replicated document type the sync engine
// operates on: a sequence CRDT with dense position identifiers and
// tombstoned deletes. Concurrent updates from any number of replicas merge
// deterministically regardless of arrival order.
package crdt

import (
	"sort"
	"sync"
)

// positionBase bounds the first allocation level of position identifiers.
const positionBase = 1 << 16

// ItemID uniquely identifies one inserted item across all replicas.
type ItemID struct {
	Site  string `json:"site"`
	Clock uint64 `json:"clock"`
}

// IsZero reports whether the ID is unset.
func (id ItemID) IsZero() bool {
	return id.Site == "" && id.Clock == 0
}

// less orders IDs for tie-breaking items that share a position.
func (id ItemID) less(other ItemID) bool {
	if id.Site != other.Site {
		return id.Site < other.Site
	}
	return id.Clock < other.Clock
}

// Item is one element of the replicated sequence. Deleted items remain as
// tombstones so late-arriving concurrent operations still find their targets.
type Item struct {
	ID       ItemID `json:"id"`
	Position []int  `json:"pos"`
	Value    string `json:"value"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// VersionVector records the highest clock observed per site.
type VersionVector map[string]uint64

// Covers reports whether the vector has already observed the given ID.
func (v VersionVector) Covers(id ItemID) bool {
	return id.Clock <= v[id.Site]
}

// Document is one in-memory replica of a collaborative document.
type Document struct {
	mu    sync.RWMutex
	site  string
	clock uint64
	items []Item

	// index of known item IDs, including tombstones
	byID map[ItemID]int

	// deletes that arrived before their target insert
	pendingDeletes map[ItemID]struct{}
}

// New creates an empty replica owned by the given site (actor) id.
func New(site string) *Document {
	return &Document{
		site:           site,
		byID:           make(map[ItemID]int),
		pendingDeletes: make(map[ItemID]struct{}),
	}
}

// Site returns the replica's actor id.
func (d *Document) Site() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.site
}

// Text returns the visible document content.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []byte
	for _, it := range d.items {
		if !it.Deleted {
			out = append(out, it.Value...)
		}
	}
	return string(out)
}

// Len returns the number of visible items.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.visibleLenLocked()
}

func (d *Document) visibleLenLocked() int {
	n := 0
	for _, it := range d.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Version returns the replica's current version vector.
func (d *Document) Version() VersionVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v := make(VersionVector)
	for _, it := range d.items {
		if it.ID.Clock > v[it.ID.Site] {
			v[it.ID.Site] = it.ID.Clock
		}
	}
	return v
}

// Insert inserts text before the visible index and returns the update to
// broadcast. Index is clamped to the document bounds.
func (d *Document) Insert(index int, text string) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 {
		index = 0
	}
	if n := d.visibleLenLocked(); index > n {
		index = n
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		op := d.insertOneLocked(index, string(r))
		ops = append(ops, op)
		index++
	}
	return Update{Ops: ops}
}

// Delete removes length visible items starting at index and returns the
// update to broadcast.
func (d *Document) Delete(index, length int) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for n := 0; n < length; n++ {
		pos := d.visibleToRawLocked(index)
		if pos < 0 {
			break
		}
		it := &d.items[pos]
		it.Deleted = true
		ops = append(ops, Op{Kind: OpDelete, ID: it.ID})
	}
	return Update{Ops: ops}
}

// insertOneLocked allocates a position between the visible neighbors of
// index and appends the insert op.
func (d *Document) insertOneLocked(index int, value string) Op {
	var left, right []int
	if raw := d.visibleToRawLocked(index - 1); raw >= 0 {
		left = d.items[raw].Position
	}
	if raw := d.visibleToRawLocked(index); raw >= 0 {
		right = d.items[raw].Position
	}

	d.clock++
	it := Item{
		ID:       ItemID{Site: d.site, Clock: d.clock},
		Position: positionBetween(left, right),
		Value:    value,
	}
	d.integrateLocked(it)

	return Op{Kind: OpInsert, ID: it.ID, Position: it.Position, Value: it.Value}
}

// visibleToRawLocked maps a visible index to the raw item index, skipping
// tombstones. Returns -1 when out of range.
func (d *Document) visibleToRawLocked(index int) int {
	if index < 0 {
		return -1
	}
	seen := 0
	for i, it := range d.items {
		if it.Deleted {
			continue
		}
		if seen == index {
			return i
		}
		seen++
	}
	return -1
}

// integrateLocked places the item at its totally-ordered position. The order
// is (position, site, clock), which every replica computes identically.
func (d *Document) integrateLocked(it Item) {
	at := sort.Search(len(d.items), func(i int) bool {
		return !itemBefore(d.items[i], it)
	})
	d.items = append(d.items, Item{})
	copy(d.items[at+1:], d.items[at:])
	d.items[at] = it

	for i := at; i < len(d.items); i++ {
		d.byID[d.items[i].ID] = i
	}

	if _, ok := d.pendingDeletes[it.ID]; ok {
		delete(d.pendingDeletes, it.ID)
		d.items[at].Deleted = true
	}
}

// itemBefore is the total order over items shared by all replicas.
func itemBefore(a, b Item) bool {
	if c := comparePositions(a.Position, b.Position); c != 0 {
		return c < 0
	}
	return a.ID.less(b.ID)
}

func comparePositions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// positionBetween returns a fresh position identifier strictly between left
// and right. Nil bounds mean the document edges.
func positionBetween(left, right []int) []int {
	var prefix []int
	for depth := 0; ; depth++ {
		l := 0
		if depth < len(left) {
			l = left[depth]
		}
		r := positionBase
		if depth < len(right) {
			r = right[depth]
		}
		if r-l > 1 {
			return append(prefix, l+1)
		}
		prefix = append(prefix, l)
	}
}
