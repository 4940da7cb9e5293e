// Package replica holds the mergeable in-memory representation of one
// document's content. Concurrent edits from any number of peers
// converge without a central arbiter: deltas are idempotent and
// commute, so arrival order does not matter.
package replica

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrMalformedDelta = errors.New("malformed delta")

// ElementID uniquely names one inserted element across all replicas.
type ElementID struct {
	Site    string `cbor:"1,keyasint" json:"site"`
	Counter uint64 `cbor:"2,keyasint" json:"counter"`
}

func (id ElementID) zero() bool { return id.Site == "" }

// Seg is one step of a dense position path. Ord orders siblings;
// Site breaks ties between concurrent allocations of the same Ord.
type Seg struct {
	Ord  uint32 `cbor:"1,keyasint" json:"ord"`
	Site string `cbor:"2,keyasint" json:"site"`
}

// Position is a path in the allocation tree. Positions are compared
// lexicographically; a strict prefix sorts before its extensions.
type Position []Seg

func comparePositions(a, b Position) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Ord != b[i].Ord {
			if a[i].Ord < b[i].Ord {
				return -1
			}
			return 1
		}
		if a[i].Site != b[i].Site {
			return strings.Compare(a[i].Site, b[i].Site)
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

// Element is one character of the sequence. Deleted elements stay in
// the sequence as tombstones so late-arriving deltas still anchor.
type Element struct {
	ID   ElementID `cbor:"1,keyasint" json:"id"`
	Pos  Position  `cbor:"2,keyasint" json:"pos"`
	Rune rune      `cbor:"3,keyasint" json:"rune"`
}

// Delta is the opaque, transmissible unit of change: a set of inserted
// elements and a set of deleted element ids. Applying a delta twice,
// or applying causally-unrelated deltas in any order, yields the same
// state because both sets merge by union.
type Delta struct {
	Inserts []Element   `cbor:"1,keyasint" json:"inserts,omitempty"`
	Deletes []ElementID `cbor:"2,keyasint" json:"deletes,omitempty"`
}

func (d Delta) empty() bool { return len(d.Inserts) == 0 && len(d.Deletes) == 0 }

// Update is delivered to subscribers after every state change. Remote
// marks deltas that arrived from a peer, so consumers forwarding to the
// transport can avoid echoing them back.
type Update struct {
	Delta  Delta
	Remote bool
}

// Snapshot is the structured serialization of a replica, sufficient to
// rehydrate it on another device or after a restart.
type Snapshot struct {
	Elements   []Element   `cbor:"1,keyasint" json:"elements"`
	Tombstones []ElementID `cbor:"2,keyasint" json:"tombstones"`
}

const maxOrd = 1<<31 - 1

// Replica is the live merged state of one document on one site.
// Methods are safe for concurrent use; the transport's receive loop
// and the local editor may touch the replica at the same time.
type Replica struct {
	mu       sync.Mutex
	site     string
	counter  uint64
	elements []Element // sorted by (Pos, ID)
	byID     map[ElementID]int
	deleted  map[ElementID]bool // includes deletes seen before their insert
	subs     []func(Update)
}

func New(site string) *Replica {
	return &Replica{
		site:    site,
		byID:    make(map[ElementID]int),
		deleted: make(map[ElementID]bool),
	}
}

func (r *Replica) Site() string { return r.site }

// Subscribe registers fn to run after every applied change. Callbacks
// run synchronously on the mutating goroutine, outside the lock.
func (r *Replica) Subscribe(fn func(Update)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

func (r *Replica) notify(u Update) {
	r.mu.Lock()
	subs := make([]func(Update), len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

// visible returns the indexes of non-tombstoned elements, in order.
func (r *Replica) visible() []int {
	idxs := make([]int, 0, len(r.elements))
	for i := range r.elements {
		if !r.deleted[r.elements[i].ID] {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// InsertAt inserts text before the visible index and returns the delta
// to transmit. Index len(visible) appends.
func (r *Replica) InsertAt(index int, text string) (Delta, error) {
	if text == "" {
		return Delta{}, nil
	}
	r.mu.Lock()
	vis := r.visible()
	if index < 0 || index > len(vis) {
		r.mu.Unlock()
		return Delta{}, fmt.Errorf("insert index %d out of range [0,%d]", index, len(vis))
	}

	var left, right Position
	if index > 0 {
		left = r.elements[vis[index-1]].Pos
	}
	if index < len(vis) {
		right = r.elements[vis[index]].Pos
	}

	inserts := make([]Element, 0, len(text))
	for _, ch := range text {
		pos := allocBetween(left, right, r.site)
		r.counter++
		el := Element{
			ID:   ElementID{Site: r.site, Counter: r.counter},
			Pos:  pos,
			Rune: ch,
		}
		r.insertElement(el)
		inserts = append(inserts, el)
		left = pos
	}
	r.mu.Unlock()

	delta := Delta{Inserts: inserts}
	r.notify(Update{Delta: delta})
	return delta, nil
}

// DeleteAt tombstones n visible elements starting at index and returns
// the delta to transmit.
func (r *Replica) DeleteAt(index, n int) (Delta, error) {
	if n <= 0 {
		return Delta{}, nil
	}
	r.mu.Lock()
	vis := r.visible()
	if index < 0 || index+n > len(vis) {
		r.mu.Unlock()
		return Delta{}, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", index, index+n, len(vis))
	}
	deletes := make([]ElementID, 0, n)
	for _, vi := range vis[index : index+n] {
		id := r.elements[vi].ID
		r.deleted[id] = true
		deletes = append(deletes, id)
	}
	r.mu.Unlock()

	delta := Delta{Deletes: deletes}
	r.notify(Update{Delta: delta})
	return delta, nil
}

// ApplyRemote merges a delta received from a peer. Elements already
// present and deletes already recorded are ignored, which makes the
// merge idempotent; inserts and deletes both union, which makes it
// commutative. A malformed delta is rejected whole and leaves the
// state untouched.
func (r *Replica) ApplyRemote(delta Delta) error {
	if err := validateDelta(delta); err != nil {
		return err
	}
	if delta.empty() {
		return nil
	}

	r.mu.Lock()
	changed := false
	for _, el := range delta.Inserts {
		if _, ok := r.byID[el.ID]; ok {
			continue
		}
		r.insertElement(el)
		if el.ID.Site == r.site && el.ID.Counter > r.counter {
			r.counter = el.ID.Counter
		}
		changed = true
	}
	for _, id := range delta.Deletes {
		// A delete may arrive before its insert; record it anyway so
		// the element is born tombstoned when the insert lands.
		if !r.deleted[id] {
			r.deleted[id] = true
			changed = true
		}
	}
	r.mu.Unlock()

	if changed {
		r.notify(Update{Delta: delta, Remote: true})
	}
	return nil
}

func validateDelta(delta Delta) error {
	for _, el := range delta.Inserts {
		if el.ID.zero() || len(el.Pos) == 0 {
			return ErrMalformedDelta
		}
		for _, seg := range el.Pos {
			if seg.Ord > maxOrd {
				return ErrMalformedDelta
			}
		}
	}
	for _, id := range delta.Deletes {
		if id.zero() {
			return ErrMalformedDelta
		}
	}
	return nil
}

// insertElement places el into the sorted sequence. Caller holds mu.
func (r *Replica) insertElement(el Element) {
	at := sort.Search(len(r.elements), func(i int) bool {
		return lessElement(el, r.elements[i])
	})
	r.elements = append(r.elements, Element{})
	copy(r.elements[at+1:], r.elements[at:])
	r.elements[at] = el
	for i := at; i < len(r.elements); i++ {
		r.byID[r.elements[i].ID] = i
	}
}

func lessElement(a, b Element) bool {
	if c := comparePositions(a.Pos, b.Pos); c != 0 {
		return c < 0
	}
	if a.ID.Site != b.ID.Site {
		return a.ID.Site < b.ID.Site
	}
	return a.ID.Counter < b.ID.Counter
}

// Render flattens the visible sequence to plain text.
func (r *Replica) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for i := range r.elements {
		if !r.deleted[r.elements[i].ID] {
			b.WriteRune(r.elements[i].Rune)
		}
	}
	return b.String()
}

// Len reports the number of visible elements.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.elements {
		if !r.deleted[r.elements[i].ID] {
			n++
		}
	}
	return n
}

// Snapshot captures the full structured state, tombstones included.
func (r *Replica) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Elements:   make([]Element, len(r.elements)),
		Tombstones: make([]ElementID, 0, len(r.deleted)),
	}
	copy(snap.Elements, r.elements)
	for id := range r.deleted {
		snap.Tombstones = append(snap.Tombstones, id)
	}
	sort.Slice(snap.Tombstones, func(i, j int) bool {
		a, b := snap.Tombstones[i], snap.Tombstones[j]
		if a.Site != b.Site {
			return a.Site < b.Site
		}
		return a.Counter < b.Counter
	})
	return snap
}

// Load rehydrates the replica from a snapshot, replacing any current
// state. The local site's counter resumes past every id the snapshot
// carries so new inserts never collide.
func (r *Replica) Load(snap Snapshot) error {
	for _, el := range snap.Elements {
		if el.ID.zero() || len(el.Pos) == 0 {
			return ErrMalformedDelta
		}
	}
	r.mu.Lock()
	r.elements = r.elements[:0]
	r.byID = make(map[ElementID]int, len(snap.Elements))
	r.deleted = make(map[ElementID]bool, len(snap.Tombstones))
	for _, id := range snap.Tombstones {
		r.deleted[id] = true
	}
	for _, el := range snap.Elements {
		if _, ok := r.byID[el.ID]; ok {
			continue
		}
		r.insertElement(el)
		if el.ID.Site == r.site && el.ID.Counter > r.counter {
			r.counter = el.ID.Counter
		}
	}
	r.mu.Unlock()
	return nil
}

// Merge unions another snapshot into the current state. Used for the
// full-state resync handshake after a long disconnect.
func (r *Replica) Merge(snap Snapshot) error {
	for _, el := range snap.Elements {
		if el.ID.zero() || len(el.Pos) == 0 {
			return ErrMalformedDelta
		}
	}
	delta := Delta{Inserts: snap.Elements, Deletes: snap.Tombstones}
	return r.ApplyRemote(delta)
}

// allocBetween returns a fresh position strictly between left and
// right. A nil left means the start of the document, a nil right the
// end. The returned position ends with a segment owned by site, so
// concurrent allocations between the same neighbors stay distinct.
func allocBetween(left, right Position, site string) Position {
	prefix := make(Position, 0, len(left)+1)
	qBounded := right != nil
	for depth := 0; ; depth++ {
		lo := uint32(0)
		loSite := ""
		if depth < len(left) {
			lo = left[depth].Ord
			loSite = left[depth].Site
		}
		hi := uint32(maxOrd)
		if qBounded && depth < len(right) {
			hi = right[depth].Ord
		}
		if hi-lo > 1 {
			return append(prefix, Seg{Ord: lo + 1, Site: site})
		}
		prefix = append(prefix, Seg{Ord: lo, Site: loSite})
		// Once the prefix drops strictly below the right bound every
		// deeper extension is below it too, so the bound falls away.
		if qBounded && !(depth < len(right) && right[depth].Ord == lo && right[depth].Site == loSite) {
			qBounded = false
		}
	}
}
