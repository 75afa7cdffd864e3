package crdt

import (
	"fmt"
	"strings"
)

type item struct {
	id      ID
	left    *ID
	right   *ID
	char    rune
	deleted bool
}

// Item is the exported form of one character, used to ship full state
// to clients.
type Item struct {
	ID      ID     `json:"id"`
	Left    *ID    `json:"left,omitempty"`
	Right   *ID    `json:"right,omitempty"`
	Char    string `json:"char"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Doc is one replica of a text sequence. It is not safe for concurrent
// use.
type Doc struct {
	replica string
	items   []*item
	index   map[ID]*item
	seen    map[string]uint64
	visible int
}

// New returns an empty document that creates local characters under
// replica.
func New(replica string) *Doc {
	return &Doc{
		replica: replica,
		index:   make(map[ID]*item),
		seen:    make(map[string]uint64),
	}
}

func (d *Doc) Replica() string { return d.replica }

// Len returns the number of visible characters.
func (d *Doc) Len() int { return d.visible }

// Text returns the visible characters in order.
func (d *Doc) Text() string {
	var b strings.Builder
	b.Grow(d.visible)
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.char)
		}
	}
	return b.String()
}

// Has reports whether the character id has been integrated.
func (d *Doc) Has(id ID) bool {
	_, ok := d.index[id]
	return ok
}

// Version returns the highest integrated sequence per replica.
func (d *Doc) Version() map[string]uint64 {
	out := make(map[string]uint64, len(d.seen))
	for r, s := range d.seen {
		out[r] = s
	}
	return out
}

// Items returns every character including tombstones.
func (d *Doc) Items() []Item {
	out := make([]Item, len(d.items))
	for i, it := range d.items {
		out[i] = Item{ID: it.id, Left: it.left, Right: it.right, Char: string(it.char), Deleted: it.deleted}
	}
	return out
}

// Apply integrates a remote or replayed operation. It reports whether
// the document changed. Duplicates are ignored. An operation whose
// dependencies are not yet present returns ErrMissingDependency and
// leaves the document untouched.
func (d *Doc) Apply(op Operation) (bool, error) {
	if err := op.Validate(); err != nil {
		return false, err
	}
	if op.Kind == KindDelete {
		return d.applyDelete(op)
	}
	return d.applyInsert(op)
}

func (d *Doc) applyInsert(op Operation) (bool, error) {
	runes := []rune(op.Text)
	replica := op.ID.Replica
	last := d.seen[replica]
	end := op.ID.Seq + uint64(len(runes)) - 1
	if op.ID.Seq <= last {
		overlap := runes
		if end > last {
			overlap = runes[:last-op.ID.Seq+1]
		}
		if !d.integrated(op, overlap) {
			return false, fmt.Errorf("%w: %s already holds different characters", ErrConflict, op.ID)
		}
	}
	if end <= last {
		return false, nil
	}
	if op.ID.Seq > last+1 {
		return false, fmt.Errorf("%w: %s expects seq %d, got %d", ErrMissingDependency, replica, last+1, op.ID.Seq)
	}

	left := op.Left
	start := op.ID.Seq
	if skip := last + 1 - op.ID.Seq; skip > 0 {
		// Part of the run is already here; continue after it.
		runes = runes[skip:]
		start = last + 1
		left = &ID{Replica: replica, Seq: last}
	}
	if left != nil && !d.Has(*left) {
		return false, fmt.Errorf("%w: left origin %s", ErrMissingDependency, left)
	}
	if op.Right != nil && !d.Has(*op.Right) {
		return false, fmt.Errorf("%w: right origin %s", ErrMissingDependency, op.Right)
	}

	run := make([]*item, len(runes))
	for k, r := range runes {
		id := ID{Replica: replica, Seq: start + uint64(k)}
		run[k] = &item{id: id, left: copyID(left), right: copyID(op.Right), char: r}
		left = &id
	}
	d.integrate(run)
	d.seen[replica] = end
	return true, nil
}

// integrated reports whether the leading characters of op are already
// present exactly as op describes them.
func (d *Doc) integrated(op Operation, runes []rune) bool {
	for k, r := range runes {
		it := d.index[ID{Replica: op.ID.Replica, Seq: op.ID.Seq + uint64(k)}]
		if it == nil || it.char != r {
			return false
		}
		if k == 0 && (!sameID(it.left, op.Left) || !sameID(it.right, op.Right)) {
			return false
		}
	}
	return true
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (d *Doc) applyDelete(op Operation) (bool, error) {
	for _, target := range op.Targets {
		if !d.Has(target) {
			return false, fmt.Errorf("%w: delete target %s", ErrMissingDependency, target)
		}
	}
	changed := false
	for _, target := range op.Targets {
		it := d.index[target]
		if !it.deleted {
			it.deleted = true
			d.visible--
			changed = true
		}
	}
	return changed, nil
}

// integrate places a run between the origins of its first character.
// Among siblings that share both origins the lower ID goes first;
// siblings anchored further out are skipped over or stop the scan. Every
// later character of the run has its predecessor as left origin, which
// nothing integrated can reference yet, so the run stays contiguous.
func (d *Doc) integrate(run []*item) {
	first := run[0]
	left := d.indexOf(first.left, -1)
	right := d.indexOf(first.right, len(d.items))
	dest := left + 1
	scanning := false

	var positions map[ID]int
	position := func(id *ID, missing int) int {
		if id == nil {
			return missing
		}
		if positions == nil {
			positions = make(map[ID]int, len(d.items))
			for i, it := range d.items {
				positions[it.id] = i
			}
		}
		if i, ok := positions[*id]; ok {
			return i
		}
		return missing
	}

	for i := dest; ; i++ {
		if !scanning {
			dest = i
		}
		if i == len(d.items) || i == right {
			break
		}
		other := d.items[i]
		oleft := position(other.left, -1)
		oright := position(other.right, len(d.items))

		if oleft < left {
			break
		}
		if oleft > left {
			continue
		}
		if oright < right {
			scanning = true
			continue
		}
		if oright == right && first.id.Compare(other.id) < 0 {
			break
		}
		scanning = false
	}

	n := len(d.items)
	d.items = append(d.items, run...)
	copy(d.items[dest+len(run):], d.items[dest:n])
	copy(d.items[dest:], run)
	for _, it := range run {
		d.index[it.id] = it
	}
	d.visible += len(run)
}

func (d *Doc) indexOf(id *ID, missing int) int {
	if id == nil || !d.Has(*id) {
		return missing
	}
	for i, it := range d.items {
		if it.id == *id {
			return i
		}
	}
	return missing
}

// Insert creates a local insert of text at visible offset and applies
// it.
func (d *Doc) Insert(offset int, text string) (Operation, error) {
	if offset < 0 || offset > d.visible {
		return Operation{}, fmt.Errorf("%w: offset %d out of range [0,%d]", ErrInvalidOperation, offset, d.visible)
	}
	op := Operation{
		Kind: KindInsert,
		ID:   ID{Replica: d.replica, Seq: d.seen[d.replica] + 1},
		Text: text,
	}
	at := 0
	if offset > 0 {
		li := d.rawIndex(offset - 1)
		op.Left = copyID(&d.items[li].id)
		at = li + 1
	}
	if at < len(d.items) {
		op.Right = copyID(&d.items[at].id)
	}
	if _, err := d.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Delete creates a local delete of length characters starting at
// visible offset and applies it.
func (d *Doc) Delete(offset, length int) (Operation, error) {
	if offset < 0 || length <= 0 || offset+length > d.visible {
		return Operation{}, fmt.Errorf("%w: range [%d,%d) out of [0,%d)", ErrInvalidOperation, offset, offset+length, d.visible)
	}
	op := Operation{Kind: KindDelete, Targets: make([]ID, 0, length)}
	seen := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if seen >= offset {
			op.Targets = append(op.Targets, it.id)
			if len(op.Targets) == length {
				break
			}
		}
		seen++
	}
	if _, err := d.Apply(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// rawIndex returns the slice index of the visible character at offset.
func (d *Doc) rawIndex(offset int) int {
	seen := 0
	for i, it := range d.items {
		if it.deleted {
			continue
		}
		if seen == offset {
			return i
		}
		seen++
	}
	return -1
}

// IDAt returns the ID of the visible character at offset.
func (d *Doc) IDAt(offset int) (ID, bool) {
	if offset < 0 || offset >= d.visible {
		return ID{}, false
	}
	return d.items[d.rawIndex(offset)].id, true
}

// Offset returns the visible offset of id. A deleted character resolves
// to the position where it used to be.
func (d *Doc) Offset(id ID) (int, bool) {
	if !d.Has(id) {
		return 0, false
	}
	offset := 0
	for _, it := range d.items {
		if it.id == id {
			return offset, true
		}
		if !it.deleted {
			offset++
		}
	}
	return 0, false
}

func copyID(id *ID) *ID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
