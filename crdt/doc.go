// Package crdt implements the replicated text sequence used for shared
// documents.
//
// Every inserted rune is an Item anchored to the item it was typed after (its
// origin). The document is the preorder walk of the tree formed by those
// anchors, with siblings ordered by descending ID, so the visible text
// depends only on the set of items received and never on arrival order.
// Deletes are tombstones kept in a set. Items that arrive before their origin
// are parked until the origin shows up.
package crdt

import (
	"errors"
	"sort"
	"strings"
)

var ErrOutOfRange = errors.New("position out of range")

type node struct {
	item     Item
	children []*node
}

// Doc is a single replica. It is not safe for concurrent use; the document
// store serializes access per file.
type Doc struct {
	client  string
	clock   uint64
	root    *node
	nodes   map[ID]*node
	pending map[ID]Item
	waiting map[ID][]ID
	deleted map[ID]struct{}
}

// NewDoc creates an empty replica that stamps local edits with client.
func NewDoc(client string) *Doc {
	return &Doc{
		client:  client,
		root:    &node{},
		nodes:   make(map[ID]*node),
		pending: make(map[ID]Item),
		waiting: make(map[ID][]ID),
		deleted: make(map[ID]struct{}),
	}
}

func (d *Doc) Client() string { return d.client }

// ApplyUpdate decodes data and merges it. On error the replica is untouched.
func (d *Doc) ApplyUpdate(data []byte) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	d.Apply(u)
	return nil
}

// Apply merges an already validated update. Re-applying items or deletes
// that are already known is a no-op. Two items sharing an ID but differing
// in origin or value resolve to the same winner on every replica.
func (d *Doc) Apply(u Update) {
	for _, item := range u.Items {
		current, ok := d.lookup(item.ID)
		if !ok {
			d.add(item)
			continue
		}
		if item.supersedes(current) {
			d.replace(current, item)
		}
	}
	for _, id := range u.Deletes {
		d.deleted[id] = struct{}{}
	}
}

func (d *Doc) lookup(id ID) (Item, bool) {
	if n, ok := d.nodes[id]; ok {
		return n.item, true
	}
	item, ok := d.pending[id]
	return item, ok
}

// supersedes orders conflicting copies of one ID by origin, then value.
func (it Item) supersedes(other Item) bool {
	if it.Origin != other.Origin {
		return it.Origin.Less(other.Origin)
	}
	return it.Value < other.Value
}

func (d *Doc) add(item Item) {
	d.observe(item.ID.Clock)
	if item.Origin.IsZero() || d.nodes[item.Origin] != nil {
		d.integrate(item)
		return
	}
	d.park(item)
}

func (d *Doc) park(item Item) {
	d.pending[item.ID] = item
	d.waiting[item.Origin] = append(d.waiting[item.Origin], item.ID)
}

func (d *Doc) unpark(item Item) {
	delete(d.pending, item.ID)
	ids := d.waiting[item.Origin]
	for i, id := range ids {
		if id == item.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(d.waiting, item.Origin)
		return
	}
	d.waiting[item.Origin] = ids
}

// replace swaps the stored copy of an ID for item. A changed origin moves
// the item together with everything anchored below it.
func (d *Doc) replace(old, item Item) {
	n, integrated := d.nodes[item.ID]
	switch {
	case integrated && old.Origin == item.Origin:
		n.item = item
		return
	case integrated:
		d.detach(n)
	default:
		d.unpark(old)
	}
	d.add(item)
}

// detach unlinks n from the tree and parks its descendants on their
// origins, so they are relinked as soon as n is integrated again. Origins
// always carry a lower clock than their items, so n's new origin can never
// be one of its descendants.
func (d *Doc) detach(n *node) {
	parent := d.root
	if !n.item.Origin.IsZero() {
		parent = d.nodes[n.item.Origin]
	}
	if parent != nil {
		parent.removeChild(n)
	}
	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		delete(d.nodes, cur.item.ID)
		stack = append(stack, cur.children...)
		if cur != n {
			d.park(cur.item)
		}
	}
}

func (d *Doc) observe(clock uint64) {
	if clock > d.clock {
		d.clock = clock
	}
}

// integrate links item under its origin and then drains every pending item
// that was waiting on it.
func (d *Doc) integrate(item Item) {
	queue := []Item{item}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		parent := d.root
		if !next.Origin.IsZero() {
			parent = d.nodes[next.Origin]
		}
		n := &node{item: next}
		parent.insertChild(n)
		d.nodes[next.ID] = n

		for _, id := range d.waiting[next.ID] {
			queue = append(queue, d.pending[id])
			delete(d.pending, id)
		}
		delete(d.waiting, next.ID)
	}
}

// insertChild keeps children sorted by descending ID.
func (n *node) insertChild(child *node) {
	idx := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].item.ID.Less(child.item.ID)
	})
	n.children = append(n.children, nil)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = child
}

func (n *node) removeChild(child *node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// walk visits integrated items in document order without recursion, since
// sequential typing produces chains as deep as the document is long.
func (d *Doc) walk(fn func(*node)) {
	stack := make([]*node, 0, len(d.root.children))
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(n)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
}

func (d *Doc) visible() []*node {
	out := make([]*node, 0, len(d.nodes))
	d.walk(func(n *node) {
		if _, gone := d.deleted[n.item.ID]; !gone {
			out = append(out, n)
		}
	})
	return out
}

// Text returns the current visible content.
func (d *Doc) Text() string {
	var sb strings.Builder
	for _, n := range d.visible() {
		sb.WriteString(n.item.Value)
	}
	return sb.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	return len(d.visible())
}

// Pending reports how many received items still wait for their origin.
func (d *Doc) Pending() int {
	return len(d.pending)
}

// Insert types text at rune position pos and returns the delta to ship to
// other replicas.
func (d *Doc) Insert(pos int, text string) (Update, error) {
	vis := d.visible()
	if pos < 0 || pos > len(vis) {
		return Update{}, ErrOutOfRange
	}
	var origin ID
	if pos > 0 {
		origin = vis[pos-1].item.ID
	}

	u := Update{Items: make([]Item, 0, len(text))}
	for _, r := range text {
		d.clock++
		item := Item{
			ID:     ID{Clock: d.clock, Client: d.client},
			Origin: origin,
			Value:  string(r),
		}
		d.integrate(item)
		u.Items = append(u.Items, item)
		origin = item.ID
	}
	return u, nil
}

// Delete removes length runes starting at pos and returns the delta.
func (d *Doc) Delete(pos, length int) (Update, error) {
	vis := d.visible()
	if pos < 0 || length < 0 || pos+length > len(vis) {
		return Update{}, ErrOutOfRange
	}
	u := Update{Deletes: make([]ID, 0, length)}
	for _, n := range vis[pos : pos+length] {
		d.deleted[n.item.ID] = struct{}{}
		u.Deletes = append(u.Deletes, n.item.ID)
	}
	return u, nil
}

// State returns everything this replica has received as a single update,
// in canonical order.
func (d *Doc) State() Update {
	u := Update{
		Items:   make([]Item, 0, len(d.nodes)+len(d.pending)),
		Deletes: make([]ID, 0, len(d.deleted)),
	}
	for _, n := range d.nodes {
		u.Items = append(u.Items, n.item)
	}
	for _, item := range d.pending {
		u.Items = append(u.Items, item)
	}
	for id := range d.deleted {
		u.Deletes = append(u.Deletes, id)
	}
	sortItems(u.Items)
	sortIDs(u.Deletes)
	return u
}

// EncodeState serializes State. Two replicas that received the same set of
// updates, in any order and any number of times, produce identical bytes.
func (d *Doc) EncodeState() ([]byte, error) {
	return Encode(d.State())
}
