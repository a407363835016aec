package placement

import (
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/sets/treeset"
)

// Box is the report of one device after packing a layer.
type Box struct {
	Index       int       `json:"box_index"`
	Items       []int     `json:"items"`
	Weights     []float64 `json:"weight"`
	TotalWeight float64   `json:"total_weight"`
	ItemCount   int       `json:"item_count"`

	members *hashset.Set
}

func (b *Box) holds(expert int) bool {
	return b.members.Contains(expert)
}

func (b *Box) add(expert int, weight float64) {
	b.Items = append(b.Items, expert)
	b.Weights = append(b.Weights, weight)
	b.TotalWeight += weight
	b.ItemCount++
	b.members.Add(expert)
}

func (b *Box) remove(pos int) (int, float64) {
	expert, weight := b.Items[pos], b.Weights[pos]
	b.Items = append(b.Items[:pos], b.Items[pos+1:]...)
	b.Weights = append(b.Weights[:pos], b.Weights[pos+1:]...)
	b.TotalWeight -= weight
	b.ItemCount--
	b.members.Remove(expert)
	return expert, weight
}

func cmpBoxLoad(left, right interface{}) int {
	l, r := left.(*Box), right.(*Box)
	if l.TotalWeight < r.TotalWeight {
		return -1
	}
	if l.TotalWeight > r.TotalWeight {
		return 1
	}
	return l.Index - r.Index
}

// boxTracker keeps the boxes ordered by (accumulated weight, index) and
// enforces the per box item quota. quota+1 is allowed for as many boxes as
// there are remainder items.
type boxTracker struct {
	boxes     []*Box
	order     *treeset.Set
	quota     int
	remaining int
}

func newBoxTracker(count, totalItems int) *boxTracker {
	t := &boxTracker{
		order:     treeset.NewWith(cmpBoxLoad),
		quota:     totalItems / count,
		remaining: totalItems % count,
	}
	for i := 0; i < count; i++ {
		b := &Box{Index: i, members: hashset.New()}
		t.boxes = append(t.boxes, b)
		t.order.Add(b)
	}
	return t
}

func (t *boxTracker) hasRoom(b *Box) bool {
	return b.ItemCount < t.quota || (b.ItemCount == t.quota && t.remaining > 0)
}

func (t *boxTracker) eligible(b *Box, expert int) bool {
	return t.hasRoom(b) && !b.holds(expert)
}

// lightest returns the least loaded box that may take expert, or nil.
func (t *boxTracker) lightest(expert int) *Box {
	iter := t.order.Iterator()
	for iter.Next() {
		b := iter.Value().(*Box)
		if t.eligible(b, expert) {
			return b
		}
	}
	return nil
}

func (t *boxTracker) place(b *Box, expert int, weight float64) {
	t.order.Remove(b)
	b.add(expert, weight)
	t.order.Add(b)
	if b.ItemCount == t.quota+1 && t.remaining > 0 {
		t.remaining--
	}
}

// makeRoom handles the case where every box with room already holds expert.
// An item of the lightest box without expert moves to the lightest box with
// room, and the box it left is returned to take expert instead. Box sizes
// stay within the quota. Returns nil only if no such move exists.
func (t *boxTracker) makeRoom(expert int) *Box {
	var open *Box
	iter := t.order.Iterator()
	for iter.Next() {
		if b := iter.Value().(*Box); t.hasRoom(b) {
			open = b
			break
		}
	}
	if open == nil {
		return nil
	}
	iter = t.order.Iterator()
	for iter.Next() {
		donor := iter.Value().(*Box)
		if donor == open || donor.holds(expert) {
			continue
		}
		for pos, e := range donor.Items {
			if open.holds(e) {
				continue
			}
			t.take(donor, pos, open)
			return donor
		}
	}
	return nil
}

// take moves the item at pos of from into to.
func (t *boxTracker) take(from *Box, pos int, to *Box) {
	if from.ItemCount == t.quota+1 {
		t.remaining++
	}
	t.order.Remove(from)
	expert, weight := from.remove(pos)
	t.order.Add(from)
	t.place(to, expert, weight)
}
