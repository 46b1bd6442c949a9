package notify

// directory is the insertion-ordered set of registered subscribers.
// Only the affinity loop touches it.
type directory struct {
	order []any
	index map[any]int
}

func newDirectory() *directory {
	return &directory{index: make(map[any]int)}
}

// add inserts sub. Returns false if it was already present.
func (d *directory) add(sub any) bool {
	if _, ok := d.index[sub]; ok {
		return false
	}
	d.index[sub] = len(d.order)
	d.order = append(d.order, sub)
	return true
}

// remove deletes sub, keeping the order of the others. Returns false if absent.
func (d *directory) remove(sub any) bool {
	i, ok := d.index[sub]
	if !ok {
		return false
	}
	delete(d.index, sub)
	copy(d.order[i:], d.order[i+1:])
	d.order[len(d.order)-1] = nil
	d.order = d.order[:len(d.order)-1]
	for j := i; j < len(d.order); j++ {
		d.index[d.order[j]] = j
	}
	return true
}

func (d *directory) contains(sub any) bool {
	_, ok := d.index[sub]
	return ok
}

// each calls fn for every member in insertion order.
func (d *directory) each(fn func(sub any)) {
	for _, sub := range d.order {
		fn(sub)
	}
}

func (d *directory) len() int {
	return len(d.order)
}

func (d *directory) clear() {
	d.order = nil
	d.index = make(map[any]int)
}
