package searcher

import "selfplay/value"

type bound uint8

const (
	exact bound = iota
	lower       // value is at least this
	upper       // value is at most this
)

type entry struct {
	depth int
	value float64
	bound bound
	leaf  value.Leaf
}

// table is a transposition table keyed by structural position hash.
type table struct {
	size    int
	entries map[uint64]entry
}

func newTable(size int) *table {
	return &table{size: size, entries: make(map[uint64]entry)}
}

func (t *table) probe(key uint64, depth int) (entry, bool) {
	e, ok := t.entries[key]
	if !ok || e.depth < depth {
		return entry{}, false
	}
	return e, true
}

// store keeps the deeper result and drops new keys once full.
func (t *table) store(key uint64, e entry) {
	old, ok := t.entries[key]
	if ok && old.depth > e.depth {
		return
	}
	if !ok && len(t.entries) >= t.size {
		return
	}
	t.entries[key] = e
}

func (t *table) clear() {
	clear(t.entries)
}
