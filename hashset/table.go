package hashset

import "math/bits"

// tableView bundles the table's size exponent with its cell array and
// publishes the pair with a single atomic.Pointer swap, so a reader always
// observes a mutually consistent (shift, cells) pair rather than risking a
// stale modulus paired with a fresh array or vice versa.
type tableView[T comparable] struct {
	shift uint8 // M == 1 << shift
	cells []*cell[T]
}

// newTableView allocates a fresh table of 2^shift empty buckets.
func newTableView[T comparable](shift uint8) *tableView[T] {
	cells := make([]*cell[T], uint64(1)<<shift)
	for i := range cells {
		cells[i] = newCell[T](&bucket[T]{})
	}
	return &tableView[T]{shift: shift, cells: cells}
}

func (tv *tableView[T]) modulus() uint64 {
	return uint64(1) << tv.shift
}

// cellFor returns the cell owning hash under this view's modulus.
func (tv *tableView[T]) cellFor(hash uint64) *cell[T] {
	return tv.cells[hash&(tv.modulus()-1)]
}

// log2 returns the exponent of the smallest power of two >= n.
func log2(n uint64) uint8 {
	return uint8(bits.Len64(n - 1))
}
