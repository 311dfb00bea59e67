package hashset

import "sync/atomic"

// cellState is what a cell's pointer actually points to: the bucket
// currently reachable through this cell, and whether the cell is locked for
// rehashing. Go can't steal a bit out of a live pointer without hiding it
// from the garbage collector, so the lock flag becomes a field on a small
// immutable struct that the cell's atomic.Pointer swaps wholesale instead
// of tagging the low bit of a raw address.
type cellState[T comparable] struct {
	bucket *bucket[T]
	locked bool
}

// cell is one slot of the bucket array: a word that normally refers to a
// bucket, but which a rehasher can lock to force every concurrent CAS
// against it to fail.
type cell[T comparable] struct {
	state atomic.Pointer[cellState[T]]
}

func newCell[T comparable](b *bucket[T]) *cell[T] {
	c := &cell[T]{}
	c.state.Store(&cellState[T]{bucket: b})
	return c
}

// stripLock returns the bucket reachable through the cell, ignoring whether
// it is locked. Used on every read and write path so in-flight rehashing is
// transparent to the bucket contents a caller sees.
func (c *cell[T]) stripLock() *bucket[T] {
	return c.state.Load().bucket
}

// loadState returns the cell's current state, to be used both for reading
// the bucket and as the expected value of a later compareAndSwap.
func (c *cell[T]) loadState() *cellState[T] {
	return c.state.Load()
}

// lock marks the cell as locked for rehashing and returns its current
// bucket. Once locked, any compareAndSwap against the pre-lock cellState
// value fails, because lock replaced that value's identity.
func (c *cell[T]) lock() *bucket[T] {
	for {
		old := c.state.Load()
		if old.locked {
			return old.bucket
		}
		next := &cellState[T]{bucket: old.bucket, locked: true}
		if c.state.CompareAndSwap(old, next) {
			return old.bucket
		}
	}
}

// compareAndSwap atomically replaces the cell from the exact state old
// (previously observed via loadState) to a fresh, unlocked state pointing
// at next. It fails if a concurrent insert/erase has already published a
// replacement, or if the rehasher has locked the cell in the meantime.
func (c *cell[T]) compareAndSwap(old *cellState[T], next *bucket[T]) bool {
	return c.state.CompareAndSwap(old, &cellState[T]{bucket: next})
}

// unlock clears the locked flag, restoring the cell to a writable state. In
// the normal rehash-completion path the lock bit is never cleared because
// the whole array is about to be retired; unlock instead exists for the
// abort path (RehashOverflow), where the old array stays live and every
// cell locked so far must become writable again before the flag is cleared.
func (c *cell[T]) unlock() {
	for {
		old := c.state.Load()
		if !old.locked {
			return
		}
		if c.state.CompareAndSwap(old, &cellState[T]{bucket: old.bucket}) {
			return
		}
	}
}
