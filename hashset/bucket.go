package hashset

// slot pairs a key with its hash so bucket lookups compare hashes before
// falling back to the (potentially expensive) key comparison.
type slot[T comparable] struct {
	hash uint64
	item T
}

// bucketSize is the fixed capacity of a bucket.
const bucketSize = 8

// bucket is a small fixed-capacity array of slots. It is immutable once
// published: every mutation is expressed by copying to a fresh bucket and
// CAS-replacing the cell that points at it.
type bucket[T comparable] struct {
	size  int
	items [bucketSize]slot[T]
}

// find returns the index of value in the bucket, or -1 if absent. Hashes
// are compared before keys so a full key comparison only happens on a
// plausible match.
func (b *bucket[T]) find(value T, hash uint64) int {
	for i := 0; i < b.size; i++ {
		if b.items[i].hash == hash && b.items[i].item == value {
			return i
		}
	}
	return -1
}

func (b *bucket[T]) full() bool  { return b.size == bucketSize }
func (b *bucket[T]) empty() bool { return b.size == 0 }

// insert appends value to the bucket. The caller must have already checked
// full().
func (b *bucket[T]) insert(value T, hash uint64) {
	b.items[b.size] = slot[T]{hash: hash, item: value}
	b.size++
}

// remove deletes the slot at index by shifting the tail left. index must be
// in [0, size), and remove itself does not check it. Erase accepts every
// index >= 0 that find returns (not > 0): a naive check that rejects index
// 0 would silently fail to erase the first key ever inserted into a bucket.
func (b *bucket[T]) remove(index int) {
	copy(b.items[index:b.size-1], b.items[index+1:b.size])
	b.size--
}

// cloneInto copies a bucket's contents into dst, which may be a reused
// preallocated bucket from a failed CAS attempt.
func (b *bucket[T]) cloneInto(dst *bucket[T]) *bucket[T] {
	*dst = *b
	return dst
}
