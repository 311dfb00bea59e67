// Package hashset implements a lock-free concurrent hash set over per-bucket
// copy-on-write buckets, with reclamation handed to package qsbr. Insert and
// Erase CAS-publish a freshly copied bucket in place of the one they read;
// Rehash doubles the table in place by locking each old bucket, a thread at
// a time, while readers and writers see either the fully-old or fully-new
// table and never a partial one.
package hashset

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zeebo/qsbrset/internal/debug"
	"github.com/zeebo/qsbrset/machine"
	"github.com/zeebo/qsbrset/mpsclog"
	"github.com/zeebo/qsbrset/qsbr"
)

// Error is the typed value every panic raised by this package carries, so a
// caller that wants to catch at a higher layer can recover() and compare it
// or use errors.As.
type Error string

func (e Error) Error() string { return string(e) }

// ErrRehashOverflow is panicked by Rehash when even a doubled table would
// overflow a bucket during redistribution: hash-function pathology or
// adversarial input. The rehash-in-progress flag is released and every
// cell locked so far is unlocked before the panic, so the set is left
// usable under its old table.
const ErrRehashOverflow Error = "hashset: rehash overflow"

// Debug toggles the optional one-line "rehash\n" diagnostic marker that
// Rehash emits on every successful table doubling, off by default. The
// stall warning in waitForRehash is unconditional; it doesn't gate its
// Stderr line behind a debug toggle.
var Debug = false

func debugf(format string, args ...interface{}) {
	if Debug {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Set is a concurrent hash set of T, built on QSBR-reclaimed, copy-on-write
// buckets. The zero value is not usable; construct with New or NewStrings.
type Set[T comparable] struct {
	hash func(T) uint64

	// view is read on every Find/Insert/Erase and rehashing on every
	// Insert/Erase; padding between them follows the same false-sharing discipline used
	// elsewhere in this module via package machine. bucket and cell stay
	// unpadded: they're generic over T, and an exact-size assertion needs
	// a package-scope constant unsafe.Sizeof, which isn't expressible for
	// a type parameterized type.
	view      atomic.Pointer[tableView[T]]
	_         machine.Pad56
	engine    *qsbr.Engine
	rehashing atomic.Bool

	bucketPool sync.Pool
}

// New returns a Set hashing keys with hash and starting with bucketCount
// buckets, which must be a power of two.
func New[T comparable](hash func(T) uint64, bucketCount uint64) *Set[T] {
	debug.Assert("bucketCount is a positive power of two", func() bool {
		return bucketCount > 0 && bucketCount&(bucketCount-1) == 0
	})

	s := &Set[T]{hash: hash}
	s.view.Store(newTableView[T](log2(bucketCount)))
	s.engine = qsbr.New(s.freeArray, s.deleteBucket)
	return s
}

// NewStrings is New specialized to string keys, hashing with StringHash.
func NewStrings(bucketCount uint64) *Set[string] {
	return New(StringHash, bucketCount)
}

// freeArray is the qsbr.Deleter installed for mpsclog.KindFreeArray. Go's
// GC already reclaims the backing tableView once every reference to it
// drops; QSBR's contribution here is only to guarantee that the drop
// happens no earlier than it is safe to, which this deleter doesn't need
// to act on further.
func (s *Set[T]) freeArray(unsafe.Pointer) {}

// deleteBucket is the qsbr.Deleter installed for mpsclog.KindDeleteBucket.
// Rather than a no-op matching freeArray, retired buckets are recycled into
// bucketPool: Insert and Erase allocate a fresh bucket on every operation, so
// giving QSBR's deferred-delete a real job (safe reuse, not just safe drop)
// amortizes that allocation across operations instead of only within a
// single retry loop.
func (s *Set[T]) deleteBucket(p unsafe.Pointer) {
	b := (*bucket[T])(p)
	*b = bucket[T]{}
	s.bucketPool.Put(b)
}

func (s *Set[T]) getBucket() *bucket[T] {
	if b, ok := s.bucketPool.Get().(*bucket[T]); ok {
		return b
	}
	return &bucket[T]{}
}

func (s *Set[T]) deferDeleteBucket(b *bucket[T]) {
	s.engine.Defer(mpsclog.Entry{Kind: mpsclog.KindDeleteBucket, Ptr: unsafe.Pointer(b)})
}

func (s *Set[T]) deferFreeArray(tv *tableView[T]) {
	s.engine.Defer(mpsclog.Entry{Kind: mpsclog.KindFreeArray, Ptr: unsafe.Pointer(tv)})
}

// RegisterThread registers the calling thread with the Set's QSBR engine
// and returns its permanent id. Call this once per thread
// before that thread's first Find/Insert/Erase/Rehash. It panics
// (qsbr.ErrThreadLimitExceeded) past 64 registered threads and
// (qsbr.ErrRegistrationClosed) if any thread has already announced a
// quiescent state.
func (s *Set[T]) RegisterThread() uint64 {
	return s.engine.RegisterThread()
}

// waitForRehash bounded-spins while a rehash is in progress: a 500-
// iteration counter before a Stderr warning and a short sleep.
func (s *Set[T]) waitForRehash() {
	failures := 0
	for s.rehashing.Load() {
		runtime.Gosched()
		failures++
		if failures == 500 {
			failures = 0
			fmt.Fprintln(os.Stderr, "Slowdown: waiting for rehash to finish")
			time.Sleep(time.Millisecond)
		}
	}
}

// Find reports whether key is present. Unless waitFree is true, Find also
// announces a quiescent state for tid after the lookup, participating in
// epoch progress; an epoch that never advances would never reclaim
// anything, so a caller that passes true trades that participation away in
// exchange for Find never taking the bounded step a rotation's drain can
// impose.
func (s *Set[T]) Find(key T, tid uint64, waitFree bool) bool {
	hash := s.hash(key)
	view := s.view.Load()
	b := view.cellFor(hash).stripLock()
	found := b.find(key, hash) >= 0

	if !waitFree {
		s.engine.Quiescent(tid)
	}
	return found
}

// Insert adds key if it is absent and reports whether it was already
// present. On a full bucket it triggers Rehash and retries.
func (s *Set[T]) Insert(key T, tid uint64) bool {
	hash := s.hash(key)

	var preallocated *bucket[T]
	for {
		s.waitForRehash()

		view := s.view.Load()
		c := view.cellFor(hash)
		state := c.loadState()
		old := state.bucket

		if old.find(key, hash) >= 0 {
			s.engine.Quiescent(tid)
			return true
		}

		if old.full() {
			s.Rehash()
			continue
		}

		fresh := preallocated
		if fresh == nil {
			fresh = s.getBucket()
		}
		fresh = old.cloneInto(fresh)
		fresh.insert(key, hash)

		if c.compareAndSwap(state, fresh) {
			s.deferDeleteBucket(old)
			s.engine.Quiescent(tid)
			return false
		}

		// CAS lost the race; reuse fresh as the preallocated buffer for the
		// next attempt instead of allocating again.
		preallocated = fresh
	}
}

// Erase removes key if present and reports whether it was present.
func (s *Set[T]) Erase(key T, tid uint64) bool {
	hash := s.hash(key)

	var preallocated *bucket[T]
	for {
		s.waitForRehash()

		view := s.view.Load()
		c := view.cellFor(hash)
		state := c.loadState()
		old := state.bucket

		index := old.find(key, hash)
		if index < 0 {
			s.engine.Quiescent(tid)
			return false
		}

		fresh := preallocated
		if fresh == nil {
			fresh = s.getBucket()
		}
		fresh = old.cloneInto(fresh)
		fresh.remove(index)

		if c.compareAndSwap(state, fresh) {
			s.deferDeleteBucket(old)
			s.engine.Quiescent(tid)
			return true
		}

		preallocated = fresh
	}
}

// Rehash doubles the table in place and reports whether the calling thread
// performed the doubling (false means another thread was already
// rehashing; the caller's original operation should retry, which will
// re-read the table and see the new one). It panics with ErrRehashOverflow
// if even the doubled table can't hold some bucket's redistributed slots,
// after restoring the old table to a writable state.
func (s *Set[T]) Rehash() bool {
	if !s.rehashing.CompareAndSwap(false, true) {
		return false
	}
	return s.redistribute(s.view.Load().shift + 1)
}

// redistribute does the locking, per-slot redistribution, and publication
// that Rehash describes, targeting a table of 2^newShift cells. Rehash
// always calls it with the old shift plus one, since the table only ever
// doubles; tests call it directly with other shifts, since that's the only
// way to make ErrRehashOverflow reachable — under real doubling a new cell
// only ever receives from exactly one old cell, so it can never overflow a
// capacity that didn't shrink.
func (s *Set[T]) redistribute(newShift uint8) bool {
	old := s.view.Load()
	next := newTableView[T](newShift)

	for i, c := range old.cells {
		b := c.lock()

		for j := 0; j < b.size; j++ {
			slot := b.items[j]
			target := next.cellFor(slot.hash).stripLock()
			if target.full() {
				s.abortRehash(old.cells[:i+1])
				panic(ErrRehashOverflow)
			}
			target.insert(slot.item, slot.hash)
		}
	}

	// Old buckets are retired only once redistribution has fully succeeded:
	// on the abort path above they stay reachable through the old table.
	for _, c := range old.cells {
		s.deferDeleteBucket(c.stripLock())
	}
	s.deferFreeArray(old)
	s.view.Store(next)
	s.rehashing.Store(false)

	debugf("rehash\n")
	return true
}

// abortRehash releases every cell locked so far and clears the
// rehash-in-progress flag, leaving the old table writable again. Unlike the
// normal completion path, the old array is not retired, so its cells must
// stop being locked rather than staying locked forever.
func (s *Set[T]) abortRehash(locked []*cell[T]) {
	for _, c := range locked {
		c.unlock()
	}
	s.rehashing.Store(false)
}
