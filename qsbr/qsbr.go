// Package qsbr implements quiescent-state-based reclamation: a small
// epoch mechanism that lets lock-free readers dereference pointers they
// observed without risking use-after-free when writers publish
// replacements. It is the safe-memory-reclamation backbone for the
// concurrent hash set in package hashset, but is independently usable by
// anything that defers frees behind a Log.
package qsbr

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/zeebo/qsbrset/internal/machine"
	pad "github.com/zeebo/qsbrset/machine"
	"github.com/zeebo/qsbrset/mpsclog"
)

// Error is the typed value every panic raised by this package carries, so a
// caller that wants to catch at a higher layer can recover() and compare it
// or use errors.As.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrThreadLimitExceeded is panicked by RegisterThread once 64 threads
	// have already registered.
	ErrThreadLimitExceeded Error = "qsbr: thread limit exceeded"

	// ErrRegistrationClosed is panicked by RegisterThread once any thread
	// has announced a quiescent state. Registration and quiescence are
	// mutually exclusive phases: the engine never rotates with partial
	// membership, so new members can't be allowed in once rotation has
	// started being observed.
	ErrRegistrationClosed Error = "qsbr: cannot register a thread after quiescent has been observed"
)

// Deleter runs the side effect associated with a reclamation Kind. Engine
// dispatches to one of these at drain time instead of carrying a closure
// per entry, matching the tagged Entry design in package mpsclog.
type Deleter func(unsafe.Pointer)

// Engine tracks registered threads, collects per-thread quiescent
// announcements, and rotates two reclamation logs across epochs.
type Engine struct {
	counter   atomic.Uint64
	quiescent atomic.Uint64
	_         pad.Pad48

	current  atomic.Pointer[mpsclog.Log]
	previous atomic.Pointer[mpsclog.Log]
	_        pad.Pad48

	anyQuiescent atomic.Bool
	deleters     [2]Deleter
}

// New returns an Engine with its two reclamation logs ready and the given
// deleters installed for mpsclog.KindFreeArray and mpsclog.KindDeleteBucket
// respectively. Either may be nil if the owner never defers that kind.
func New(freeArray, deleteBucket Deleter) *Engine {
	e := &Engine{}
	e.current.Store(mpsclog.New())
	e.previous.Store(mpsclog.New())
	e.deleters[mpsclog.KindFreeArray] = freeArray
	e.deleters[mpsclog.KindDeleteBucket] = deleteBucket
	return e
}

// RegisterThread atomically increments the thread counter and returns the
// prior value as the calling thread's permanent id. It panics with
// ErrThreadLimitExceeded past 64 threads, and with ErrRegistrationClosed if
// any thread has already announced a quiescent state.
func (e *Engine) RegisterThread() uint64 {
	if e.anyQuiescent.Load() {
		panic(ErrRegistrationClosed)
	}
	tid := e.counter.Add(1) - 1
	if tid >= machine.MaxThreads {
		panic(ErrThreadLimitExceeded)
	}
	return tid
}

// Defer enqueues a reclamation entry on the current epoch's log. Safe from
// any registered thread; wait-free apart from node allocation.
func (e *Engine) Defer(entry mpsclog.Entry) {
	e.current.Load().Push(entry)
}

// Quiescent announces that thread tid currently holds no pointers into the
// structures this Engine protects. If every registered thread has now
// announced a quiescent state in the current epoch, the calling thread also
// performs epoch rotation: drain the previous log, swap current/previous,
// and reset the quiescent mask.
func (e *Engine) Quiescent(tid uint64) {
	e.anyQuiescent.Store(true)

	mask := uint64(1) << tid
	for {
		prev := e.quiescent.Load()
		next := prev | mask
		if !e.quiescent.CompareAndSwap(prev, next) {
			continue
		}

		counter := e.counter.Load()
		if prev != next && uint64(bits.OnesCount64(next)) == counter {
			e.rotate()
		}
		return
	}
}

// rotate drains the previous log, swaps current and previous, and resets
// the quiescent mask. Only the thread that observed the full mask calls
// this; concurrent Defer calls during rotation still land on whichever log
// current points to at the instant of the push, so no entry is lost.
func (e *Engine) rotate() {
	previous := e.previous.Load()
	e.drain(previous)

	next := e.current.Swap(previous)
	e.previous.Store(next)

	e.quiescent.Store(0)
}

func (e *Engine) drain(l *mpsclog.Log) {
	for {
		entry, ok := l.Pop()
		if !ok {
			return
		}
		if fn := e.deleters[entry.Kind]; fn != nil {
			fn(entry.Ptr)
		}
	}
}

// DrainAll empties both logs, running every deleter. It is meant for
// shutdown paths where there are no more readers to be consistent with.
func (e *Engine) DrainAll() {
	e.drain(e.previous.Load())
	e.drain(e.current.Load())
}
