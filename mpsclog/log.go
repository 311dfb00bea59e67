// Package mpsclog implements the multi-producer single-consumer queue used
// to hold reclamation entries for one QSBR epoch. Any number of producers
// may Push concurrently; only a single drainer may call Pop.
package mpsclog

import (
	"sync/atomic"
	"unsafe"

	"github.com/zeebo/qsbrset/machine"
)

// Kind tags a reclamation Entry so a consumer can dispatch it without the
// queue itself knowing anything about buckets or arrays.
type Kind uint8

const (
	KindFreeArray Kind = iota
	KindDeleteBucket
)

// Entry is a type-erased reclamation request: a tag plus the pointer it
// applies to. The consumer looks the tag up in its own dispatch table.
type Entry struct {
	Kind Kind
	Ptr  unsafe.Pointer
}

type node struct {
	next  atomic.Pointer[node]
	value Entry
}

// Log is a dummy-head singly linked list queue. FIFO between a single
// producer and the consumer; order between producers is unspecified, but
// every push is eventually visible to Pop.
type Log struct {
	head atomic.Pointer[node] // owned by the consumer
	_    machine.Pad56
	tail atomic.Pointer[node] // exchanged by producers
	_    machine.Pad56
}

// New returns an empty Log.
func New() *Log {
	l := new(Log)
	dummy := new(node)
	l.head.Store(dummy)
	l.tail.Store(dummy)
	return l
}

// Push enqueues an entry. Safe to call concurrently from any number of
// producers; never blocks on anything but allocation.
func (l *Log) Push(e Entry) {
	n := &node{value: e}
	old := l.tail.Swap(n)
	old.next.Store(n)
}

// Pop removes and returns the oldest entry. Only safe to call from a single
// consumer goroutine at a time. Returns false if the log is empty, including
// during the benign window where a concurrent Push has exchanged the tail
// but not yet linked it in — the caller is expected to retry later.
func (l *Log) Pop() (Entry, bool) {
	head := l.head.Load()
	next := head.next.Load()
	if next == nil {
		return Entry{}, false
	}
	l.head.Store(next)
	return next.value, true
}
