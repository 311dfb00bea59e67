// Package machine collects the cache-line-size constants and padding types
// used to keep hot shared structs from false-sharing. The thread-count cap
// lives in internal/machine instead, since 64 is a hard correctness
// invariant (a single uint64 bitmask) rather than a layout concern.
package machine

const (
	CacheLine = 64
)

type (
	Pad64 [64]uint8
	Pad56 [56]uint8
	Pad48 [48]uint8
	Pad40 [40]uint8
	Pad32 [32]uint8
	Pad24 [24]uint8
	Pad16 [16]uint8
	Pad8  [8]uint8
)
