package hashset

import "github.com/cespare/xxhash"

// StringHash hashes s with xxhash.Sum64. NewStrings uses it as the default
// hash for Set[string].
func StringHash(s string) uint64 {
	return xxhash.Sum64([]byte(s))
}
