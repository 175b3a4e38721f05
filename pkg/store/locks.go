package store

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// KeyLocks serializes operations on the same key. Distinct keys usually map
// to distinct stripes and proceed in parallel.
type KeyLocks struct {
	stripes [lockStripes]sync.Mutex
}

// Lock locks key and returns the unlock function.
func (l *KeyLocks) Lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}
