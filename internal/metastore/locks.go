package metastore

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

// lockStripes hands out one of a fixed set of mutexes per key so that
// read-modify-write cycles on the same document are serialized within the
// process without a lock per key.
type lockStripes struct {
	locks []sync.Mutex
}

func newLockStripes(n int) *lockStripes {
	if n < 1 {
		n = 1
	}
	return &lockStripes{locks: make([]sync.Mutex, n)}
}

func (l *lockStripes) forKey(key string) *sync.Mutex {
	h := murmur3.Sum32([]byte(key))
	return &l.locks[h%uint32(len(l.locks))]
}
