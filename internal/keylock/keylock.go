// Package keylock provides per-key mutual exclusion.
package keylock

import (
	"sync"

	"github.com/moby/locker"
)

// Map hands out one lock per key. Idle keys are dropped by the underlying
// locker once the last holder unlocks. The zero value is ready to use.
type Map struct {
	once sync.Once
	lk   *locker.Locker
}

// Lock blocks until key is free and returns the matching unlock func.
// The unlock func is idempotent.
func (m *Map) Lock(key string) (unlock func()) {
	m.once.Do(func() { m.lk = locker.New() })
	m.lk.Lock(key)
	var once sync.Once
	return func() {
		once.Do(func() { _ = m.lk.Unlock(key) })
	}
}
