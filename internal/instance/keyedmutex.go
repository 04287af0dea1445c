package instance

import "sync"

// KeyedMutex serializes operations per key (per username) while
// allowing different keys to proceed concurrently, per SPEC_FULL.md
// §5's "serialize per username, concurrency across usernames" rule.
type KeyedMutex struct {
	locks sync.Map // string -> *sync.Mutex
}

func (k *KeyedMutex) lockFor(key string) *sync.Mutex {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lock acquires the per-key lock for key.
func (k *KeyedMutex) Lock(key string) { k.lockFor(key).Lock() }

// Unlock releases the per-key lock for key.
func (k *KeyedMutex) Unlock(key string) { k.lockFor(key).Unlock() }

// With runs fn while holding key's lock.
func (k *KeyedMutex) With(key string, fn func() error) error {
	k.Lock(key)
	defer k.Unlock(key)
	return fn()
}
