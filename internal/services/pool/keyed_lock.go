package pool

import "sync"

// keyedMutex hands out one mutex per instance ID
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the mutex for key is held and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Forget drops the mutex for key. Holders keep their reference until they unlock.
func (k *keyedMutex) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.locks, key)
}

func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
