package services

import "sync"

// keyedMutex serializes work per entity key. Two simultaneous movements
// against the same pocket or (account, currency) pair would otherwise both
// read the same aggregate and silently drop one update.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires every key in the given order and returns the unlock
// function. Callers must pass keys in a stable sorted order to avoid
// deadlock between overlapping key sets.
func (k *keyedMutex) Lock(keys ...string) func() {
	ms := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		m, ok := k.locks[key]
		if !ok {
			m = &sync.Mutex{}
			k.locks[key] = m
		}
		k.mu.Unlock()
		m.Lock()
		ms = append(ms, m)
	}
	return func() {
		for i := len(ms) - 1; i >= 0; i-- {
			ms[i].Unlock()
		}
	}
}
