package engine

import (
	"sort"
	"sync"

	"github.com/tradeflow/positionengine/internal/domain"
)

// KeyLocks serializes all work on a position key. The hotpath and the
// coldpath share one instance, which gives the mutual-exclusion
// guarantee between trade applies and replays on the same key while
// different keys proceed in parallel.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[domain.PositionKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks creates an empty lock registry.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[domain.PositionKey]*keyLock)}
}

// Lock acquires the per-key mutex, creating it on first use. The
// returned function releases it and drops the entry once unreferenced.
func (k *KeyLocks) Lock(key domain.PositionKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockPair acquires two keys in lexicographic order so concurrent
// direction changes on opposite keys cannot deadlock.
func (k *KeyLocks) LockPair(a, b domain.PositionKey) func() {
	if a == b {
		return k.Lock(a)
	}
	keys := []domain.PositionKey{a, b}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	first := k.Lock(keys[0])
	second := k.Lock(keys[1])
	return func() {
		second()
		first()
	}
}
