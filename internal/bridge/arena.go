package bridge

import (
	"math"
	"sync"
)

type kind uint8

const (
	kindWallet kind = iota + 1
	kindKey
)

func (k kind) String() string {
	switch k {
	case kindWallet:
		return "wallet"
	case kindKey:
		return "key"
	default:
		return "unknown"
	}
}

type entry struct {
	generation uint32
	kind       kind
	value      interface{}
}

// arena maps the opaque integers handed to the host to live objects. A
// handle packs the slot index and the slot generation, the latter bumped on
// every release so that stale handles never resolve to a recycled slot.
type arena struct {
	mu      sync.RWMutex
	entries []entry
	free    []uint32
}

func newArena() *arena {
	return &arena{}
}

func (a *arena) insert(k kind, value interface{}) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if uint64(len(a.entries)) >= math.MaxUint32 {
			return 0, false
		}
		index = uint32(len(a.entries))
		a.entries = append(a.entries, entry{})
	}

	e := &a.entries[index]
	e.generation++
	if e.generation == 0 {
		e.generation = 1
	}
	e.kind = k
	e.value = value
	return uint64(e.generation)<<32 | uint64(index), true
}

func (a *arena) get(handle uint64, k kind) (interface{}, bool) {
	index, generation := uint32(handle), uint32(handle>>32)
	if generation == 0 {
		return nil, false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if int(index) >= len(a.entries) {
		return nil, false
	}
	e := a.entries[index]
	if e.generation != generation || e.kind != k {
		return nil, false
	}
	return e.value, true
}

// remove frees the slot of handle and returns the value it held.
func (a *arena) remove(handle uint64) (kind, interface{}, bool) {
	index, generation := uint32(handle), uint32(handle>>32)
	if generation == 0 {
		return 0, nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if int(index) >= len(a.entries) {
		return 0, nil, false
	}
	e := &a.entries[index]
	if e.generation != generation || e.kind == 0 {
		return 0, nil, false
	}

	k, value := e.kind, e.value
	e.kind = 0
	e.value = nil
	a.free = append(a.free, index)
	return k, value, true
}

func (a *arena) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries) - len(a.free)
}
