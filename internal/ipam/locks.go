package ipam

import (
	"slices"
	"sync"
)

// namespaceLocks serializes hierarchy writes per namespace inside this
// process. Writers to different namespaces never wait for each other.
type namespaceLocks struct {
	mu sync.Mutex
	m  map[uint]*nsLock
}

type nsLock struct {
	mu   sync.Mutex
	refs int
}

func newNamespaceLocks() *namespaceLocks {
	return &namespaceLocks{m: map[uint]*nsLock{}}
}

// lock acquires every namespace in ascending id order and returns the release
// function.
func (l *namespaceLocks) lock(ids ...uint) func() {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	held := make([]*nsLock, 0, len(ids))
	for _, id := range ids {
		l.mu.Lock()
		e, ok := l.m[id]
		if !ok {
			e = &nsLock{}
			l.m[id] = e
		}
		e.refs++
		l.mu.Unlock()

		e.mu.Lock()
		held = append(held, e)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, id := range ids {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.m, id)
			}
		}
		l.mu.Unlock()
	}
}
