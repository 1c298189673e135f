package orchestrator

import "sync"

// entityLocks serializes mutating work per entity. The lock is held only for
// the execute and postcondition phases; validation and approval waits run
// unlocked so a parked approval cannot starve other actions on the entity.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*entityLock)}
}

// acquire blocks until the entity's lock is held and returns the release
// function. Lock entries are reference counted and reaped on last release.
func (e *entityLocks) acquire(entity string) func() {
	e.mu.Lock()
	l, ok := e.locks[entity]
	if !ok {
		l = &entityLock{}
		e.locks[entity] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, entity)
		}
		e.mu.Unlock()
	}
}
