package ecs

// Arena stores values in stable slots addressed by EntityID. A slot index never
// moves while the entity lives, so (partition, slot) style references resolve
// through the arena instead of aliasing pointers. Not safe for concurrent use;
// owners wrap it in their own lock.
type Arena[T any] struct {
	pool         *EntityPool
	slots        []*T
	destroyQueue []EntityID
}

func NewArena[T any]() *Arena[T] {
	return &Arena[T]{
		pool:         NewEntityPool(),
		slots:        make([]*T, 0, 1024),
		destroyQueue: make([]EntityID, 0, 64),
	}
}

// Insert allocates an ID and stores v under it.
func (a *Arena[T]) Insert(v *T) EntityID {
	id := a.pool.Create()
	idx := int(id.Index())
	for len(a.slots) <= idx {
		a.slots = append(a.slots, nil)
	}
	a.slots[idx] = v
	return id
}

// Get returns the value for id, or false if id is stale or was never issued.
func (a *Arena[T]) Get(id EntityID) (*T, bool) {
	if !a.pool.Alive(id) {
		return nil, false
	}
	v := a.slots[id.Index()]
	return v, v != nil
}

func (a *Arena[T]) Alive(id EntityID) bool {
	return a.pool.Alive(id)
}

// Remove frees id immediately.
func (a *Arena[T]) Remove(id EntityID) bool {
	if !a.pool.Destroy(id) {
		return false
	}
	a.slots[id.Index()] = nil
	return true
}

func (a *Arena[T]) Len() int { return a.pool.Len() }

// Each visits live values in slot order.
func (a *Arena[T]) Each(fn func(EntityID, *T)) {
	for idx, v := range a.slots {
		if v == nil {
			continue
		}
		fn(NewEntityID(uint32(idx), a.pool.generations[idx]), v)
	}
}

// MarkForDestruction queues id for the next FlushDestroyQueue.
func (a *Arena[T]) MarkForDestruction(id EntityID) {
	a.destroyQueue = append(a.destroyQueue, id)
}

// PendingDestruction reports how many IDs are queued.
func (a *Arena[T]) PendingDestruction() int { return len(a.destroyQueue) }

// FlushDestroyQueue frees every queued ID, calling fn first for each one that
// is still live. Duplicate and stale entries are skipped.
func (a *Arena[T]) FlushDestroyQueue(fn func(EntityID, *T)) int {
	n := 0
	for _, id := range a.destroyQueue {
		v, ok := a.Get(id)
		if !ok {
			continue
		}
		if fn != nil {
			fn(id, v)
		}
		a.Remove(id)
		n++
	}
	a.destroyQueue = a.destroyQueue[:0]
	return n
}
