package controller

import (
	"context"
	"sync"

	"github.com/keelhq/keel/pkg/model"
)

type lockEntry struct {
	addr      model.Address
	exclusive bool
}

// LockTable serializes operations on overlapping subtrees. An exclusive lock on an
// address conflicts with every lock on the same address, its ancestors and its
// descendants; shared locks only conflict with exclusive ones.
type LockTable struct {
	mu      sync.Mutex
	held    map[*lockEntry]struct{}
	changed chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{
		held:    make(map[*lockEntry]struct{}),
		changed: make(chan struct{}),
	}
}

// Acquire blocks until the lock can be taken or ctx is done. The returned function
// releases the lock and is safe to call more than once.
func (t *LockTable) Acquire(ctx context.Context, addr model.Address, exclusive bool) (func(), error) {
	entry := &lockEntry{addr: addr, exclusive: exclusive}

	for {
		t.mu.Lock()
		if !t.conflicts(entry) {
			t.held[entry] = struct{}{}
			t.mu.Unlock()
			var once sync.Once
			return func() { once.Do(func() { t.release(entry) }) }, nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire takes the lock only if it is free right now.
func (t *LockTable) TryAcquire(addr model.Address, exclusive bool) (func(), bool) {
	entry := &lockEntry{addr: addr, exclusive: exclusive}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conflicts(entry) {
		return nil, false
	}
	t.held[entry] = struct{}{}
	var once sync.Once
	return func() { once.Do(func() { t.release(entry) }) }, true
}

// Held returns the number of locks currently held.
func (t *LockTable) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

func (t *LockTable) conflicts(e *lockEntry) bool {
	for h := range t.held {
		if !e.exclusive && !h.exclusive {
			continue
		}
		if e.addr.Overlaps(h.addr) {
			return true
		}
	}
	return false
}

func (t *LockTable) release(e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, e)
	close(t.changed)
	t.changed = make(chan struct{})
}
