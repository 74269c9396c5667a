package leases

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Epochs survive releases, matching the postgres store.
type MemoryStore struct {
	clock func() time.Time

	mu     sync.Mutex
	held   map[string]Lease
	epochs map[string]int64
}

// NewMemoryStore uses clock for expiry; nil means time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{clock: clock, held: make(map[string]Lease), epochs: make(map[string]int64)}
}

func (m *MemoryStore) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := CheckHold(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[name]; ok && cur.Live(now) {
		return cur, false, nil
	}
	m.epochs[name]++
	l := Lease{Name: name, Owner: owner, Epoch: m.epochs[name], ExpiresAt: now.Add(ttl)}
	m.held[name] = l
	return l, true, nil
}

func (m *MemoryStore) Extend(_ context.Context, name, owner string, ttl time.Duration) (Lease, error) {
	if err := CheckHold(name, owner, ttl); err != nil {
		return Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	cur, ok := m.held[name]
	if !ok || cur.Owner != owner || !cur.Live(now) {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotOwner, name)
	}
	cur.ExpiresAt = now.Add(ttl)
	m.held[name] = cur
	return cur, nil
}

func (m *MemoryStore) Release(_ context.Context, name, owner string) error {
	if err := CheckOwner(name, owner); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, name)
	}
	delete(m.held, name)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (Lease, error) {
	if err := CheckOwner(name, "-"); err != nil {
		return Lease{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.held[name]
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return l, nil
}
