/*
lease.go - Per-period mutual exclusion for calculation runs

PURPOSE:
  A calculation run holds a logical lease on its period for as long as it
  is in flight. A second request for the same period fails fast with
  ErrAlreadyRunning instead of queueing.

  Leases expire after a TTL so a crashed process cannot wedge a period;
  long runs extend their lease periodically.

IMPLEMENTATIONS:
  - MemoryLeases: single process
  - lease/redislease: shared across server instances (SET NX PX)
*/
package payroll

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LeaseManager hands out exclusive, expiring leases keyed by string.
type LeaseManager interface {
	// Acquire returns ErrLeaseHeld if another owner holds key.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Key() string
	Owner() string
	// Extend pushes the expiry out by ttl. ErrLeaseLost if no longer held.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// CalculationLeaseKey is the lease key guarding a period's calculation runs.
func CalculationLeaseKey(id PeriodID) string {
	return fmt.Sprintf("payroll:period:%s:calculation", id)
}

// =============================================================================
// MEMORY IMPLEMENTATION
// =============================================================================

type MemoryLeases struct {
	mu   sync.Mutex
	held map[string]memoryHold
	now  Clock
}

type memoryHold struct {
	owner   string
	expires time.Time
}

func NewMemoryLeases() *MemoryLeases {
	return &MemoryLeases{held: make(map[string]memoryHold), now: systemClock}
}

// WithClock replaces the clock used for expiry.
func (m *MemoryLeases) WithClock(c Clock) *MemoryLeases {
	m.now = c
	return m
}

func (m *MemoryLeases) Acquire(_ context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if h, ok := m.held[key]; ok && h.owner != owner && now.Before(h.expires) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
	m.held[key] = memoryHold{owner: owner, expires: now.Add(ttl)}
	return &memoryLease{mgr: m, key: key, owner: owner}, nil
}

type memoryLease struct {
	mgr   *MemoryLeases
	key   string
	owner string
}

func (l *memoryLease) Key() string   { return l.key }
func (l *memoryLease) Owner() string { return l.owner }

func (l *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	h, ok := l.mgr.held[l.key]
	if !ok || h.owner != l.owner {
		return ErrLeaseLost
	}
	h.expires = l.mgr.now().Add(ttl)
	l.mgr.held[l.key] = h
	return nil
}

func (l *memoryLease) Release(_ context.Context) error {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	if h, ok := l.mgr.held[l.key]; ok && h.owner == l.owner {
		delete(l.mgr.held, l.key)
	}
	return nil
}
