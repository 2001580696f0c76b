/**
 * @description
 * This file implements the per-reference exclusive lease that serializes every
 * mutation of one order's or invoice's ledger row. Any component that wants to
 * apply a payment event must hold the reference's lease; unrelated references
 * never contend. Acquisition is fair-enough (FIFO on the Go runtime's channel
 * queue) and bounded: a caller that cannot acquire within the configured wait
 * gets ErrLeaseBusy and may retry later.
 */
package app

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLeaseBusy is returned when a lease cannot be acquired within the bounded
// wait. Callers map it to OutcomeBusy; the event is never silently dropped.
var ErrLeaseBusy = errors.New("reference lease busy")

// Locker grants exclusive, reference-scoped leases. Acquire blocks up to the
// implementation's bounded wait and returns a release function that must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, reference string) (release func(), err error)
}

type leaseEntry struct {
	sem  chan struct{}
	refs int
}

// LeaseRegistry is the in-process Locker: a registry of leases keyed by
// reference, created on demand and removed once no caller holds or awaits
// them. It replaces any global "is this order being processed" state.
type LeaseRegistry struct {
	mu      sync.Mutex
	wait    time.Duration
	entries map[string]*leaseEntry
}

// NewLeaseRegistry creates a registry whose Acquire waits at most maxWait.
func NewLeaseRegistry(maxWait time.Duration) *LeaseRegistry {
	return &LeaseRegistry{
		wait:    maxWait,
		entries: make(map[string]*leaseEntry),
	}
}

func (r *LeaseRegistry) checkout(reference string) *leaseEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[reference]
	if !ok {
		entry = &leaseEntry{sem: make(chan struct{}, 1)}
		r.entries[reference] = entry
	}
	entry.refs++
	return entry
}

func (r *LeaseRegistry) checkin(reference string, entry *leaseEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(r.entries, reference)
	}
}

// Acquire takes the exclusive lease for a reference, waiting at most the
// registry's bounded wait.
func (r *LeaseRegistry) Acquire(ctx context.Context, reference string) (func(), error) {
	entry := r.checkout(reference)

	timer := time.NewTimer(r.wait)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-entry.sem
				r.checkin(reference, entry)
			})
		}
		return release, nil
	case <-ctx.Done():
		r.checkin(reference, entry)
		return nil, ctx.Err()
	case <-timer.C:
		r.checkin(reference, entry)
		return nil, ErrLeaseBusy
	}
}
