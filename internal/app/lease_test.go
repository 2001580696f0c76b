package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLeaseRegistry_ExclusivePerReference(t *testing.T) {
	registry := NewLeaseRegistry(30 * time.Millisecond)

	release, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := registry.Acquire(context.Background(), "ORD-1"); !errors.Is(err, ErrLeaseBusy) {
		t.Fatalf("expected ErrLeaseBusy for held reference, got %v", err)
	}

	release()

	release2, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	release2()
}

func TestLeaseRegistry_UnrelatedReferencesDoNotContend(t *testing.T) {
	registry := NewLeaseRegistry(30 * time.Millisecond)

	release1, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("acquire ORD-1 failed: %v", err)
	}
	defer release1()

	release2, err := registry.Acquire(context.Background(), "ORD-2")
	if err != nil {
		t.Fatalf("acquire ORD-2 must not contend with ORD-1: %v", err)
	}
	release2()
}

func TestLeaseRegistry_BoundedWaitSucceedsWhenReleasedInTime(t *testing.T) {
	registry := NewLeaseRegistry(500 * time.Millisecond)

	release, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	release2, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("expected waiter to acquire after release, got %v", err)
	}
	release2()
}

func TestLeaseRegistry_ContextCancelAbortsWait(t *testing.T) {
	registry := NewLeaseRegistry(time.Second)

	release, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := registry.Acquire(ctx, "ORD-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLeaseRegistry_ReleaseIsIdempotent(t *testing.T) {
	registry := NewLeaseRegistry(30 * time.Millisecond)

	release, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	release()
	release() // second call must not unlock someone else's lease

	release2, err := registry.Acquire(context.Background(), "ORD-1")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	defer release2()

	if _, err := registry.Acquire(context.Background(), "ORD-1"); !errors.Is(err, ErrLeaseBusy) {
		t.Fatalf("expected ErrLeaseBusy, got %v", err)
	}
}

func TestLeaseRegistry_SerializesConcurrentHolders(t *testing.T) {
	registry := NewLeaseRegistry(2 * time.Second)

	var mu sync.Mutex
	var inCritical int
	var maxInCritical int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := registry.Acquire(context.Background(), "ORD-1")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Fatalf("expected at most one holder at a time, observed %d", maxInCritical)
	}
}
