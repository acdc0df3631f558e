package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireUncontended(t *testing.T) {
	q := NewQueue(NewMemoryCoordinator(), "/locks")
	handle, err := q.Acquire(context.Background(), "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := handle.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestWritersExcludeEachOther(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	first, err := q.Acquire(ctx, "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	var (
		mu      sync.Mutex
		holders int
		peak    int
	)
	enter := func() {
		mu.Lock()
		holders++
		if holders > peak {
			peak = holders
		}
		mu.Unlock()
	}
	leave := func() {
		mu.Lock()
		holders--
		mu.Unlock()
	}

	enter()
	done := make(chan error, 1)
	go func() {
		second, err := q.Acquire(ctx, "repo-1", "write", 5*time.Second)
		if err != nil {
			done <- err
			return
		}
		enter()
		leave()
		done <- second.Release(ctx)
	}()

	// The second writer must stay queued while the first holds the lock.
	time.Sleep(50 * time.Millisecond)
	leave()
	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second writer: %v", err)
	}
	if peak != 1 {
		t.Fatalf("both writers held the lock at once")
	}
}

func TestNegativeTimeoutWaitsUntilReleased(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	holder, err := q.Acquire(ctx, "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		second, err := q.Acquire(ctx, "repo-1", "write", -1)
		if err != nil {
			done <- err
			return
		}
		done <- second.Release(ctx)
	}()

	// The unbounded waiter must still be queued, not timed out.
	select {
	case err := <-done:
		t.Fatalf("waiter returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	if err := holder.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiter: %v", err)
	}
}

func TestNegativeTimeoutHonorsContext(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	holder, err := q.Acquire(ctx, "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer holder.Release(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Acquire(waitCtx, "repo-1", "write", -1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context deadline", err)
	}

	children, err := coord.Children(ctx, "/locks/repo-1")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("queue entries = %v, want only the holder's", children)
	}
}

func TestZeroTimeoutFailsFastWithoutResidue(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	holder, err := q.Acquire(ctx, "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err = q.Acquire(ctx, "repo-1", "write", 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}

	children, err := coord.Children(ctx, "/locks/repo-1")
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("queue entries = %v, want only the holder's", children)
	}
	if err := holder.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestTimeoutRemovesQueueEntry(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	holder, err := q.Acquire(ctx, "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer holder.Release(ctx)

	start := time.Now()
	_, err = q.Acquire(ctx, "repo-1", "write", 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timed out after %v", elapsed)
	}

	children, _ := coord.Children(ctx, "/locks/repo-1")
	if len(children) != 1 {
		t.Fatalf("queue entries = %v", children)
	}
}

func TestBlockedByNarrowsConflicts(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	reader, err := q.Acquire(ctx, "repo-1", "read", time.Second, "write")
	if err != nil {
		t.Fatalf("reader Acquire: %v", err)
	}

	// A second reader only conflicts with writers, so it passes the queued
	// reader immediately.
	second, err := q.Acquire(ctx, "repo-1", "read", 0, "write")
	if err != nil {
		t.Fatalf("concurrent reader blocked: %v", err)
	}

	// A writer conflicts with everything ahead of it.
	_, err = q.Acquire(ctx, "repo-1", "write", 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("writer got %v, want ErrTimeout", err)
	}

	reader.Release(ctx)
	second.Release(ctx)
}

func TestSessionLost(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	holder, err := q.Acquire(ctx, "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx, "repo-1", "write", 5*time.Second)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Drop the waiter's queue entry behind its back, then wake it up.
	children, _ := coord.Children(ctx, "/locks/repo-1")
	for _, child := range children {
		if "/locks/repo-1/"+child != holder.Path() {
			coord.Delete(ctx, "/locks/repo-1/"+child)
		}
	}
	coord.Delete(ctx, holder.Path())

	if err := <-done; !errors.Is(err, ErrSessionLost) {
		t.Fatalf("got %v, want ErrSessionLost", err)
	}
}

func TestAcquireOrderIsFIFO(t *testing.T) {
	coord := NewMemoryCoordinator()
	q := NewQueue(coord, "/locks")
	ctx := context.Background()

	first, err := q.Acquire(ctx, "repo-1", "write", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := q.Acquire(ctx, "repo-1", "write", 5*time.Second)
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			handle.Release(ctx)
		}()
		// Stagger joins so queue positions match goroutine numbers.
		time.Sleep(20 * time.Millisecond)
	}

	first.Release(ctx)
	wg.Wait()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("acquisition order = %v, want [1 2 3]", order)
	}
}
