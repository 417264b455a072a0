package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireIsReentrant(t *testing.T) {
	m := New()
	ctx := context.Background()
	h, err := m.Acquire(ctx, "proc-1", []string{GroupPath("G1")}, RetryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.Acquire(ctx, "proc-1", []string{GroupPath("G1")}, RetryConfig{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("same holder should reacquire its own lock: %v", err)
	}
	h2.Release()
	h.Release()
}

func TestAcquireSerializesDifferentHolders(t *testing.T) {
	m := New()
	ctx := context.Background()
	h, err := m.Acquire(ctx, "proc-1", []string{GroupPath("G1")}, RetryConfig{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Acquire(ctx, "proc-2", []string{GroupPath("G1")}, RetryConfig{Timeout: 30 * time.Millisecond})
	if err == nil {
		t.Fatal("expected lock contention for a different holder")
	}

	h.Release()
	h3, err := m.Acquire(ctx, "proc-2", []string{GroupPath("G1")}, RetryConfig{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected acquisition to succeed after release: %v", err)
	}
	h3.Release()
}

func TestDisjointPathsRunConcurrently(t *testing.T) {
	m := New()
	ctx := context.Background()
	var running int32
	var wg sync.WaitGroup
	maxConcurrent := int32(0)
	var mu sync.Mutex

	work := func(path string) {
		defer wg.Done()
		h, err := m.Acquire(ctx, path, []string{path}, RetryConfig{})
		if err != nil {
			t.Error(err)
			return
		}
		n := atomic.AddInt32(&running, 1)
		mu.Lock()
		if n > maxConcurrent {
			maxConcurrent = n
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		h.Release()
	}

	wg.Add(2)
	go work(GroupPath("A"))
	go work(GroupPath("B"))
	wg.Wait()

	if maxConcurrent < 2 {
		t.Fatalf("expected disjoint paths to run concurrently, max observed concurrency %d", maxConcurrent)
	}
}

func TestContendedAcquisitionIsFIFO(t *testing.T) {
	m := New()
	ctx := context.Background()
	h, err := m.Acquire(ctx, "proc-1", []string{GroupPath("G1")}, RetryConfig{})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var grants []string
	var wg sync.WaitGroup
	queue := func(holder string) {
		defer wg.Done()
		h, err := m.Acquire(ctx, holder, []string{GroupPath("G1")}, RetryConfig{Timeout: time.Second})
		if err != nil {
			t.Error(err)
			return
		}
		mu.Lock()
		grants = append(grants, holder)
		mu.Unlock()
		h.Release()
	}

	wg.Add(1)
	go queue("proc-2")
	time.Sleep(10 * time.Millisecond) // let proc-2 park first
	wg.Add(1)
	go queue("proc-3")
	time.Sleep(10 * time.Millisecond)

	h.Release()
	wg.Wait()

	if len(grants) != 2 || grants[0] != "proc-2" || grants[1] != "proc-3" {
		t.Fatalf("expected waiters granted in arrival order, got %v", grants)
	}
}

func TestAcquireCanonicalOrderPreventsDeadlock(t *testing.T) {
	m := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)

	run := func(holder string) {
		defer wg.Done()
		h, err := m.Acquire(ctx, holder, []string{GroupPath("B"), GroupPath("A")}, RetryConfig{Timeout: time.Second})
		if err != nil {
			errs <- err
			return
		}
		time.Sleep(5 * time.Millisecond)
		h.Release()
		errs <- nil
	}
	go run("proc-1")
	go run("proc-2")
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("expected no deadlock with canonical ordering, got: %v", err)
		}
	}
}
