package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestThreadLockerBasic(t *testing.T) {
	tl := NewThreadLocker()

	unlock, err := tl.Lock(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if tl.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", tl.ActiveCount())
	}

	unlock()

	if tl.ActiveCount() != 0 {
		t.Errorf("ActiveCount after unlock = %d, want 0", tl.ActiveCount())
	}
}

func TestThreadLockerSerializesSameThread(t *testing.T) {
	tl := NewThreadLocker()

	unlock1, err := tl.Lock(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("Lock1: %v", err)
	}

	order := make(chan int, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		unlock2, err := tl.Lock(context.Background(), "thread-1")
		if err != nil {
			t.Errorf("Lock2: %v", err)
			return
		}
		order <- 2
		unlock2()
	}()

	// Give the second locker time to block.
	time.Sleep(50 * time.Millisecond)

	order <- 1
	unlock1()

	wg.Wait()
	close(order)

	vals := make([]int, 0, 2)
	for v := range order {
		vals = append(vals, v)
	}
	if len(vals) != 2 || vals[0] != 1 || vals[1] != 2 {
		t.Errorf("order = %v, want [1, 2]", vals)
	}
}

func TestThreadLockerIndependentThreads(t *testing.T) {
	tl := NewThreadLocker()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	for _, id := range []string{"thread-a", "thread-b"} {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			unlock, err := tl.Lock(context.Background(), threadID)
			if err != nil {
				errCh <- err
				return
			}
			time.Sleep(20 * time.Millisecond)
			unlock()
		}(id)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestThreadLockerContextCancel(t *testing.T) {
	tl := NewThreadLocker()

	unlock1, err := tl.Lock(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("Lock1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = tl.Lock(ctx, "thread-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The abandoned waiter must not orphan the lock: after release,
	// a fresh caller acquires promptly.
	unlock1()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	unlock3, err := tl.Lock(ctx2, "thread-1")
	if err != nil {
		t.Fatalf("Lock3 after abandoned waiter: %v", err)
	}
	unlock3()
}

func TestThreadLockerCleanup(t *testing.T) {
	tl := NewThreadLocker()

	for _, id := range []string{"t1", "t2", "t3"} {
		unlock, err := tl.Lock(context.Background(), id)
		if err != nil {
			t.Fatalf("Lock(%s): %v", id, err)
		}
		unlock()
	}

	if tl.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 (all cleaned up)", tl.ActiveCount())
	}
}
