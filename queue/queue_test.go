package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoPoolBoundsConcurrency(t *testing.T) {
	pool := NewGoPool(2)
	var inFlight, maxSeen int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-pool.Submit(context.Background(), func() error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxSeen)
					if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxSeen > 2 {
		t.Fatalf("observed %d concurrent submissions, want <= 2", maxSeen)
	}
}

func TestGoPoolPropagatesError(t *testing.T) {
	pool := NewGoPool(1)
	want := errors.New("boom")
	err := <-pool.Submit(context.Background(), func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}

func TestActorOrdersSubmissionsStrictly(t *testing.T) {
	pool := NewGoPool(4)
	actor := NewActor(pool, 16)
	defer actor.Close()

	var order []int
	var mu sync.Mutex
	var results []<-chan error
	for i := 0; i < 50; i++ {
		i := i
		results = append(results, actor.Submit(context.Background(), func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for _, r := range results {
		if err := <-r; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d; actor did not serialize submissions", i, v, i)
		}
	}
}

func TestActorSubmitAfterCloseFails(t *testing.T) {
	pool := NewGoPool(1)
	actor := NewActor(pool, 1)
	actor.Close()

	err := <-actor.Submit(context.Background(), func() error { return nil })
	if err == nil {
		t.Fatal("expected submission after Close to fail")
	}
}
