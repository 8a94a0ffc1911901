// Package queue implements the default uatransport.Executor: a bounded
// worker pool shared across channels, with one single-goroutine actor per
// channel direction so that submissions against any one SecureChannel are
// strictly ordered while unrelated channels still make forward progress
// concurrently (spec §5).
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/opcua-io/uatransport"
)

// GoPool is the default uatransport.Executor, backed by a weighted
// semaphore bounding total in-flight work across every actor sharing it.
type GoPool struct {
	sem *semaphore.Weighted
}

var _ uatransport.Executor = (*GoPool)(nil)

// NewGoPool constructs a pool that admits at most maxConcurrency submissions
// at a time across every actor sharing it.
func NewGoPool(maxConcurrency int64) *GoPool {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &GoPool{sem: semaphore.NewWeighted(maxConcurrency)}
}

// Submit runs fn on a pool goroutine once a slot is free, returning a
// channel that receives fn's error (or ctx's error if the caller gave up
// waiting for a slot) and is then closed.
func (p *GoPool) Submit(ctx context.Context, fn func() error) <-chan error {
	out := make(chan error, 1)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		out <- err
		close(out)
		return out
	}
	go func() {
		defer p.sem.Release(1)
		defer close(out)
		out <- fn()
	}()
	return out
}

// Actor serializes submissions against a single owner (one per channel
// direction) through a buffered mailbox, so encode/decode work for that
// channel runs strictly in submission order even though it executes on a
// pool goroutine borrowed from a shared GoPool (spec §5: "a single-threaded
// cooperative task... submissions to a channel's queue are strictly
// ordered").
type Actor struct {
	pool    uatransport.Executor
	mailbox chan task

	closeOnce sync.Once
	closed    chan struct{}
}

type task struct {
	fn   func() error
	done chan error
}

// NewActor starts an actor backed by pool, buffering up to mailboxSize
// pending submissions before Submit blocks the caller.
func NewActor(pool uatransport.Executor, mailboxSize int) *Actor {
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	a := &Actor{
		pool:    pool,
		mailbox: make(chan task, mailboxSize),
		closed:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case t := <-a.mailbox:
			result := <-a.pool.Submit(context.Background(), t.fn)
			t.done <- result
			close(t.done)
		case <-a.closed:
			return
		}
	}
}

// Submit enqueues fn for serialized execution and returns a channel
// receiving its eventual result. Submitting after Close returns
// uatransport.ErrChannelClosed without running fn.
func (a *Actor) Submit(ctx context.Context, fn func() error) <-chan error {
	out := make(chan error, 1)
	select {
	case <-a.closed:
		out <- uatransport.ErrChannelClosed
		close(out)
		return out
	default:
	}
	t := task{fn: fn, done: out}
	select {
	case a.mailbox <- t:
	case <-ctx.Done():
		out <- ctx.Err()
		close(out)
	case <-a.closed:
		out <- uatransport.ErrChannelClosed
		close(out)
	}
	return out
}

// Close stops accepting new submissions. Work already in the mailbox when
// Close runs may be dropped rather than executed; callers that need a
// drain-then-stop should wait for outstanding Submit results first.
func (a *Actor) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
	})
}
