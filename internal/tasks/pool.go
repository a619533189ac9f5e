// Package tasks runs fire-and-forget side effects off the request path.
//
// DESIGN: A bounded queue feeding a fixed set of workers. Submission never
// blocks: a full queue drops the task and reports it, which is acceptable
// for last-used touches and already-spooled usage emission. Close drains the
// queue so shutdown is deterministic.
package tasks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Task is one unit of detached work. The context is canceled when the pool
// shuts down past its drain deadline.
type Task func(ctx context.Context)

// Pool is a bounded worker pool.
type Pool struct {
	queue   chan Task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	dropped atomic.Int64

	// mu orders Submit's closed-check-then-send against Close's
	// set-closed-then-close-channel, so a send can never hit a closed queue.
	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines consuming a queue of the given size.
func NewPool(workers, queueSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, queueSize),
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.queue {
				task(ctx)
			}
		}()
	}
	return p
}

// Submit enqueues a task. Returns false if the pool is shutting down or the
// queue is full; the task is dropped in either case.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		p.dropped.Add(1)
		log.Warn().Msg("tasks: queue full, dropping detached task")
		return false
	}
}

// Dropped returns how many tasks were rejected.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting work and drains the queue. If ctx expires first, the
// workers' context is canceled so in-flight tasks can bail out.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
