// Package serial provides the node's single on-path execution context: one
// goroutine standing in for the primary simulation/request loop. Work that
// must be serialized with that loop (cache mutation it observes, forced
// disconnects) is funneled through an Executor.
package serial

import (
	"context"
	"sync"
)

type Executor struct {
	tasks chan func()
	quit  chan struct{}
	stop  sync.Once
}

type loopKey struct{}

func NewExecutor(queueSize int) *Executor {
	if queueSize < 1 {
		queueSize = 64
	}
	e := &Executor{
		tasks: make(chan func(), queueSize),
		quit:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *Executor) loop() {
	for task := range e.tasks {
		task()
	}
}

// Submit enqueues fn for execution on the loop. Blocks while the queue is
// full; returns false once the executor is stopped.
func (e *Executor) Submit(fn func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.tasks <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// Do runs fn on the loop with a loop-marked context and blocks until it has
// finished or ctx is done. A ctx expiry abandons the wait, not the task. If
// called from the loop itself, fn runs inline to avoid self-deadlock. After
// Stop, fn runs inline so close paths still make progress.
func (e *Executor) Do(ctx context.Context, fn func(context.Context)) error {
	if OnLoop(ctx) {
		fn(ctx)
		return nil
	}
	ran := make(chan struct{})
	ok := e.Submit(func() {
		defer close(ran)
		fn(WithLoop(ctx))
	})
	if !ok {
		fn(WithLoop(ctx))
		return nil
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new work and unblocks any Submit waiting on a full queue.
// Tasks already queued still run on the loop; Stop never waits on a task in
// flight, so a wedged hook cannot hang process exit.
func (e *Executor) Stop() {
	e.stop.Do(func() { close(e.quit) })
}

// WithLoop marks ctx as executing on the loop.
func WithLoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, loopKey{}, true)
}

// OnLoop reports whether ctx carries the loop marker, meaning the caller is
// executing on the node's serialized primary context.
func OnLoop(ctx context.Context) bool {
	v, _ := ctx.Value(loopKey{}).(bool)
	return v
}
