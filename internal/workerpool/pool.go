// Package workerpool runs tasks on a fixed number of reusable slots and
// hands results back lazily, either on a later submission to the same slot
// or when the pool is drained.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("workerpool: pool is closed")

// Task is the unit of work run on a slot.
type Task[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one task.
//
// Tag carries the caller-supplied label of the task (for bulk loads, the
// data source of the record) so that failures can be attributed even when
// Value is the zero value.
type Result[T any] struct {
	Tag   string
	Slot  int
	Value T
	Err   error
}

type slot[T any] struct {
	id     int
	result *Result[T]
}

// Pool is a bounded worker pool.
//
// Thread Safety:
//   - Submit and Drain may be called from one producer goroutine
//   - Busy and Size are safe from any goroutine
type Pool[T any] struct {
	size   int
	idle   chan *slot[T]
	busy   atomic.Int32
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a pool with size slots. A size below one is treated as one.
//
// Usage:
//
//	pool := workerpool.New[Outcome](4)
//	prev, err := pool.Submit(ctx, "CUSTOMERS", task)
//	...
//	rest := pool.Drain()
func New[T any](size int) *Pool[T] {
	if size < 1 {
		size = 1
	}
	p := &Pool[T]{
		size: size,
		idle: make(chan *slot[T], size),
	}
	for i := 0; i < size; i++ {
		p.idle <- &slot[T]{id: i}
	}
	return p
}

// Size returns the number of slots.
func (p *Pool[T]) Size() int {
	return p.size
}

// Busy returns the number of slots currently running a task.
func (p *Pool[T]) Busy() int {
	return int(p.busy.Load())
}

// Submit runs task on the next free slot, waiting for one if all are busy.
//
// Parameters:
//   - ctx: Bounds the wait for a free slot and is passed to the task
//   - tag: Label copied onto the task's Result
//   - task: Work to run
//
// Returns:
//   - *Result[T]: The unretrieved result of the slot's previous task, or nil
//   - error: ErrPoolClosed, or the context error if no slot became free
//
// A panicking task is recovered and reported through its Result.Err.
func (p *Pool[T]) Submit(ctx context.Context, tag string, task Task[T]) (*Result[T], error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	var s *slot[T]
	select {
	case s = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	prev := s.result
	s.result = nil

	p.busy.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		res := run(ctx, s.id, tag, task)
		s.result = &res
		p.busy.Add(-1)
		p.idle <- s
	}()

	return prev, nil
}

// Drain waits for every in-flight task and returns all results not yet
// handed back by Submit. The pool stays usable afterwards.
func (p *Pool[T]) Drain() []Result[T] {
	slots := make([]*slot[T], 0, p.size)
	for i := 0; i < p.size; i++ {
		slots = append(slots, <-p.idle)
	}

	var results []Result[T]
	for _, s := range slots {
		if s.result != nil {
			results = append(results, *s.result)
			s.result = nil
		}
	}
	for _, s := range slots {
		p.idle <- s
	}
	return results
}

// Close stops accepting tasks and waits for the running ones. Results still
// held by slots are discarded.
func (p *Pool[T]) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.wg.Wait()
}

func run[T any](ctx context.Context, id int, tag string, task Task[T]) (res Result[T]) {
	res.Tag = tag
	res.Slot = id
	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.Wrap(fmt.Errorf("%v", r), "workerpool: task panicked")
		}
	}()
	res.Value, res.Err = task(ctx)
	return res
}
