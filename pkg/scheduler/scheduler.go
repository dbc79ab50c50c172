// Package scheduler implements the in-process work queue described in
// spec §4.8: FIFO queues per work kind, each bounded by its own concurrency
// cap, with cooperative cancellation propagated to every handler. Grounded
// on the teacher's workflowagent.runParallel errgroup-fanout pattern,
// generalized from a fixed sub-agent fanout to an arbitrary-length,
// per-kind bounded queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Kind identifies a work queue's concurrency class (spec §4.8:
// "agent_runtime: 16, tool_dispatch: 64").
type Kind string

const (
	KindAgentRuntime Kind = "agent_runtime"
	KindToolDispatch Kind = "tool_dispatch"
)

// Handler is a unit of scheduled work. It must honor ctx cancellation.
type Handler func(ctx context.Context) error

// job is one FIFO-ordered enqueued handler.
type job struct {
	handler Handler
	done    chan error
}

// Scheduler runs Handlers from per-Kind FIFO queues, each bounded by a
// configured concurrency cap. No preemption: a running handler occupies
// its slot until it returns (spec §4.8).
type Scheduler struct {
	mu     sync.Mutex
	queues map[Kind]chan job
	sems   map[Kind]*semaphore.Weighted
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// New constructs a Scheduler with one bounded queue per entry in caps
// (kind -> concurrency cap) and the given queue_bound (spec §6
// scheduler.queue_bound) backing each kind's channel.
func New(caps map[Kind]int, queueBound int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		queues: make(map[Kind]chan job, len(caps)),
		sems:   make(map[Kind]*semaphore.Weighted, len(caps)),
		ctx:    ctx,
		cancel: cancel,
	}
	for kind, limit := range caps {
		s.queues[kind] = make(chan job, queueBound)
		s.sems[kind] = semaphore.NewWeighted(int64(limit))
		s.startDispatcher(kind)
	}
	return s
}

func (s *Scheduler) startDispatcher(kind Kind) {
	queue := s.queues[kind]
	sem := s.sems[kind]

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case j, ok := <-queue:
				if !ok {
					return
				}
				if err := sem.Acquire(s.ctx, 1); err != nil {
					j.done <- err
					continue
				}
				s.wg.Add(1)
				go func(j job) {
					defer s.wg.Done()
					defer sem.Release(1)
					j.done <- j.handler(s.ctx)
				}(j)
			}
		}
	}()
}

// Submit enqueues handler on kind's FIFO queue and returns a channel that
// receives its result once a worker slot runs it (spec §4.8: "Tasks are
// popped in FIFO order within a kind").
func (s *Scheduler) Submit(kind Kind, handler Handler) (<-chan error, error) {
	s.mu.Lock()
	queue, ok := s.queues[kind]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown kind %q", kind)
	}

	j := job{handler: handler, done: make(chan error, 1)}
	select {
	case queue <- j:
		return j.done, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// SubmitAndWait enqueues handler and blocks until it completes or ctx is
// cancelled.
func (s *Scheduler) SubmitAndWait(ctx context.Context, kind Kind, handler Handler) error {
	done, err := s.Submit(kind, handler)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new dispatches and waits for in-flight work to
// drain (cooperative cancellation, spec §5).
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
