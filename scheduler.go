package vkasync

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Task is a unit of cooperative work. Poll makes as much progress as it can
// without blocking and reports whether the task is finished. A task that is
// not finished must arrange to be woken: either it calls w.Wake before
// returning (poll me on the next tick) or it hands w to whatever will
// complete it later.
//
// Future and Transfer are Tasks.
type Task interface {
	Poll(w Waker) (done bool, err error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(w Waker) (bool, error)

func (f TaskFunc) Poll(w Waker) (bool, error) { return f(w) }

// Handle observes a task spawned on a Scheduler.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task result. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type scheduledTask struct {
	s      *Scheduler
	task   Task
	handle *Handle
	queued bool
	over   bool
}

// Wake queues the task for the next tick. It is safe to call from any
// goroutine, any number of times.
func (t *scheduledTask) Wake() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.queued || t.over {
		return
	}
	t.queued = true
	t.s.ready = append(t.s.ready, t)
	t.s.signal()
}

// Scheduler runs tasks cooperatively on the goroutine that calls Run.
//
// Each tick polls every task that was woken since the previous tick. A task
// that wakes itself while being polled runs again on the next tick, never
// within the same one, so other tasks get their turn in between. Tasks may
// be spawned and woken from any goroutine.
type Scheduler struct {
	mu     sync.Mutex
	ready  []*scheduledTask
	live   int
	notify chan struct{}

	// tickInterval is the pause between ticks while tasks are runnable.
	// Zero yields the processor instead.
	tickInterval time.Duration
}

// NewScheduler returns a scheduler that pauses tickInterval between ticks.
// A zero interval only yields the processor between ticks.
func NewScheduler(tickInterval time.Duration) *Scheduler {
	return &Scheduler{
		notify:       make(chan struct{}, 1),
		tickInterval: tickInterval,
	}
}

// signal must be called with s.mu held.
func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Spawn adds t to the scheduler; it is polled on the next tick.
func (s *Scheduler) Spawn(t Task) *Handle {
	st := &scheduledTask{
		s:      s,
		task:   t,
		handle: &Handle{done: make(chan struct{})},
		queued: true,
	}
	s.mu.Lock()
	s.live++
	s.ready = append(s.ready, st)
	s.signal()
	s.mu.Unlock()
	return st.handle
}

// Live returns the number of spawned tasks that have not finished.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Tick polls every task woken since the previous tick once and returns the
// number of tasks still live.
func (s *Scheduler) Tick() int {
	s.mu.Lock()
	batch := s.ready
	s.ready = nil
	for _, t := range batch {
		t.queued = false
	}
	s.mu.Unlock()

	for _, t := range batch {
		done, err := t.task.Poll(t)
		if done {
			s.finish(t, err)
		}
	}
	return s.Live()
}

func (s *Scheduler) finish(t *scheduledTask, err error) {
	s.mu.Lock()
	t.over = true
	s.live--
	s.mu.Unlock()

	t.handle.err = err
	close(t.handle.done)
}

// Run ticks until every spawned task has finished or ctx ends. Between
// ticks control is yielded; when no task is runnable Run sleeps until one
// is woken.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		live, runnable := s.live, len(s.ready)
		s.mu.Unlock()

		if live == 0 {
			return nil
		}
		if runnable == 0 {
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.Tick()

		if err := s.yield(ctx); err != nil {
			return err
		}
	}
}

func (s *Scheduler) yield(ctx context.Context) error {
	if s.tickInterval <= 0 {
		runtime.Gosched()
		return ctx.Err()
	}
	timer := time.NewTimer(s.tickInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Block runs t to completion on a private scheduler.
func Block(ctx context.Context, t Task) error {
	s := NewScheduler(0)
	h := s.Spawn(t)
	if err := s.Run(ctx); err != nil {
		return err
	}
	return h.Err()
}
