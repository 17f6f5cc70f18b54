package vkasync

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/andewx/vkasync/internal/metrics"
)

// FutureState is the lifecycle state of a Future.
type FutureState int

const (
	// FuturePending means the submission has not been observed complete.
	FuturePending FutureState = iota
	// FutureReady means the fence signaled and the resources were released.
	FutureReady
	// FutureFailed means checking the fence failed; resources were released.
	FutureFailed
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "Pending"
	case FutureReady:
		return "Ready"
	case FutureFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Waker is how a pending task asks its scheduler to poll it again.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to the Waker interface.
type WakerFunc func()

func (f WakerFunc) Wake() { f() }

// Future tracks one submitted command buffer until the GPU has finished it.
//
// A Future starts Pending and moves once to Ready or Failed. On that
// transition it destroys its fence and returns the command buffer to its
// pool. Every Future must be driven to resolution, by Poll or Wait:
// dropping a pending Future leaks the fence and keeps the owning QueueSet
// from closing.
//
// Future is safe for concurrent use.
type Future struct {
	id        string
	role      Role
	device    Device
	fence     Fence
	release   func()
	waitSlice time.Duration
	metrics   *metrics.Metrics
	submitted time.Time

	mu    sync.Mutex
	state FutureState
	err   error
}

func newFuture(id string, role Role, dev Device, fence Fence, release func(), o *options) *Future {
	f := &Future{
		id:        id,
		role:      role,
		device:    dev,
		fence:     fence,
		release:   release,
		waitSlice: o.waitSlice,
		metrics:   o.metrics,
		submitted: time.Now(),
	}
	if debugChecks {
		runtime.SetFinalizer(f, func(f *Future) {
			if f.State() == FuturePending {
				slogger().Warn("vkasync: future collected while pending, fence leaked",
					"id", f.id, "role", f.role.String())
			}
		})
	}
	return f
}

// ID returns the submission ID, unique per Execute call.
func (f *Future) ID() string { return f.id }

// Role returns the queue role the work was submitted to.
func (f *Future) Role() Role { return f.role }

// State returns the current state.
func (f *Future) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the failure of a Failed future, nil otherwise.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Poll checks the fence without blocking.
//
// If the work is not finished, Poll calls w.Wake so that the scheduler polls
// again on its next tick, and returns false. Once the fence is signaled, or
// checking it fails, the fence and command buffer are released and Poll
// returns true with the outcome. Polling a resolved future returns the same
// outcome without touching the device.
func (f *Future) Poll(w Waker) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != FuturePending {
		return true, f.err
	}

	signaled, err := f.device.FenceStatus(f.fence)
	if err != nil {
		f.resolve(nativeOp("get fence status", err))
		return true, f.err
	}
	f.metrics.RecordFencePoll(signaled)
	if !signaled {
		if w != nil {
			w.Wake()
		}
		return false, nil
	}

	f.resolve(nil)
	return true, nil
}

// Wait blocks until the future resolves or ctx ends.
//
// Wait repeatedly waits on the fence for at most the configured wait slice
// and checks ctx in between. When ctx ends first, Wait returns ctx.Err() and
// the future stays Pending: the fence is still owned by the future and the
// caller must keep polling or waiting on it.
func (f *Future) Wait(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.state != FuturePending {
			err := f.err
			f.mu.Unlock()
			return err
		}
		signaled, err := f.device.WaitFence(f.fence, f.waitSlice)
		switch {
		case err != nil:
			f.resolve(nativeOp("wait for fence", err))
		case signaled:
			f.resolve(nil)
		}
		state, ferr := f.state, f.err
		f.mu.Unlock()

		if state != FuturePending {
			return ferr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// resolve must be called with f.mu held and the future pending.
func (f *Future) resolve(err error) {
	f.device.DestroyFence(f.fence)
	f.fence = 0
	if f.release != nil {
		f.release()
		f.release = nil
	}

	if err != nil {
		f.state, f.err = FutureFailed, err
	} else {
		f.state = FutureReady
	}
	elapsed := time.Since(f.submitted)
	f.metrics.RecordCompleted(f.role.String(), err == nil, elapsed)

	if err != nil {
		slogger().Debug("vkasync: submission failed",
			"id", f.id, "role", f.role.String(), "err", err)
		return
	}
	slogger().Debug("vkasync: submission complete",
		"id", f.id, "role", f.role.String(), "elapsed", elapsed)
}
