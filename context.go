package vkasync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gogpu/gputypes"
)

// Context bundles the device, its queues, the shared allocator, the
// executor and the stager.
//
// Context owns the device: once Close has run and the last buffer created
// through it has been destroyed, the allocator is torn down and then the
// device, if either implements io.Closer.
type Context struct {
	device    Device
	allocator *SharedAllocator
	queues    *QueueSet
	executor  *Executor
	stager    *Stager
	opts      []Option

	closeMu sync.Mutex
	closed  bool
}

// NewContext creates the queue set for indices on dev and wires an executor
// and a stager to it.
//
// If creating the queue set fails, the allocator and the device are closed
// before the error is returned.
func NewContext(dev Device, alloc Allocator, indices QueueRoleIndices, opts ...Option) (*Context, error) {
	teardown := func() {
		closeIfCloser("allocator", alloc)
		closeIfCloser("device", dev)
	}

	queues, err := NewQueueSet(dev, indices)
	if err != nil {
		teardown()
		return nil, err
	}

	shared := NewSharedAllocator(alloc, teardown)
	exec := NewExecutor(queues, opts...)
	return &Context{
		device:    dev,
		allocator: shared,
		queues:    queues,
		executor:  exec,
		stager:    NewStager(exec, shared, opts...),
		opts:      opts,
	}, nil
}

func closeIfCloser(what string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slogger().Warn("vkasync: close failed", "what", what, "err", err)
	}
}

// Device returns the device.
func (c *Context) Device() Device { return c.device }

// Allocator returns the shared allocator.
func (c *Context) Allocator() *SharedAllocator { return c.allocator }

// Queues returns the queue set.
func (c *Context) Queues() *QueueSet { return c.queues }

// Executor returns the executor.
func (c *Context) Executor() *Executor { return c.executor }

// Stager returns the stager.
func (c *Context) Stager() *Stager { return c.stager }

// Execute records and submits a command buffer on the queue of role.
func (c *Context) Execute(role Role, rec Recorder) (*Future, error) {
	return c.executor.Execute(role, rec)
}

// Close waits for pending submissions, destroys the command pools and
// releases the context's allocator reference.
//
// If ctx ends while submissions are still pending, Close returns an error
// wrapping ErrQueueSetBusy and the context stays usable; Close may be
// called again.
func (c *Context) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.queues.Close(ctx); err != nil {
		return err
	}
	c.closed = true
	c.allocator.Close()
	return nil
}

// NewCpuBufferFrom creates a host-visible buffer sized to data and writes
// data into it.
func NewCpuBufferFrom[T Element](c *Context, data []T, usage gputypes.BufferUsage) (*CpuBuffer[T], error) {
	buf, err := NewCpuBuffer[T](c.allocator, len(data), usage, c.opts...)
	if err != nil {
		return nil, err
	}
	if err := buf.Write(data); err != nil {
		buf.Destroy()
		return nil, err
	}
	return buf, nil
}

// UploadDeviceBuffer creates a device-local buffer sized to data and
// uploads data into it through a staged transfer.
func UploadDeviceBuffer[T Element](ctx context.Context, c *Context, data []T, usage gputypes.BufferUsage) (*DeviceBuffer[T], error) {
	buf, err := NewDeviceBuffer[T](c.allocator, len(data), usage, c.opts...)
	if err != nil {
		return nil, err
	}
	if err := buf.Write(ctx, c.stager, data); err != nil {
		buf.Destroy()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("vkasync: upload %d elements: %w", len(data), err)
	}
	return buf, nil
}
