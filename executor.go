package vkasync

import (
	"fmt"

	"github.com/google/uuid"
)

// Recording is the command-recording context handed to a Recorder. It is
// only valid during the Record call.
type Recording struct {
	device Device
	cmd    CommandBuffer
	role   Role
}

// CommandBuffer returns the command buffer being recorded.
func (r *Recording) CommandBuffer() CommandBuffer { return r.cmd }

// Device returns the device the command buffer belongs to, for recording
// commands this type has no helper for.
func (r *Recording) Device() Device { return r.device }

// Role returns the queue role the command buffer will be submitted to.
func (r *Recording) Role() Role { return r.role }

// CopyBuffer records a copy of regions from src to dst. Returning its
// error from Record abandons the command buffer.
func (r *Recording) CopyBuffer(src, dst Buffer, regions ...BufferCopy) error {
	return nativeOp("record buffer copy", r.device.CmdCopyBuffer(r.cmd, src, dst, regions))
}

// Recorder fills a command buffer.
type Recorder interface {
	Record(rec *Recording) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(rec *Recording) error

func (f RecorderFunc) Record(rec *Recording) error { return f(rec) }

// Executor records and submits one-shot command buffers.
//
// Executor is safe for concurrent use. Submissions to the same role are
// serialized and execute in submission order; submissions to different
// roles are not ordered relative to each other.
type Executor struct {
	queues *QueueSet
	device Device
	opts   options
}

// NewExecutor returns an executor submitting to queues.
func NewExecutor(queues *QueueSet, opts ...Option) *Executor {
	return &Executor{
		queues: queues,
		device: queues.Device(),
		opts:   buildOptions(opts),
	}
}

// Queues returns the queue set the executor submits to.
func (e *Executor) Queues() *QueueSet { return e.queues }

// Execute records a one-time command buffer with rec and submits it to the
// queue of role. It never waits for the GPU: the returned Future resolves
// once the work has finished.
//
// The role's pool lock is held from allocation until submission. If any
// step fails, including rec itself, the command buffer is freed and the
// error is returned; nothing is left behind for reuse.
func (e *Executor) Execute(role Role, rec Recorder) (*Future, error) {
	if rec == nil {
		return nil, ErrNilRecorder
	}
	record := e.queues.Role(role)
	if record == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRole, role)
	}
	if err := e.queues.acquire(record); err != nil {
		return nil, err
	}

	f, err := e.submit(role, record, rec)
	if err != nil {
		record.pending.done()
		e.opts.metrics.RecordSubmitFailed(role.String())
		return nil, err
	}
	e.opts.metrics.RecordSubmitted(role.String())
	return f, nil
}

func (e *Executor) submit(role Role, record *QueueRecord, rec Recorder) (*Future, error) {
	dev := e.device

	record.poolMu.Lock()
	defer record.poolMu.Unlock()

	cmd, err := dev.AllocateCommandBuffer(record.pool)
	if err != nil {
		return nil, nativeOp("allocate command buffer", err)
	}
	abandon := func() { dev.FreeCommandBuffer(record.pool, cmd) }

	if err := dev.BeginCommandBuffer(cmd); err != nil {
		abandon()
		return nil, nativeOp("begin command buffer", err)
	}
	if err := record_(rec, &Recording{device: dev, cmd: cmd, role: role}); err != nil {
		abandon()
		return nil, fmt.Errorf("vkasync: record %s commands: %w", role, err)
	}
	if err := dev.EndCommandBuffer(cmd); err != nil {
		abandon()
		return nil, nativeOp("end command buffer", err)
	}

	fence, err := dev.CreateFence()
	if err != nil {
		abandon()
		return nil, nativeOp("create fence", err)
	}

	record.queueMu.Lock()
	err = dev.Submit(record.queue, cmd, fence)
	record.queueMu.Unlock()
	if err != nil {
		dev.DestroyFence(fence)
		abandon()
		return nil, nativeOp("queue submit", err)
	}

	id := uuid.NewString()
	release := func() {
		record.freeCommandBuffer(dev, cmd)
		record.pending.done()
	}
	slogger().Debug("vkasync: submitted command buffer",
		"id", id, "role", role.String(), "family", record.family)
	return newFuture(id, role, dev, fence, release, &e.opts), nil
}

// record_ runs rec, turning a panic into an error so the half-built
// command buffer is still abandoned.
func record_(rec Recorder, r *Recording) (err error) {
	defer checkErr(&err)
	return rec.Record(r)
}

// CopyBuffer submits a whole-allocation copy from src to dst on the
// transfer queue. The copy size is the size of src.
func (e *Executor) CopyBuffer(src, dst *BufferAllocation) (*Future, error) {
	return e.CopyBufferRegion(src, dst, BufferCopy{Size: src.Size()})
}

// CopyBufferRegion submits a copy of one region from src to dst on the
// transfer queue.
func (e *Executor) CopyBufferRegion(src, dst *BufferAllocation, region BufferCopy) (*Future, error) {
	if region.SrcOffset+region.Size > src.Size() || region.DstOffset+region.Size > dst.Size() {
		return nil, fmt.Errorf("%w: copy of %d bytes from offset %d into offset %d (src %d, dst %d bytes)",
			ErrOutOfRange, region.Size, region.SrcOffset, region.DstOffset, src.Size(), dst.Size())
	}
	return e.Execute(RoleTransfer, RecorderFunc(func(rec *Recording) error {
		return rec.CopyBuffer(src.Handle(), dst.Handle(), region)
	}))
}
