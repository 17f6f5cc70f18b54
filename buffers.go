package vkasync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gputypes"

	"github.com/andewx/vkasync/internal/metrics"
)

// BufferAllocation is a buffer together with the memory backing it.
//
// The owner holds one reference, released by Destroy. Every in-flight
// staged transfer holds another, so the memory stays valid until the GPU is
// done with it even if the owner destroys the buffer first. The buffer and
// its memory are freed exactly once, when the last reference goes away.
type BufferAllocation struct {
	allocator *SharedAllocator
	buffer    Buffer
	alloc     *Allocation
	size      uint64
	usage     gputypes.BufferUsage
	placement Placement
	label     string
	metrics   *metrics.Metrics

	refs      refCount
	destroyed atomic.Bool

	// hostMu serializes mapping and host copies.
	hostMu sync.Mutex
}

// NewBufferAllocation creates a buffer from a as described by req. The
// allocation retains a until it is freed.
func NewBufferAllocation(a *SharedAllocator, req BufferRequest, opts ...Option) (*BufferAllocation, error) {
	o := buildOptions(opts)
	return newBufferAllocation(a, req, &o)
}

func newBufferAllocation(a *SharedAllocator, req BufferRequest, o *options) (*BufferAllocation, error) {
	if req.Size == 0 {
		return nil, fmt.Errorf("vkasync: create buffer %q: size must be positive", req.Label)
	}
	if err := a.Retain(); err != nil {
		return nil, err
	}
	buf, alloc, err := a.CreateBuffer(req)
	if err != nil {
		a.Release()
		return nil, nativeOp(fmt.Sprintf("create buffer %q", req.Label), err)
	}

	b := &BufferAllocation{
		allocator: a,
		buffer:    buf,
		alloc:     alloc,
		size:      req.Size,
		usage:     req.Usage,
		placement: req.Placement,
		label:     req.Label,
		metrics:   o.metrics,
	}
	b.refs.init()
	b.metrics.RecordBufferCreated()
	slogger().Debug("vkasync: buffer created",
		"label", req.Label, "size", req.Size, "placement", req.Placement.String())
	return b, nil
}

// Handle returns the buffer handle.
func (b *BufferAllocation) Handle() Buffer { return b.buffer }

// Size returns the requested size in bytes, the capacity host access is
// checked against.
func (b *BufferAllocation) Size() uint64 { return b.size }

// Placement returns where the memory lives.
func (b *BufferAllocation) Placement() Placement { return b.placement }

// Usage returns the usage flags the buffer was created with.
func (b *BufferAllocation) Usage() gputypes.BufferUsage { return b.usage }

// Label returns the debug name.
func (b *BufferAllocation) Label() string { return b.label }

// Destroyed reports whether Destroy was called.
func (b *BufferAllocation) Destroyed() bool { return b.destroyed.Load() }

// Destroy releases the owner's reference. Memory still used by an
// in-flight transfer is freed when that transfer resolves. Calling Destroy
// again does nothing.
func (b *BufferAllocation) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	b.release()
}

// retain takes a reference for an operation that outlives the caller.
func (b *BufferAllocation) retain() error {
	if b.destroyed.Load() || !b.refs.retain() {
		return fmt.Errorf("%w: %q", ErrBufferDestroyed, b.label)
	}
	return nil
}

func (b *BufferAllocation) release() {
	if b.refs.release() {
		b.free()
	}
}

func (b *BufferAllocation) free() {
	b.allocator.DestroyBuffer(b.buffer, b.alloc)
	b.allocator.Release()
	b.metrics.RecordBufferFreed()
	slogger().Debug("vkasync: buffer freed", "label", b.label, "size", b.size)
}

// ensureMapped returns a host view of the whole allocation and the function
// undoing the mapping, which is a no-op when the memory is persistently
// mapped. Must be called with hostMu held.
func (b *BufferAllocation) ensureMapped() ([]byte, func(), error) {
	if b.placement != PlacementHostVisible {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotHostVisible, b.label)
	}
	if b.alloc.Mapped != nil {
		return b.alloc.Mapped, func() {}, nil
	}
	mem, err := b.allocator.Map(b.alloc)
	if err != nil {
		return nil, nil, nativeOp("map memory", err)
	}
	return mem, func() { b.allocator.Unmap(b.alloc) }, nil
}

// checkRange fails unless [offset, offset+n) lies inside the allocation.
func (b *BufferAllocation) checkRange(offset, n uint64) error {
	if n > b.size || offset > b.size-n {
		return fmt.Errorf("%w: %d bytes at offset %d, capacity %d",
			ErrOutOfRange, n, offset, b.size)
	}
	return nil
}

// writeBytes copies src into the allocation at offset and flushes the
// written range.
func (b *BufferAllocation) writeBytes(offset uint64, src []byte) error {
	n := uint64(len(src))
	if err := b.checkRange(offset, n); err != nil {
		return err
	}
	if err := b.retain(); err != nil {
		return err
	}
	defer b.release()

	b.hostMu.Lock()
	defer b.hostMu.Unlock()

	mem, unmap, err := b.ensureMapped()
	if err != nil {
		return err
	}
	defer unmap()

	copy(mem[offset:offset+n], src)
	if err := b.allocator.Flush(b.alloc, offset, n); err != nil {
		return nativeOp("flush allocation", err)
	}
	return nil
}

// readBytes copies len(dst) bytes starting at offset into dst.
func (b *BufferAllocation) readBytes(offset uint64, dst []byte) error {
	n := uint64(len(dst))
	if err := b.checkRange(offset, n); err != nil {
		return err
	}
	if err := b.retain(); err != nil {
		return err
	}
	defer b.release()

	b.hostMu.Lock()
	defer b.hostMu.Unlock()

	mem, unmap, err := b.ensureMapped()
	if err != nil {
		return err
	}
	defer unmap()

	if err := b.allocator.Invalidate(b.alloc, offset, n); err != nil {
		return nativeOp("invalidate allocation", err)
	}
	copy(dst, mem[offset:offset+n])
	return nil
}

// Element is the set of plain value types buffers can hold.
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func elemSize[T Element]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

// byteOffset converts an element offset into a byte offset, rejecting
// offsets outside the allocation before the multiplication can wrap.
func byteOffset[T Element](b *BufferAllocation, offset int) (uint64, error) {
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, offset)
	}
	if uint64(offset) > b.size/elemSize[T]() {
		return 0, fmt.Errorf("%w: element offset %d, capacity %d elements",
			ErrOutOfRange, offset, b.size/elemSize[T]())
	}
	return uint64(offset) * elemSize[T](), nil
}

// asBytes reinterprets s as its underlying bytes without copying.
func asBytes[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), uint64(len(s))*elemSize[T]())
}

// CpuBuffer is a host-visible buffer of T the CPU writes and reads
// directly.
type CpuBuffer[T Element] struct {
	alloc *BufferAllocation
}

// NewCpuBuffer allocates a host-visible buffer holding n values of T.
func NewCpuBuffer[T Element](a *SharedAllocator, n int, usage gputypes.BufferUsage, opts ...Option) (*CpuBuffer[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("vkasync: cpu buffer of %d elements: size must be positive", n)
	}
	o := buildOptions(opts)
	alloc, err := newBufferAllocation(a, BufferRequest{
		Size:       uint64(n) * elemSize[T](),
		Usage:      usage,
		Placement:  PlacementHostVisible,
		Persistent: o.persistentMapping,
		Label:      "cpu buffer",
	}, &o)
	if err != nil {
		return nil, err
	}
	return &CpuBuffer[T]{alloc: alloc}, nil
}

// Allocation returns the underlying allocation.
func (c *CpuBuffer[T]) Allocation() *BufferAllocation { return c.alloc }

// Len returns the capacity in elements.
func (c *CpuBuffer[T]) Len() int { return int(c.alloc.size / elemSize[T]()) }

// Write copies data to the start of the buffer and flushes it. It fails
// with ErrOutOfRange if data does not fit.
func (c *CpuBuffer[T]) Write(data []T) error {
	return c.alloc.writeBytes(0, asBytes(data))
}

// Read fills out with the values starting at element offset. It fails with
// ErrOutOfRange if offset+len(out) exceeds the capacity.
func (c *CpuBuffer[T]) Read(out []T, offset int) error {
	off, err := byteOffset[T](c.alloc, offset)
	if err != nil {
		return err
	}
	return c.alloc.readBytes(off, asBytes(out))
}

// Destroy releases the buffer.
func (c *CpuBuffer[T]) Destroy() { c.alloc.Destroy() }

// DeviceBuffer is a device-local buffer of T. The host reaches it only
// through staged transfers.
type DeviceBuffer[T Element] struct {
	alloc *BufferAllocation
}

// NewDeviceBuffer allocates a device-local buffer holding n values of T.
// Copy source and destination usage are always added so the buffer can be
// staged in both directions.
func NewDeviceBuffer[T Element](a *SharedAllocator, n int, usage gputypes.BufferUsage, opts ...Option) (*DeviceBuffer[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("vkasync: device buffer of %d elements: size must be positive", n)
	}
	o := buildOptions(opts)
	alloc, err := newBufferAllocation(a, BufferRequest{
		Size:      uint64(n) * elemSize[T](),
		Usage:     usage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		Placement: PlacementDeviceLocal,
		Label:     "device buffer",
	}, &o)
	if err != nil {
		return nil, err
	}
	return &DeviceBuffer[T]{alloc: alloc}, nil
}

// Allocation returns the underlying allocation.
func (d *DeviceBuffer[T]) Allocation() *BufferAllocation { return d.alloc }

// Len returns the capacity in elements.
func (d *DeviceBuffer[T]) Len() int { return int(d.alloc.size / elemSize[T]()) }

// Write uploads data to the start of the buffer through s and waits for
// the copy to finish.
func (d *DeviceBuffer[T]) Write(ctx context.Context, s *Stager, data []T) error {
	return s.Write(ctx, d.alloc, asBytes(data))
}

// Read downloads the values starting at element offset into out through s
// and waits for the copy to finish.
func (d *DeviceBuffer[T]) Read(ctx context.Context, s *Stager, out []T, offset int) error {
	off, err := byteOffset[T](d.alloc, offset)
	if err != nil {
		return err
	}
	return s.Read(ctx, d.alloc, asBytes(out), off)
}

// WriteAsync starts an upload of data and returns the transfer to drive.
// data is copied before WriteAsync returns.
func (d *DeviceBuffer[T]) WriteAsync(ctx context.Context, s *Stager, data []T) (*Transfer, error) {
	return s.WriteAsync(ctx, d.alloc, asBytes(data))
}

// ReadAsync starts a download into out. out must not be touched until the
// returned transfer has resolved.
func (d *DeviceBuffer[T]) ReadAsync(ctx context.Context, s *Stager, out []T, offset int) (*Transfer, error) {
	off, err := byteOffset[T](d.alloc, offset)
	if err != nil {
		return nil, err
	}
	return s.ReadAsync(ctx, d.alloc, asBytes(out), off)
}

// Destroy releases the owner's reference on the buffer.
func (d *DeviceBuffer[T]) Destroy() { d.alloc.Destroy() }
