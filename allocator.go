package vkasync

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// Placement selects the memory a buffer is allocated in.
type Placement int

const (
	// PlacementDeviceLocal is memory the host cannot map. It is read and
	// written through staging buffers.
	PlacementDeviceLocal Placement = iota
	// PlacementHostVisible is memory the host can map, written by the CPU
	// and read by the GPU.
	PlacementHostVisible
)

func (p Placement) String() string {
	switch p {
	case PlacementDeviceLocal:
		return "DeviceLocal"
	case PlacementHostVisible:
		return "HostVisible"
	default:
		return fmt.Sprintf("Placement(%d)", int(p))
	}
}

// BufferRequest describes a buffer to allocate.
type BufferRequest struct {
	// Size in bytes.
	Size uint64
	// Usage flags the buffer is created with.
	Usage gputypes.BufferUsage
	// Placement of the backing memory.
	Placement Placement
	// Persistent asks for host-visible memory to stay mapped for the
	// lifetime of the allocation. Allocators may ignore it.
	Persistent bool
	// Label is a debug name.
	Label string
}

// Allocation is the memory backing one buffer.
type Allocation struct {
	// Size of the memory block, at least the requested size.
	Size uint64
	// Placement the memory was allocated with.
	Placement Placement
	// Mapped is the persistent host mapping, or nil when the memory is not
	// persistently mapped.
	Mapped []byte
	// Backend holds allocator-private state.
	Backend any
}

// Allocator creates buffers together with their backing memory.
//
// Map and Unmap nest: every Map is paired with one Unmap. A persistent
// mapping is never unmapped by callers; they use Allocation.Mapped.
// Flush publishes host writes to the device and Invalidate makes device
// writes visible to the host, through either kind of mapping.
type Allocator interface {
	CreateBuffer(req BufferRequest) (Buffer, *Allocation, error)
	Map(a *Allocation) ([]byte, error)
	Unmap(a *Allocation)
	Flush(a *Allocation, offset, size uint64) error
	Invalidate(a *Allocation, offset, size uint64) error
	DestroyBuffer(b Buffer, a *Allocation)
}

// SharedAllocator is an Allocator whose lifetime is shared by reference
// counting. The creator holds the first reference; every buffer created
// through it holds another one. The teardown function runs exactly once,
// when the last reference is released.
type SharedAllocator struct {
	alloc    Allocator
	refs     refCount
	teardown func()
	once     sync.Once
}

// NewSharedAllocator wraps a. teardown may be nil.
func NewSharedAllocator(a Allocator, teardown func()) *SharedAllocator {
	s := &SharedAllocator{alloc: a, teardown: teardown}
	s.refs.init()
	return s
}

// Retain adds a reference. It fails with ErrAllocatorClosed once the last
// reference was released.
func (s *SharedAllocator) Retain() error {
	if !s.refs.retain() {
		return ErrAllocatorClosed
	}
	return nil
}

// Release drops a reference, tearing the allocator down on the last one.
func (s *SharedAllocator) Release() {
	if !s.refs.release() {
		return
	}
	s.once.Do(func() {
		if s.teardown != nil {
			s.teardown()
		}
		slogger().Debug("vkasync: allocator torn down")
	})
}

// Close releases the creator's reference. Buffers that are still alive
// keep the allocator until they are destroyed.
func (s *SharedAllocator) Close() {
	if n := s.refs.load(); n > 1 {
		if debugChecks {
			slogger().Warn("vkasync: allocator closed with outstanding references, teardown deferred", "refs", n-1)
		} else {
			slogger().Debug("vkasync: allocator teardown deferred", "refs", n-1)
		}
	}
	s.Release()
}

// Refs returns the number of live references.
func (s *SharedAllocator) Refs() int {
	return int(s.refs.load())
}

func (s *SharedAllocator) CreateBuffer(req BufferRequest) (Buffer, *Allocation, error) {
	if s.refs.load() <= 0 {
		return 0, nil, ErrAllocatorClosed
	}
	return s.alloc.CreateBuffer(req)
}

func (s *SharedAllocator) Map(a *Allocation) ([]byte, error) {
	return s.alloc.Map(a)
}

func (s *SharedAllocator) Unmap(a *Allocation) {
	s.alloc.Unmap(a)
}

func (s *SharedAllocator) Flush(a *Allocation, offset, size uint64) error {
	return s.alloc.Flush(a, offset, size)
}

func (s *SharedAllocator) Invalidate(a *Allocation, offset, size uint64) error {
	return s.alloc.Invalidate(a, offset, size)
}

func (s *SharedAllocator) DestroyBuffer(b Buffer, a *Allocation) {
	s.alloc.DestroyBuffer(b, a)
}
