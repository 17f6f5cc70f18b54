package gpufake

import (
	"fmt"
	"sync"

	"github.com/andewx/vkasync"
)

type buffer struct {
	mem    []byte
	req    vkasync.BufferRequest
	mapped int
}

// Allocator is an in-memory vkasync.Allocator.
type Allocator struct {
	mu sync.Mutex

	next    uint64
	buffers map[vkasync.Buffer]*buffer
	faults  map[Op]error

	created     int
	destroyed   int
	doubleFree  int
	maps        int
	flushes     int
	invalidates int
	closed      bool
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		buffers: make(map[vkasync.Buffer]*buffer),
		faults:  make(map[Op]error),
	}
}

// Fail makes the next call of op return err, or ErrInjected if err is nil.
func (a *Allocator) Fail(op Op, err error) {
	if err == nil {
		err = ErrInjected
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[op] = err
}

func (a *Allocator) fault(op Op) error {
	err, ok := a.faults[op]
	if !ok {
		return nil
	}
	delete(a.faults, op)
	return err
}

func (a *Allocator) CreateBuffer(req vkasync.BufferRequest) (vkasync.Buffer, *vkasync.Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fault(OpCreateBuffer); err != nil {
		return 0, nil, err
	}
	a.next++
	h := vkasync.Buffer(a.next)
	b := &buffer{mem: make([]byte, req.Size), req: req}
	a.buffers[h] = b
	a.created++

	alloc := &vkasync.Allocation{Size: req.Size, Placement: req.Placement, Backend: h}
	if req.Persistent && req.Placement == vkasync.PlacementHostVisible {
		alloc.Mapped = b.mem
	}
	return h, alloc, nil
}

func (a *Allocator) lookup(alloc *vkasync.Allocation) (*buffer, error) {
	h, _ := alloc.Backend.(vkasync.Buffer)
	b, ok := a.buffers[h]
	if !ok {
		return nil, fmt.Errorf("gpufake: unknown allocation of buffer %d", h)
	}
	return b, nil
}

func (a *Allocator) Map(alloc *vkasync.Allocation) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fault(OpMap); err != nil {
		return nil, err
	}
	b, err := a.lookup(alloc)
	if err != nil {
		return nil, err
	}
	if b.req.Placement != vkasync.PlacementHostVisible {
		return nil, fmt.Errorf("gpufake: map of device-local buffer %q", b.req.Label)
	}
	b.mapped++
	a.maps++
	return b.mem, nil
}

func (a *Allocator) Unmap(alloc *vkasync.Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, err := a.lookup(alloc); err == nil && b.mapped > 0 {
		b.mapped--
	}
}

func (a *Allocator) Flush(alloc *vkasync.Allocation, offset, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fault(OpFlush); err != nil {
		return err
	}
	a.flushes++
	return nil
}

func (a *Allocator) Invalidate(alloc *vkasync.Allocation, offset, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fault(OpInvalidate); err != nil {
		return err
	}
	a.invalidates++
	return nil
}

func (a *Allocator) DestroyBuffer(h vkasync.Buffer, alloc *vkasync.Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.buffers[h]; !ok {
		a.doubleFree++
		return
	}
	delete(a.buffers, h)
	a.destroyed++
}

// Close marks the allocator torn down.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Allocator) has(h vkasync.Buffer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.buffers[h]
	return ok
}

// copy runs a recorded buffer copy. Regions falling outside either buffer
// are skipped.
func (a *Allocator) copy(src, dst vkasync.Buffer, regions []vkasync.BufferCopy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok1 := a.buffers[src]
	t, ok2 := a.buffers[dst]
	if !ok1 || !ok2 {
		return
	}
	for _, r := range regions {
		if r.SrcOffset+r.Size > uint64(len(s.mem)) || r.DstOffset+r.Size > uint64(len(t.mem)) {
			continue
		}
		copy(t.mem[r.DstOffset:r.DstOffset+r.Size], s.mem[r.SrcOffset:r.SrcOffset+r.Size])
	}
}

// Memory returns a copy of the contents of buffer h.
func (a *Allocator) Memory(h vkasync.Buffer) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[h]
	if !ok {
		return nil
	}
	return append([]byte(nil), b.mem...)
}

// Live returns the number of buffers not yet destroyed.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Created returns the number of buffers ever created.
func (a *Allocator) Created() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.created
}

// Destroyed returns the number of buffers destroyed.
func (a *Allocator) Destroyed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// DoubleFrees returns the number of DestroyBuffer calls on unknown buffers.
func (a *Allocator) DoubleFrees() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doubleFree
}

// Maps returns the number of Map calls.
func (a *Allocator) Maps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maps
}

// Flushes returns the number of Flush calls.
func (a *Allocator) Flushes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushes
}

// Invalidates returns the number of Invalidate calls.
func (a *Allocator) Invalidates() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invalidates
}

// MappedNow returns the number of outstanding non-persistent mappings.
func (a *Allocator) MappedNow() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.buffers {
		n += b.mapped
	}
	return n
}

// Closed reports whether Close was called.
func (a *Allocator) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

var _ vkasync.Allocator = (*Allocator)(nil)
