// Package gpufake is an in-memory Device and Allocator for tests.
//
// Commands recorded into a command buffer run when its fence signals. A
// fence signals after a configurable number of status checks, so tests can
// observe futures in the pending state. Any operation can be made to fail
// once through Fail.
package gpufake

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andewx/vkasync"
)

// Op names a fake operation for fault injection and the event log.
type Op string

const (
	OpQueue             Op = "queue"
	OpCreateCommandPool Op = "create-command-pool"
	OpAllocateCommand   Op = "allocate-command-buffer"
	OpBegin             Op = "begin"
	OpEnd               Op = "end"
	OpCopyBuffer        Op = "copy-buffer"
	OpSubmit            Op = "submit"
	OpCreateFence       Op = "create-fence"
	OpFenceStatus       Op = "fence-status"
	OpWaitFence         Op = "wait-fence"
	OpCreateBuffer      Op = "create-buffer"
	OpMap               Op = "map"
	OpFlush             Op = "flush"
	OpInvalidate        Op = "invalidate"
)

// ErrInjected is the error returned by operations failed through Fail.
var ErrInjected = errors.New("gpufake: injected failure")

// Event is one entry of the device log.
type Event struct {
	Op     Op
	Pool   vkasync.CommandPool
	Cmd    vkasync.CommandBuffer
	Family uint32
}

type commandBuffer struct {
	pool   vkasync.CommandPool
	copies []pendingCopy
}

type pendingCopy struct {
	src, dst vkasync.Buffer
	regions  []vkasync.BufferCopy
}

type fence struct {
	cmd      *commandBuffer
	polls    int
	signaled bool
}

// Device is an in-memory vkasync.Device.
type Device struct {
	mu sync.Mutex

	next     uint64
	families map[uint32]bool
	pools    map[vkasync.CommandPool]uint32
	cmds     map[vkasync.CommandBuffer]*commandBuffer
	fences   map[vkasync.Fence]*fence
	faults   map[Op]error
	log      []Event

	signalAfter int
	submitted   int
	closed      bool

	alloc *Allocator
}

// New returns a device exposing the given queue families, backed by a
// fresh Allocator. Fences signal on their first status check.
func New(families ...uint32) *Device {
	d := &Device{
		families:    make(map[uint32]bool),
		pools:       make(map[vkasync.CommandPool]uint32),
		cmds:        make(map[vkasync.CommandBuffer]*commandBuffer),
		fences:      make(map[vkasync.Fence]*fence),
		faults:      make(map[Op]error),
		signalAfter: 1,
		alloc:       NewAllocator(),
	}
	for _, f := range families {
		d.families[f] = true
	}
	return d
}

// Allocator returns the allocator whose buffers copies operate on.
func (d *Device) Allocator() *Allocator { return d.alloc }

// SignalAfter makes new status checks signal a fence once it has been
// checked n times. n <= 0 keeps fences pending until SignalAll.
func (d *Device) SignalAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signalAfter = n
}

// SignalAll signals every submitted fence, running its commands.
func (d *Device) SignalAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.fences {
		if f.cmd != nil && !f.signaled {
			d.signal(f)
		}
	}
}

// Fail makes the next call of op return err, or ErrInjected if err is nil.
func (d *Device) Fail(op Op, err error) {
	if err == nil {
		err = ErrInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = err
}

// Events returns a copy of the log.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.log...)
}

// Pools returns the number of live command pools.
func (d *Device) Pools() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pools)
}

// CommandBuffers returns the number of allocated command buffers.
func (d *Device) CommandBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cmds)
}

// Fences returns the number of live fences.
func (d *Device) Fences() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fences)
}

// Submitted returns the number of successful submissions.
func (d *Device) Submitted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitted
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close marks the device destroyed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// fault must be called with d.mu held.
func (d *Device) fault(op Op) error {
	err, ok := d.faults[op]
	if !ok {
		return nil
	}
	delete(d.faults, op)
	return err
}

func (d *Device) id() uint64 {
	d.next++
	return d.next
}

func (d *Device) record(op Op, cmd vkasync.CommandBuffer) {
	cb := d.cmds[cmd]
	var pool vkasync.CommandPool
	if cb != nil {
		pool = cb.pool
	}
	d.log = append(d.log, Event{Op: op, Pool: pool, Cmd: cmd, Family: d.pools[pool]})
}

func (d *Device) Queue(family, index uint32) (vkasync.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpQueue); err != nil {
		return 0, err
	}
	if !d.families[family] || index != 0 {
		return 0, fmt.Errorf("gpufake: no queue %d in family %d", index, family)
	}
	return vkasync.Queue(uint64(family) + 1), nil
}

func (d *Device) CreateCommandPool(family uint32, transient bool) (vkasync.CommandPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateCommandPool); err != nil {
		return 0, err
	}
	pool := vkasync.CommandPool(d.id())
	d.pools[pool] = family
	return pool, nil
}

func (d *Device) DestroyCommandPool(pool vkasync.CommandPool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, cb := range d.cmds {
		if cb.pool == pool {
			delete(d.cmds, h)
		}
	}
	delete(d.pools, pool)
}

func (d *Device) AllocateCommandBuffer(pool vkasync.CommandPool) (vkasync.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpAllocateCommand); err != nil {
		return 0, err
	}
	if _, ok := d.pools[pool]; !ok {
		return 0, fmt.Errorf("gpufake: unknown command pool %d", pool)
	}
	cmd := vkasync.CommandBuffer(d.id())
	d.cmds[cmd] = &commandBuffer{pool: pool}
	return cmd, nil
}

func (d *Device) FreeCommandBuffer(pool vkasync.CommandPool, cmd vkasync.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cmds, cmd)
}

func (d *Device) BeginCommandBuffer(cmd vkasync.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpBegin); err != nil {
		return err
	}
	d.record(OpBegin, cmd)
	return nil
}

func (d *Device) EndCommandBuffer(cmd vkasync.CommandBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpEnd); err != nil {
		return err
	}
	d.record(OpEnd, cmd)
	return nil
}

func (d *Device) CmdCopyBuffer(cmd vkasync.CommandBuffer, src, dst vkasync.Buffer, regions []vkasync.BufferCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCopyBuffer); err != nil {
		return err
	}
	cb, ok := d.cmds[cmd]
	if !ok {
		return fmt.Errorf("gpufake: copy into unknown command buffer %d", cmd)
	}
	if !d.alloc.has(src) || !d.alloc.has(dst) {
		return fmt.Errorf("gpufake: copy from buffer %d to %d: unknown buffer", src, dst)
	}
	if len(regions) == 0 {
		return errors.New("gpufake: copy with no regions")
	}
	cb.copies = append(cb.copies, pendingCopy{
		src:     src,
		dst:     dst,
		regions: append([]vkasync.BufferCopy(nil), regions...),
	})
	d.record(OpCopyBuffer, cmd)
	return nil
}

func (d *Device) Submit(queue vkasync.Queue, cmd vkasync.CommandBuffer, fh vkasync.Fence) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpSubmit); err != nil {
		return err
	}
	cb, ok := d.cmds[cmd]
	if !ok {
		return fmt.Errorf("gpufake: submit of unknown command buffer %d", cmd)
	}
	f, ok := d.fences[fh]
	if !ok {
		return fmt.Errorf("gpufake: submit with unknown fence %d", fh)
	}
	f.cmd = cb
	d.submitted++
	d.record(OpSubmit, cmd)
	return nil
}

func (d *Device) CreateFence() (vkasync.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpCreateFence); err != nil {
		return 0, err
	}
	fh := vkasync.Fence(d.id())
	d.fences[fh] = &fence{}
	return fh, nil
}

// check counts one status check of f and signals it when due. Must be
// called with d.mu held.
func (d *Device) check(f *fence) bool {
	if f.signaled {
		return true
	}
	f.polls++
	if d.signalAfter > 0 && f.polls >= d.signalAfter && f.cmd != nil {
		d.signal(f)
	}
	return f.signaled
}

func (d *Device) signal(f *fence) {
	for _, c := range f.cmd.copies {
		d.alloc.copy(c.src, c.dst, c.regions)
	}
	f.signaled = true
}

func (d *Device) FenceStatus(fh vkasync.Fence) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault(OpFenceStatus); err != nil {
		return false, err
	}
	f, ok := d.fences[fh]
	if !ok {
		return false, fmt.Errorf("gpufake: unknown fence %d", fh)
	}
	return d.check(f), nil
}

func (d *Device) WaitFence(fh vkasync.Fence, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	if err := d.fault(OpWaitFence); err != nil {
		d.mu.Unlock()
		return false, err
	}
	f, ok := d.fences[fh]
	if !ok {
		d.mu.Unlock()
		return false, fmt.Errorf("gpufake: unknown fence %d", fh)
	}
	signaled := d.check(f)
	d.mu.Unlock()

	if !signaled {
		time.Sleep(timeout)
	}
	return signaled, nil
}

func (d *Device) DestroyFence(fh vkasync.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, fh)
}

var _ vkasync.Device = (*Device)(nil)
