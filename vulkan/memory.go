package vulkan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkasync"
)

// Allocator implements vkasync.Allocator with one VkDeviceMemory block per
// buffer.
type Allocator struct {
	device    *Device
	types     []vk.MemoryPropertyFlags
	live      atomic.Int64
	closeOnce sync.Once
}

var _ vkasync.Allocator = (*Allocator)(nil)

// memory is the backend state of one allocation.
type memory struct {
	memory   vk.DeviceMemory
	coherent bool

	mu       sync.Mutex
	mapped   unsafe.Pointer
	maps     int
	byteSize uint64
}

func newAllocator(d *Device, gpu vk.PhysicalDevice) *Allocator {
	var props vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(gpu, &props)
	props.Deref()
	return &Allocator{device: d, types: memoryTypes(props)}
}

func memoryTypes(props vk.PhysicalDeviceMemoryProperties) []vk.MemoryPropertyFlags {
	n := props.MemoryTypeCount
	if n > vk.MaxMemoryTypes {
		n = vk.MaxMemoryTypes
	}
	types := make([]vk.MemoryPropertyFlags, n)
	for i := uint32(0); i < n; i++ {
		props.MemoryTypes[i].Deref()
		types[i] = props.MemoryTypes[i].PropertyFlags
	}
	return types
}

// findMemoryType returns the first type allowed by typeBits whose flags
// include all of required.
func findMemoryType(types []vk.MemoryPropertyFlags, typeBits uint32, required vk.MemoryPropertyFlags) (uint32, bool) {
	for i, flags := range types {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if flags&required == required {
			return uint32(i), true
		}
	}
	return 0, false
}

// selectMemoryType picks the memory for placement, falling back from
// coherent to non-coherent host memory and from device-local to any
// allowed type.
func selectMemoryType(types []vk.MemoryPropertyFlags, typeBits uint32, placement vkasync.Placement) (index uint32, coherent bool, err error) {
	var candidates []vk.MemoryPropertyFlags
	switch placement {
	case vkasync.PlacementHostVisible:
		candidates = []vk.MemoryPropertyFlags{
			vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit),
			vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit),
		}
	default:
		candidates = []vk.MemoryPropertyFlags{
			vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
			0,
		}
	}
	for _, required := range candidates {
		if i, ok := findMemoryType(types, typeBits, required); ok {
			coherent := types[i]&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit) != 0
			return i, coherent, nil
		}
	}
	return 0, false, fmt.Errorf("vulkan: no memory type for %s placement (type bits %#x)", placement, typeBits)
}

// bufferUsage translates portable usage flags. Map flags select memory and
// have no Vulkan usage bit. An empty result becomes transfer src|dst since
// Vulkan rejects zero usage.
func bufferUsage(u gputypes.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u.Contains(gputypes.BufferUsageCopySrc) {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if u.Contains(gputypes.BufferUsageCopyDst) || u.Contains(gputypes.BufferUsageQueryResolve) {
		flags |= vk.BufferUsageTransferDstBit
	}
	if u.Contains(gputypes.BufferUsageIndex) {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if u.Contains(gputypes.BufferUsageVertex) {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if u.Contains(gputypes.BufferUsageUniform) {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if u.Contains(gputypes.BufferUsageStorage) {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if u.Contains(gputypes.BufferUsageIndirect) {
		flags |= vk.BufferUsageIndirectBufferBit
	}
	if flags == 0 {
		flags = vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit
	}
	return vk.BufferUsageFlags(flags)
}

func (a *Allocator) CreateBuffer(req vkasync.BufferRequest) (b vkasync.Buffer, alloc *vkasync.Allocation, err error) {
	defer checkErr(&err)
	device := a.device.device

	var buffer vk.Buffer
	ret := vk.CreateBuffer(device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Usage:       bufferUsage(req.Usage),
		Size:        vk.DeviceSize(req.Size),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buffer)
	orPanic(newError(ret))
	destroyBuffer := func() { vk.DestroyBuffer(device, buffer, nil) }

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(device, buffer, &reqs)
	reqs.Deref()

	typeIndex, coherent, err := selectMemoryType(a.types, reqs.MemoryTypeBits, req.Placement)
	orPanic(err, destroyBuffer)

	var mem vk.DeviceMemory
	ret = vk.AllocateMemory(device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: typeIndex,
	}, nil, &mem)
	orPanic(newError(ret), destroyBuffer)
	freeMemory := func() { vk.FreeMemory(device, mem, nil) }
	orPanic(newError(vk.BindBufferMemory(device, buffer, mem, 0)), destroyBuffer, freeMemory)

	m := &memory{memory: mem, coherent: coherent, byteSize: req.Size}
	alloc = &vkasync.Allocation{
		Size:      uint64(reqs.Size),
		Placement: req.Placement,
		Backend:   m,
	}
	if req.Persistent && req.Placement == vkasync.PlacementHostVisible {
		view, err := a.mapMemory(m)
		orPanic(err, destroyBuffer, freeMemory)
		alloc.Mapped = view
	}

	a.live.Add(1)
	vkasync.Logger().Debug("vulkan: buffer created",
		"label", req.Label,
		"size", req.Size,
		"placement", req.Placement,
		"memory_type", typeIndex,
		"coherent", coherent)
	return vkasync.Buffer(a.device.buffers.add(buffer)), alloc, nil
}

func (a *Allocator) mapMemory(m *memory) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maps == 0 {
		var p unsafe.Pointer
		ret := vk.MapMemory(a.device.device, m.memory, 0, vk.DeviceSize(vk.WholeSize), 0, &p)
		if isError(ret) {
			return nil, newError(ret)
		}
		m.mapped = p
	}
	m.maps++
	return unsafe.Slice((*byte)(m.mapped), m.byteSize), nil
}

func backend(alloc *vkasync.Allocation) (*memory, error) {
	m, ok := alloc.Backend.(*memory)
	if !ok {
		return nil, fmt.Errorf("%w: allocation not created by this allocator", errUnknownHandle)
	}
	return m, nil
}

func (a *Allocator) Map(alloc *vkasync.Allocation) ([]byte, error) {
	if alloc.Placement != vkasync.PlacementHostVisible {
		return nil, vkasync.ErrNotHostVisible
	}
	m, err := backend(alloc)
	if err != nil {
		return nil, err
	}
	return a.mapMemory(m)
}

func (a *Allocator) Unmap(alloc *vkasync.Allocation) {
	m, err := backend(alloc)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maps == 0 {
		return
	}
	m.maps--
	if m.maps == 0 {
		vk.UnmapMemory(a.device.device, m.memory)
		m.mapped = nil
	}
}

// Flush makes host writes visible to the device. Coherent memory needs no
// flush. The whole block is flushed, which satisfies the atom alignment
// rules for any range.
func (a *Allocator) Flush(alloc *vkasync.Allocation, offset, size uint64) error {
	m, err := backend(alloc)
	if err != nil {
		return err
	}
	if m.coherent || size == 0 {
		return nil
	}
	ret := vk.FlushMappedMemoryRanges(a.device.device, 1, []vk.MappedMemoryRange{{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: m.memory,
		Offset: 0,
		Size:   vk.DeviceSize(vk.WholeSize),
	}})
	return newError(ret)
}

// Invalidate makes device writes visible to host reads of a mapping,
// persistent or not. Like Flush it covers the whole block.
func (a *Allocator) Invalidate(alloc *vkasync.Allocation, offset, size uint64) error {
	m, err := backend(alloc)
	if err != nil {
		return err
	}
	if m.coherent || size == 0 {
		return nil
	}
	ret := vk.InvalidateMappedMemoryRanges(a.device.device, 1, []vk.MappedMemoryRange{{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: m.memory,
		Offset: 0,
		Size:   vk.DeviceSize(vk.WholeSize),
	}})
	return newError(ret)
}

func (a *Allocator) DestroyBuffer(b vkasync.Buffer, alloc *vkasync.Allocation) {
	buffer, ok := a.device.buffers.remove(uint64(b))
	if !ok {
		vkasync.Logger().Warn("vulkan: destroy of unknown buffer", "buffer", uint64(b))
		return
	}
	device := a.device.device
	vk.DestroyBuffer(device, buffer, nil)
	if m, err := backend(alloc); err == nil {
		m.mu.Lock()
		if m.maps > 0 {
			vk.UnmapMemory(device, m.memory)
			m.maps = 0
			m.mapped = nil
		}
		m.mu.Unlock()
		vk.FreeMemory(device, m.memory, nil)
	}
	a.live.Add(-1)
}

// Live returns the number of buffers not yet destroyed.
func (a *Allocator) Live() int64 {
	return a.live.Load()
}

// Close reports leaked buffers. Memory is reclaimed when the device is
// destroyed.
func (a *Allocator) Close() error {
	a.closeOnce.Do(func() {
		if n := a.live.Load(); n > 0 {
			vkasync.Logger().Warn("vulkan: allocator closed with live buffers", "buffers", n)
		}
	})
	return nil
}
