package vulkan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkasync"
)

var errUnknownHandle = errors.New("vulkan: unknown handle")

// Opener creates logical devices on physical devices enumerated from
// Instance. It implements vkasync.Opener.
type Opener struct {
	Instance *Instance
	// Extensions are device extensions to enable when the device supports
	// them.
	Extensions []string
}

var _ vkasync.Opener = (*Opener)(nil)

// Open creates a logical device with one queue per distinct family in
// indices, plus an allocator for it.
func (o *Opener) Open(pd vkasync.PhysicalDeviceInfo, indices vkasync.QueueRoleIndices) (dev vkasync.Device, alloc vkasync.Allocator, err error) {
	defer checkErr(&err)

	gpu, ok := pd.Handle.(vk.PhysicalDevice)
	if !ok {
		return nil, nil, fmt.Errorf("vulkan: physical device %q has no Vulkan handle", pd.Name)
	}
	log := vkasync.Logger()

	extensions, missing := checkExisting(safeStrings(pd.Extensions), safeStrings(o.Extensions))
	if len(missing) > 0 {
		log.Warn("vulkan: missing device extensions", "device", pd.Name, "missing", missing)
	}

	infos := indices.CreateInfos()
	queueInfos := make([]vk.DeviceQueueCreateInfo, 0, len(infos))
	for _, info := range infos {
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: info.Family,
			QueueCount:       uint32(len(info.Priorities)),
			PQueuePriorities: info.Priorities,
		})
	}

	var layers []string
	if o.Instance != nil {
		layers = o.Instance.layers
	}

	var device vk.Device
	ret := vk.CreateDevice(gpu, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
	}, nil, &device)
	orPanic(newError(ret))

	d := newDevice(device)
	log.Info("vulkan: logical device created",
		"device", pd.Name,
		"queues", len(queueInfos),
		"extensions", len(extensions))
	return d, newAllocator(d, gpu), nil
}

// Device implements vkasync.Device on a VkDevice. Native objects are
// handed out as registry handles.
type Device struct {
	device vk.Device

	queues  *registry[vk.Queue]
	pools   *registry[vk.CommandPool]
	cmds    *registry[vk.CommandBuffer]
	fences  *registry[vk.Fence]
	buffers *registry[vk.Buffer]

	closeOnce sync.Once
}

var _ vkasync.Device = (*Device)(nil)

func newDevice(device vk.Device) *Device {
	return &Device{
		device:  device,
		queues:  newRegistry[vk.Queue](),
		pools:   newRegistry[vk.CommandPool](),
		cmds:    newRegistry[vk.CommandBuffer](),
		fences:  newRegistry[vk.Fence](),
		buffers: newRegistry[vk.Buffer](),
	}
}

// Handle returns the underlying VkDevice.
func (d *Device) Handle() vk.Device {
	return d.device
}

func (d *Device) Queue(family, index uint32) (vkasync.Queue, error) {
	var queue vk.Queue
	vk.GetDeviceQueue(d.device, family, index, &queue)
	if queue == nil {
		return 0, fmt.Errorf("vulkan: no queue %d in family %d", index, family)
	}
	return vkasync.Queue(d.queues.add(queue)), nil
}

func (d *Device) CreateCommandPool(family uint32, transient bool) (vkasync.CommandPool, error) {
	var flags vk.CommandPoolCreateFlags
	if transient {
		flags = vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit)
	}
	var pool vk.CommandPool
	ret := vk.CreateCommandPool(d.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            flags,
		QueueFamilyIndex: family,
	}, nil, &pool)
	if isError(ret) {
		return 0, newError(ret)
	}
	return vkasync.CommandPool(d.pools.add(pool)), nil
}

func (d *Device) DestroyCommandPool(pool vkasync.CommandPool) {
	if p, ok := d.pools.remove(uint64(pool)); ok {
		vk.DestroyCommandPool(d.device, p, nil)
	}
}

func (d *Device) AllocateCommandBuffer(pool vkasync.CommandPool) (vkasync.CommandBuffer, error) {
	p, ok := d.pools.get(uint64(pool))
	if !ok {
		return 0, fmt.Errorf("%w: command pool %d", errUnknownHandle, pool)
	}
	cmds := make([]vk.CommandBuffer, 1)
	ret := vk.AllocateCommandBuffers(d.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        p,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds)
	if isError(ret) {
		return 0, newError(ret)
	}
	return vkasync.CommandBuffer(d.cmds.add(cmds[0])), nil
}

func (d *Device) FreeCommandBuffer(pool vkasync.CommandPool, cmd vkasync.CommandBuffer) {
	p, ok := d.pools.get(uint64(pool))
	if !ok {
		return
	}
	if c, ok := d.cmds.remove(uint64(cmd)); ok {
		vk.FreeCommandBuffers(d.device, p, 1, []vk.CommandBuffer{c})
	}
}

func (d *Device) BeginCommandBuffer(cmd vkasync.CommandBuffer) error {
	c, ok := d.cmds.get(uint64(cmd))
	if !ok {
		return fmt.Errorf("%w: command buffer %d", errUnknownHandle, cmd)
	}
	ret := vk.BeginCommandBuffer(c, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	return newError(ret)
}

func (d *Device) EndCommandBuffer(cmd vkasync.CommandBuffer) error {
	c, ok := d.cmds.get(uint64(cmd))
	if !ok {
		return fmt.Errorf("%w: command buffer %d", errUnknownHandle, cmd)
	}
	return newError(vk.EndCommandBuffer(c))
}

func (d *Device) CmdCopyBuffer(cmd vkasync.CommandBuffer, src, dst vkasync.Buffer, regions []vkasync.BufferCopy) error {
	c, okc := d.cmds.get(uint64(cmd))
	s, oks := d.buffers.get(uint64(src))
	t, okt := d.buffers.get(uint64(dst))
	switch {
	case !okc:
		return fmt.Errorf("%w: command buffer %d", errUnknownHandle, cmd)
	case !oks || !okt:
		return fmt.Errorf("%w: copy from buffer %d to %d", errUnknownHandle, src, dst)
	case len(regions) == 0:
		return errors.New("vulkan: copy with no regions")
	}
	copies := make([]vk.BufferCopy, len(regions))
	for i, r := range regions {
		copies[i] = vk.BufferCopy{
			SrcOffset: vk.DeviceSize(r.SrcOffset),
			DstOffset: vk.DeviceSize(r.DstOffset),
			Size:      vk.DeviceSize(r.Size),
		}
	}
	vk.CmdCopyBuffer(c, s, t, uint32(len(copies)), copies)
	return nil
}

func (d *Device) Submit(queue vkasync.Queue, cmd vkasync.CommandBuffer, fence vkasync.Fence) error {
	q, ok := d.queues.get(uint64(queue))
	if !ok {
		return fmt.Errorf("%w: queue %d", errUnknownHandle, queue)
	}
	c, ok := d.cmds.get(uint64(cmd))
	if !ok {
		return fmt.Errorf("%w: command buffer %d", errUnknownHandle, cmd)
	}
	f, ok := d.fences.get(uint64(fence))
	if !ok {
		return fmt.Errorf("%w: fence %d", errUnknownHandle, fence)
	}
	ret := vk.QueueSubmit(q, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{c},
	}}, f)
	return newError(ret)
}

func (d *Device) CreateFence() (vkasync.Fence, error) {
	var fence vk.Fence
	ret := vk.CreateFence(d.device, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fence)
	if isError(ret) {
		return 0, newError(ret)
	}
	return vkasync.Fence(d.fences.add(fence)), nil
}

func (d *Device) FenceStatus(fence vkasync.Fence) (bool, error) {
	f, ok := d.fences.get(uint64(fence))
	if !ok {
		return false, fmt.Errorf("%w: fence %d", errUnknownHandle, fence)
	}
	switch ret := vk.GetFenceStatus(d.device, f); ret {
	case vk.Success:
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, newError(ret)
	}
}

func (d *Device) WaitFence(fence vkasync.Fence, timeout time.Duration) (bool, error) {
	f, ok := d.fences.get(uint64(fence))
	if !ok {
		return false, fmt.Errorf("%w: fence %d", errUnknownHandle, fence)
	}
	if timeout < 0 {
		timeout = 0
	}
	switch ret := vk.WaitForFences(d.device, 1, []vk.Fence{f}, vk.True, uint64(timeout.Nanoseconds())); ret {
	case vk.Success:
		return true, nil
	case vk.Timeout:
		return false, nil
	default:
		return false, newError(ret)
	}
}

func (d *Device) DestroyFence(fence vkasync.Fence) {
	if f, ok := d.fences.remove(uint64(fence)); ok {
		vk.DestroyFence(d.device, f, nil)
	}
}

// Close waits for the device to go idle and destroys it. Objects still
// registered are reported as leaks.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		vk.DeviceWaitIdle(d.device)
		if n := d.pools.len() + d.cmds.len() + d.fences.len() + d.buffers.len(); n > 0 {
			vkasync.Logger().Warn("vulkan: destroying device with live objects",
				"pools", d.pools.len(),
				"command_buffers", d.cmds.len(),
				"fences", d.fences.len(),
				"buffers", d.buffers.len())
		}
		vk.DestroyDevice(d.device, nil)
		d.device = nil
	})
	return nil
}
