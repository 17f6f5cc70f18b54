package vkasync

import "time"

// Opaque native handles. Backends hand these out and map them back to their
// own objects; this package never interprets their values. Zero is the null
// handle for every type.
type (
	Queue         uint64
	CommandPool   uint64
	CommandBuffer uint64
	Fence         uint64
	Buffer        uint64
)

// BufferCopy is a single buffer-to-buffer copy region, in bytes.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// Device is the command-execution service this package drives.
//
// Implementations must be safe for concurrent use for distinct objects.
// Access to a single command pool, and to a single queue, is externally
// synchronized by QueueSet; implementations do not need to lock those.
type Device interface {
	// Queue returns queue index of the given family.
	Queue(family, index uint32) (Queue, error)

	// CreateCommandPool creates a command pool for family. Transient pools
	// hint that command buffers drawn from them are short-lived.
	CreateCommandPool(family uint32, transient bool) (CommandPool, error)
	DestroyCommandPool(pool CommandPool)

	// AllocateCommandBuffer allocates one primary command buffer from pool.
	AllocateCommandBuffer(pool CommandPool) (CommandBuffer, error)
	FreeCommandBuffer(pool CommandPool, cmd CommandBuffer)

	// BeginCommandBuffer starts recording a one-time-submit command buffer.
	BeginCommandBuffer(cmd CommandBuffer) error
	EndCommandBuffer(cmd CommandBuffer) error

	// CmdCopyBuffer records a copy between two buffers. Unknown handles
	// or an empty region list are an error and nothing is recorded.
	CmdCopyBuffer(cmd CommandBuffer, src, dst Buffer, regions []BufferCopy) error

	// Submit submits cmd to queue; fence is signaled once it has executed.
	Submit(queue Queue, cmd CommandBuffer, fence Fence) error

	CreateFence() (Fence, error)

	// FenceStatus reports whether fence is signaled without blocking.
	FenceStatus(fence Fence) (bool, error)

	// WaitFence blocks for at most timeout. It reports false on timeout.
	WaitFence(fence Fence, timeout time.Duration) (bool, error)

	DestroyFence(fence Fence)
}
