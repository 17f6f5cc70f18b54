package vkasync

import (
	"errors"
	"fmt"
)

// Configuration faults. These are fatal to setup and never retried.
var (
	// ErrNoGraphicsQueue is returned when no queue family advertises graphics capability.
	ErrNoGraphicsQueue = errors.New("vkasync: no graphics queue found")

	// ErrNoComputeQueue is returned when no queue family advertises compute capability.
	ErrNoComputeQueue = errors.New("vkasync: no compute queue found")

	// ErrNoTransferQueue is returned when no queue family advertises transfer capability.
	ErrNoTransferQueue = errors.New("vkasync: no transfer queue found")

	// ErrNoPhysicalDevicePicked is returned when a Builder is built without a physical device.
	ErrNoPhysicalDevicePicked = errors.New("vkasync: no physical device picked")

	// ErrNoSuitableDevice is returned when no enumerated device can serve the three queue roles.
	ErrNoSuitableDevice = errors.New("vkasync: no suitable physical device found")
)

// Usage faults.
var (
	// ErrOutOfRange is returned when a host read or write would touch memory
	// outside of the buffer allocation.
	ErrOutOfRange = errors.New("vkasync: range exceeds buffer capacity")

	// ErrBufferDestroyed is returned when operating on a destroyed buffer.
	ErrBufferDestroyed = errors.New("vkasync: buffer has been destroyed")

	// ErrNotHostVisible is returned when host access is requested on device-local memory.
	ErrNotHostVisible = errors.New("vkasync: allocation is not host visible")

	// ErrQueueSetBusy is returned when a queue set is closed while futures are still pending.
	ErrQueueSetBusy = errors.New("vkasync: queue set has pending submissions")

	// ErrQueueSetClosed is returned when executing on a closed queue set.
	ErrQueueSetClosed = errors.New("vkasync: queue set is closed")

	// ErrAllocatorClosed is returned when allocating from a released allocator.
	ErrAllocatorClosed = errors.New("vkasync: allocator has been released")

	// ErrInvalidRole is returned for a role outside Graphics, Compute and Transfer.
	ErrInvalidRole = errors.New("vkasync: invalid queue role")

	// ErrNilRecorder is returned when Execute is called without a recorder.
	ErrNilRecorder = errors.New("vkasync: recorder is nil")
)

// NativeError wraps a failure reported by the underlying device API.
//
// Code is the native result code (a VkResult for the Vulkan backend).
// Native errors are propagated as-is and never retried: a failed
// submission is not recoverable within the same submission.
type NativeError struct {
	Op   string
	Code int32
	Err  error
}

func (e *NativeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vulkan error: %s: %v (%d)", e.Op, e.Err, e.Code)
	}
	return fmt.Sprintf("vulkan error: %s (%d)", e.Op, e.Code)
}

func (e *NativeError) Unwrap() error {
	return e.Err
}

// NewNativeError builds a NativeError for op. Backends call this to tag a
// failed native call with its result code.
func NewNativeError(op string, code int32, err error) error {
	return &NativeError{Op: op, Code: code, Err: err}
}

// nativeOp annotates err with the operation that produced it, keeping an
// existing NativeError intact so its code survives.
func nativeOp(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NativeError
	if errors.As(err, &ne) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &NativeError{Op: op, Code: -1, Err: err}
}

// checkErr converts a panic raised below an API boundary into an error.
func checkErr(err *error) {
	if v := recover(); v != nil {
		*err = fmt.Errorf("%+v", v)
	}
}
