package vkasync_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/andewx/vkasync"
	"github.com/andewx/vkasync/internal/gpufake"
)

// A staged round trip uses two distinct staging buffers and destroys both.
func TestDeviceBufferStagedRoundTrip(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{Graphics: 0, Compute: 1, Transfer: 2})
	ctx := context.Background()

	buf, err := vkasync.NewDeviceBuffer[uint32](e.shared, 16, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer buf.Destroy()

	in := sequence(16)
	if err := buf.Write(ctx, e.stager, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := e.alloc.Live(); got != 1 {
		t.Errorf("live buffers after Write = %d, want 1", got)
	}

	for _, offset := range []int{0, 5, 16} {
		out := make([]uint32, 16-offset)
		if err := buf.Read(ctx, e.stager, out, offset); err != nil {
			t.Fatalf("Read(offset=%d) error = %v", offset, err)
		}
		if !reflect.DeepEqual(out, in[offset:]) {
			t.Errorf("Read(offset=%d) = %v, want %v", offset, out, in[offset:])
		}
	}

	// One device buffer plus one staging buffer per transfer.
	if got := e.alloc.Created(); got != 1+1+3 {
		t.Errorf("Created() = %d, want 5", got)
	}
	if got := e.alloc.Live(); got != 1 {
		t.Errorf("live buffers = %d, want 1", got)
	}
	if got := e.alloc.DoubleFrees(); got != 0 {
		t.Errorf("DoubleFrees() = %d, want 0", got)
	}
	if got := e.queues.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

// Persistently mapped staging buffers are never mapped again, yet every
// download invalidates before the host copy.
func TestStagedReadInvalidatesPersistentMapping(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{}, vkasync.WithPersistentMapping(true))
	ctx := context.Background()

	buf, err := vkasync.NewDeviceBuffer[uint32](e.shared, 8, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer buf.Destroy()

	in := sequence(8)
	if err := buf.Write(ctx, e.stager, in); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		out := make([]uint32, 8)
		if err := buf.Read(ctx, e.stager, out, 0); err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Errorf("Read() = %v, want %v", out, in)
		}
	}
	if got := e.alloc.Maps(); got != 0 {
		t.Errorf("Maps() = %d, want 0", got)
	}
	if got := e.alloc.Invalidates(); got != 2 {
		t.Errorf("Invalidates() = %d, want 2", got)
	}
}

func TestStagerRanges(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{})
	ctx := context.Background()

	buf, err := vkasync.NewDeviceBuffer[uint8](e.shared, 8, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer buf.Destroy()
	a := buf.Allocation()

	if err := e.stager.WriteRange(ctx, a, 2, []byte{7, 8, 9}); err != nil {
		t.Fatalf("WriteRange() error = %v", err)
	}
	if got, want := e.alloc.Memory(a.Handle()), []byte{0, 0, 7, 8, 9, 0, 0, 0}; !reflect.DeepEqual(got, want) {
		t.Errorf("device memory = %v, want %v", got, want)
	}

	out := make([]byte, 2)
	if err := e.stager.ReadRange(ctx, a, 3, out); err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	if !reflect.DeepEqual(out, []byte{8, 9}) {
		t.Errorf("ReadRange() = %v, want [8 9]", out)
	}

	if err := e.stager.WriteRange(ctx, a, 7, []byte{1, 2}); !errors.Is(err, vkasync.ErrOutOfRange) {
		t.Errorf("WriteRange() past end error = %v, want %v", err, vkasync.ErrOutOfRange)
	}
	if err := e.stager.ReadRange(ctx, a, 0, nil); err != nil {
		t.Errorf("ReadRange() of nothing error = %v", err)
	}
	if got := e.alloc.Live(); got != 1 {
		t.Errorf("live buffers = %d, want 1", got)
	}
}

func TestStagerRejectsOutOfRangeBeforeStaging(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{})
	ctx := context.Background()
	buf, err := vkasync.NewDeviceBuffer[uint16](e.shared, 4, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer buf.Destroy()

	if err := buf.Write(ctx, e.stager, make([]uint16, 5)); !errors.Is(err, vkasync.ErrOutOfRange) {
		t.Errorf("Write() error = %v, want %v", err, vkasync.ErrOutOfRange)
	}
	if err := buf.Read(ctx, e.stager, make([]uint16, 2), 3); !errors.Is(err, vkasync.ErrOutOfRange) {
		t.Errorf("Read() error = %v, want %v", err, vkasync.ErrOutOfRange)
	}
	if got := e.alloc.Created(); got != 1 {
		t.Errorf("Created() = %d, want 1 (no staging)", got)
	}
}

func TestStagerCleansUpOnSubmitFailure(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{})
	buf, err := vkasync.NewDeviceBuffer[uint32](e.shared, 4, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer buf.Destroy()

	e.dev.Fail(gpufake.OpSubmit, nil)
	err = buf.Write(context.Background(), e.stager, []uint32{1, 2, 3, 4})
	if !errors.Is(err, gpufake.ErrInjected) {
		t.Fatalf("Write() error = %v, want %v", err, gpufake.ErrInjected)
	}
	if got := e.alloc.Live(); got != 1 {
		t.Errorf("live buffers = %d, want 1", got)
	}

	// A failed fence check also destroys the staging buffer.
	e.dev.Fail(gpufake.OpWaitFence, nil)
	err = buf.Read(context.Background(), e.stager, make([]uint32, 4), 0)
	var native *vkasync.NativeError
	if !errors.As(err, &native) {
		t.Fatalf("Read() error = %v, want *NativeError", err)
	}
	if got := e.alloc.Live(); got != 1 {
		t.Errorf("live buffers = %d, want 1", got)
	}
}

// A transfer abandoned by its context keeps the staging buffer until the
// copy finishes, then frees it in the background.
func TestStagerCancelDrainsInBackground(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{})
	e.dev.SignalAfter(0)

	buf, err := vkasync.NewDeviceBuffer[uint32](e.shared, 4, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := buf.Write(ctx, e.stager, []uint32{4, 3, 2, 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Write() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := e.alloc.Live(); got != 2 {
		t.Fatalf("live buffers while copy in flight = %d, want 2", got)
	}

	// The owner lets go while the copy is still in flight.
	buf.Destroy()
	if got := e.alloc.Live(); got != 2 {
		t.Fatalf("live buffers after Destroy = %d, want 2", got)
	}

	e.dev.SignalAll()
	eventually(t, "staging and target freed", func() bool { return e.alloc.Live() == 0 })
	eventually(t, "submission resolved", func() bool { return e.queues.Pending() == 0 })
}

func TestTransfersOnScheduler(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{Graphics: 0, Compute: 1, Transfer: 1})
	e.dev.SignalAfter(3)
	ctx := context.Background()

	a, err := vkasync.NewDeviceBuffer[int32](e.shared, 4, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer a.Destroy()
	b, err := vkasync.NewDeviceBuffer[int32](e.shared, 4, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer b.Destroy()

	wa, err := a.WriteAsync(ctx, e.stager, []int32{1, -2, 3, -4})
	if err != nil {
		t.Fatalf("WriteAsync() error = %v", err)
	}
	wb, err := b.WriteAsync(ctx, e.stager, []int32{5, 6, 7, 8})
	if err != nil {
		t.Fatalf("WriteAsync() error = %v", err)
	}

	s := vkasync.NewScheduler(0)
	ha, hb := s.Spawn(wa), s.Spawn(wb)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if ha.Err() != nil || hb.Err() != nil {
		t.Fatalf("transfer errors = %v, %v", ha.Err(), hb.Err())
	}
	if !wa.Done() || !wb.Done() {
		t.Fatal("transfers not done after Run")
	}

	out := make([]int32, 2)
	ra, err := a.ReadAsync(ctx, e.stager, out, 2)
	if err != nil {
		t.Fatalf("ReadAsync() error = %v", err)
	}
	if err := vkasync.Block(ctx, ra); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if !reflect.DeepEqual(out, []int32{3, -4}) {
		t.Errorf("ReadAsync() = %v, want [3 -4]", out)
	}
	if got := e.alloc.Live(); got != 2 {
		t.Errorf("live buffers = %d, want 2", got)
	}
}

func TestStagerBoundsInflightMemory(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{}, vkasync.WithMaxInflightStaging(16))
	e.dev.SignalAfter(0)
	ctx := context.Background()

	buf, err := vkasync.NewDeviceBuffer[uint32](e.shared, 4, 0)
	if err != nil {
		t.Fatalf("NewDeviceBuffer() error = %v", err)
	}
	defer buf.Destroy()

	first, err := buf.WriteAsync(ctx, e.stager, []uint32{1})
	if err != nil {
		t.Fatalf("WriteAsync() error = %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	if _, err := buf.WriteAsync(short, e.stager, []uint32{2}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second WriteAsync() error = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := e.alloc.Live(); got != 2 {
		t.Errorf("live buffers = %d, want 2", got)
	}

	e.dev.SignalAll()
	if err := first.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	e.dev.SignalAfter(1)
	if err := buf.Write(ctx, e.stager, []uint32{3}); err != nil {
		t.Fatalf("Write() after release error = %v", err)
	}
}
