package vkasync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andewx/vkasync"
	"github.com/andewx/vkasync/internal/gpufake"
)

func TestQueueSetSharesRecordsForAliasedRoles(t *testing.T) {
	tests := []struct {
		name      string
		indices   vkasync.QueueRoleIndices
		wantLen   int
		wantShare [][2]vkasync.Role
	}{
		{
			name:    "single family",
			indices: vkasync.QueueRoleIndices{},
			wantLen: 1,
			wantShare: [][2]vkasync.Role{
				{vkasync.RoleGraphics, vkasync.RoleCompute},
				{vkasync.RoleGraphics, vkasync.RoleTransfer},
			},
		},
		{
			name:    "compute and transfer share",
			indices: vkasync.QueueRoleIndices{Graphics: 0, Compute: 1, Transfer: 1},
			wantLen: 2,
			wantShare: [][2]vkasync.Role{
				{vkasync.RoleCompute, vkasync.RoleTransfer},
			},
		},
		{
			name:    "all distinct",
			indices: vkasync.QueueRoleIndices{Graphics: 0, Compute: 1, Transfer: 2},
			wantLen: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.indices)
			if got := e.queues.Len(); got != tt.wantLen {
				t.Errorf("Len() = %d, want %d", got, tt.wantLen)
			}
			if got := e.dev.Pools(); got != tt.wantLen {
				t.Errorf("device pools = %d, want %d", got, tt.wantLen)
			}
			for _, pair := range tt.wantShare {
				if e.queues.Role(pair[0]) != e.queues.Role(pair[1]) {
					t.Errorf("roles %v and %v do not share a record", pair[0], pair[1])
				}
			}
			for r := vkasync.RoleGraphics; r <= vkasync.RoleTransfer; r++ {
				rec := e.queues.Role(r)
				if rec == nil {
					t.Fatalf("Role(%v) = nil", r)
				}
				if rec.Family() != tt.indices.Index(r) {
					t.Errorf("Role(%v).Family() = %d, want %d", r, rec.Family(), tt.indices.Index(r))
				}
			}
			if e.queues.Role(vkasync.Role(-1)) != nil || e.queues.Role(vkasync.Role(3)) != nil {
				t.Error("Role() of an invalid role is not nil")
			}
		})
	}
}

func TestNewQueueSetCleansUpOnFailure(t *testing.T) {
	// Family 1 does not exist, so the second record fails after the first
	// pool was created.
	dev := gpufake.New(0)
	_, err := vkasync.NewQueueSet(dev, vkasync.QueueRoleIndices{Graphics: 0, Compute: 1, Transfer: 1})
	if err == nil {
		t.Fatal("NewQueueSet() error = nil, want error")
	}
	var native *vkasync.NativeError
	if !errors.As(err, &native) {
		t.Errorf("error %v is not a *NativeError", err)
	}
	if got := dev.Pools(); got != 0 {
		t.Errorf("device pools after failure = %d, want 0", got)
	}

	dev = gpufake.New(0)
	dev.Fail(gpufake.OpCreateCommandPool, nil)
	if _, err := vkasync.NewQueueSet(dev, vkasync.QueueRoleIndices{}); !errors.Is(err, gpufake.ErrInjected) {
		t.Errorf("NewQueueSet() error = %v, want %v", err, gpufake.ErrInjected)
	}
}

func TestQueueSetCloseWaitsForPendingFutures(t *testing.T) {
	e := newEnv(t, vkasync.QueueRoleIndices{})
	e.dev.SignalAfter(0)

	f, err := e.exec.Execute(vkasync.RoleCompute, vkasync.RecorderFunc(func(*vkasync.Recording) error { return nil }))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = e.queues.Close(ctx)
	if !errors.Is(err, vkasync.ErrQueueSetBusy) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v, want ErrQueueSetBusy and DeadlineExceeded", err)
	}
	if got := e.dev.Pools(); got != 1 {
		t.Fatalf("pools after busy Close = %d, want 1", got)
	}

	// The set stays usable after a busy Close.
	f2, err := e.exec.Execute(vkasync.RoleGraphics, vkasync.RecorderFunc(func(*vkasync.Recording) error { return nil }))
	if err != nil {
		t.Fatalf("Execute() after busy Close error = %v", err)
	}
	if got := e.queues.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}

	done := make(chan error, 1)
	go func() { done <- e.queues.Close(context.Background()) }()

	e.dev.SignalAll()
	for _, fut := range []*vkasync.Future{f, f2} {
		if ok, err := fut.Poll(nil); !ok || err != nil {
			t.Fatalf("Poll() = %v, %v, want true, nil", ok, err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := e.dev.Pools(); got != 0 {
		t.Errorf("pools after Close = %d, want 0", got)
	}
	if err := e.queues.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	_, err = e.exec.Execute(vkasync.RoleGraphics, vkasync.RecorderFunc(func(*vkasync.Recording) error { return nil }))
	if !errors.Is(err, vkasync.ErrQueueSetClosed) {
		t.Errorf("Execute() after Close error = %v, want %v", err, vkasync.ErrQueueSetClosed)
	}
}
