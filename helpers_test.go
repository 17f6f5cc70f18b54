package vkasync_test

import (
	"testing"
	"time"

	"github.com/andewx/vkasync"
	"github.com/andewx/vkasync/internal/gpufake"
)

const allCaps = vkasync.QueueGraphics | vkasync.QueueCompute | vkasync.QueueTransfer

type env struct {
	dev    *gpufake.Device
	alloc  *gpufake.Allocator
	shared *vkasync.SharedAllocator
	queues *vkasync.QueueSet
	exec   *vkasync.Executor
	stager *vkasync.Stager
}

// newEnv wires a queue set, an executor and a stager over a fake device
// exposing the families in indices.
func newEnv(t *testing.T, indices vkasync.QueueRoleIndices, opts ...vkasync.Option) *env {
	t.Helper()
	dev := gpufake.New(indices.Distinct()...)
	queues, err := vkasync.NewQueueSet(dev, indices)
	if err != nil {
		t.Fatalf("NewQueueSet() error = %v", err)
	}
	shared := vkasync.NewSharedAllocator(dev.Allocator(), nil)
	exec := vkasync.NewExecutor(queues, opts...)
	return &env{
		dev:    dev,
		alloc:  dev.Allocator(),
		shared: shared,
		queues: queues,
		exec:   exec,
		stager: vkasync.NewStager(exec, shared, opts...),
	}
}

func sequence(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i*7 + 1)
	}
	return out
}

// eventually polls cond until it holds or a second has passed.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
