package vulkan

import (
	"reflect"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"
	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkasync"
)

func TestBufferUsage(t *testing.T) {
	tests := []struct {
		name  string
		usage gputypes.BufferUsage
		want  vk.BufferUsageFlagBits
	}{
		{"none defaults to transfer", gputypes.BufferUsageNone, vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit},
		{"map only defaults to transfer", gputypes.BufferUsageMapRead | gputypes.BufferUsageMapWrite, vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit},
		{"staging upload", gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite, vk.BufferUsageTransferSrcBit},
		{"vertex", gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst, vk.BufferUsageVertexBufferBit | vk.BufferUsageTransferDstBit},
		{"storage indirect", gputypes.BufferUsageStorage | gputypes.BufferUsageIndirect, vk.BufferUsageStorageBufferBit | vk.BufferUsageIndirectBufferBit},
		{"uniform index", gputypes.BufferUsageUniform | gputypes.BufferUsageIndex, vk.BufferUsageUniformBufferBit | vk.BufferUsageIndexBufferBit},
		{"query resolve", gputypes.BufferUsageQueryResolve, vk.BufferUsageTransferDstBit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bufferUsage(tt.usage); got != vk.BufferUsageFlags(tt.want) {
				t.Errorf("bufferUsage(%v) = %#x, want %#x", tt.usage, got, tt.want)
			}
		})
	}
}

func TestSelectMemoryType(t *testing.T) {
	var (
		deviceLocal = vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
		hostVisible = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit)
		coherent    = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	)
	types := []vk.MemoryPropertyFlags{deviceLocal, hostVisible, coherent, deviceLocal | coherent}

	tests := []struct {
		name         string
		typeBits     uint32
		placement    vkasync.Placement
		want         uint32
		wantCoherent bool
		wantErr      bool
	}{
		{"device local first match", 0b1111, vkasync.PlacementDeviceLocal, 0, false, false},
		{"device local restricted", 0b1000, vkasync.PlacementDeviceLocal, 3, true, false},
		{"device local falls back to any", 0b0110, vkasync.PlacementDeviceLocal, 1, false, false},
		{"host prefers coherent", 0b0111, vkasync.PlacementHostVisible, 2, true, false},
		{"host falls back to non-coherent", 0b0011, vkasync.PlacementHostVisible, 1, false, false},
		{"host unavailable", 0b0001, vkasync.PlacementHostVisible, 0, false, true},
		{"no allowed types", 0, vkasync.PlacementDeviceLocal, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, gotCoherent, err := selectMemoryType(types, tt.typeBits, tt.placement)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("selectMemoryType() = %d, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("selectMemoryType() error = %v", err)
			}
			if got != tt.want || gotCoherent != tt.wantCoherent {
				t.Errorf("selectMemoryType() = %d (coherent %v), want %d (coherent %v)", got, gotCoherent, tt.want, tt.wantCoherent)
			}
		})
	}
}

func TestQueueCapability(t *testing.T) {
	tests := []struct {
		flags vk.QueueFlagBits
		want  vkasync.QueueCapability
	}{
		{vk.QueueGraphicsBit, vkasync.QueueGraphics | vkasync.QueueTransfer},
		{vk.QueueComputeBit, vkasync.QueueCompute | vkasync.QueueTransfer},
		{vk.QueueTransferBit, vkasync.QueueTransfer},
		{vk.QueueSparseBindingBit, 0},
		{vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit | vk.QueueSparseBindingBit,
			vkasync.QueueGraphics | vkasync.QueueCompute | vkasync.QueueTransfer},
	}
	for _, tt := range tests {
		if got := queueCapability(vk.QueueFlags(tt.flags)); got != tt.want {
			t.Errorf("queueCapability(%#x) = %v, want %v", tt.flags, got, tt.want)
		}
	}
}

func TestDeviceType(t *testing.T) {
	tests := map[vk.PhysicalDeviceType]vkasync.DeviceType{
		vk.PhysicalDeviceTypeDiscreteGpu:   vkasync.DeviceTypeDiscreteGPU,
		vk.PhysicalDeviceTypeIntegratedGpu: vkasync.DeviceTypeIntegratedGPU,
		vk.PhysicalDeviceTypeVirtualGpu:    vkasync.DeviceTypeVirtualGPU,
		vk.PhysicalDeviceTypeCpu:           vkasync.DeviceTypeCPU,
		vk.PhysicalDeviceTypeOther:         vkasync.DeviceTypeOther,
	}
	for in, want := range tests {
		if got := deviceType(in); got != want {
			t.Errorf("deviceType(%d) = %v, want %v", in, got, want)
		}
	}
}

func TestCheckExisting(t *testing.T) {
	actual := []string{"VK_KHR_surface", "VK_EXT_debug_report", "VK_KHR_dedicated_allocation"}
	existing, missing := checkExisting(actual, []string{"VK_KHR_dedicated_allocation", "VK_KHR_swapchain", "VK_KHR_surface"})
	if want := []string{"VK_KHR_dedicated_allocation", "VK_KHR_surface"}; !reflect.DeepEqual(existing, want) {
		t.Errorf("existing = %v, want %v", existing, want)
	}
	if want := []string{"VK_KHR_swapchain"}; !reflect.DeepEqual(missing, want) {
		t.Errorf("missing = %v, want %v", missing, want)
	}
}

func TestSafeString(t *testing.T) {
	if got := safeString("VK_LAYER_KHRONOS_validation"); got != "VK_LAYER_KHRONOS_validation\x00" {
		t.Errorf("safeString() = %q", got)
	}
	if got := safeString("done\x00"); got != "done\x00" {
		t.Errorf("safeString() added a second terminator: %q", got)
	}
	if got := safeStrings([]string{"a", "b\x00"}); !reflect.DeepEqual(got, []string{"a\x00", "b\x00"}) {
		t.Errorf("safeStrings() = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	r := newRegistry[string]()
	a, b := r.add("a"), r.add("b")
	if a == 0 || b == 0 || a == b {
		t.Fatalf("handles %d, %d must be distinct and non-zero", a, b)
	}
	if v, ok := r.get(b); !ok || v != "b" {
		t.Errorf("get(%d) = %q, %v", b, v, ok)
	}
	if _, ok := r.remove(a); !ok {
		t.Errorf("remove(%d) not found", a)
	}
	if _, ok := r.get(a); ok {
		t.Errorf("get(%d) found a removed handle", a)
	}
	if r.len() != 1 {
		t.Errorf("len() = %d, want 1", r.len())
	}
	if c := r.add("c"); c == a {
		t.Errorf("handle %d reused", c)
	}
}

func TestNewError(t *testing.T) {
	if err := newError(vk.Success); err != nil {
		t.Errorf("newError(Success) = %v", err)
	}
	err := newError(vk.ErrorOutOfDeviceMemory)
	if err == nil {
		t.Fatal("newError(ErrorOutOfDeviceMemory) = nil")
	}
	if !strings.Contains(err.Error(), "TestNewError") {
		t.Errorf("error %q does not name the caller", err)
	}
}

func TestCheckErrRecovers(t *testing.T) {
	run := func() (err error) {
		defer checkErr(&err)
		orPanic(newError(vk.ErrorInitializationFailed))
		return nil
	}
	if err := run(); err == nil {
		t.Error("checkErr did not turn the panic into an error")
	}
}

func TestEnumerate(t *testing.T) {
	name := func(s *string) string { return *s }

	t.Run("retries incomplete", func(t *testing.T) {
		avail := []string{"a"}
		calls := 0
		got, err := enumerate(func(count *uint32, list []string) vk.Result {
			calls++
			if list == nil {
				*count = uint32(len(avail))
				return vk.Success
			}
			// A layer appears between the count and the fill.
			if calls == 2 {
				avail = append(avail, "b")
				*count = uint32(copy(list, avail))
				return vk.Incomplete
			}
			*count = uint32(copy(list, avail))
			return vk.Success
		}, name)
		if err != nil {
			t.Fatalf("enumerate() error = %v", err)
		}
		if !reflect.DeepEqual(got, []string{"a", "b"}) {
			t.Errorf("enumerate() = %v, want [a b]", got)
		}
	})

	t.Run("error", func(t *testing.T) {
		got, err := enumerate(func(count *uint32, list []string) vk.Result {
			return vk.ErrorOutOfHostMemory
		}, name)
		if err == nil || got != nil {
			t.Errorf("enumerate() = %v, %v; want nil and an error", got, err)
		}
	})
}
