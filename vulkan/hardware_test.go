package vulkan

import (
	"context"
	"os"
	"reflect"
	"runtime"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/andewx/vkasync"
)

// TestHardwareRoundTrip drives a real device. It runs only with
// VKASYNC_HARDWARE=1 and a working Vulkan driver.
func TestHardwareRoundTrip(t *testing.T) {
	if os.Getenv("VKASYNC_HARDWARE") != "1" {
		t.Skip("set VKASYNC_HARDWARE=1 to run against a Vulkan driver")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	release, err := Load(LoaderDefault)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer release()

	inst, err := NewInstance(InstanceConfig{AppName: "vkasync-test"})
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	defer inst.Destroy()

	devs, err := inst.PhysicalDevices()
	if err != nil {
		t.Fatalf("PhysicalDevices() error = %v", err)
	}
	pd, err := vkasync.PickPhysicalDevice(devs, vkasync.SelectionPolicy{})
	if err != nil {
		t.Skipf("no suitable device: %v", err)
	}
	t.Logf("using %s (%s, %s)", pd.Name, pd.Type, vkasync.VersionString(pd.APIVersion))

	c, err := vkasync.NewBuilder().
		WithPhysicalDevice(pd).
		Build(&Opener{Instance: inst, Extensions: []string{"VK_KHR_dedicated_allocation"}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	ctx := context.Background()

	in := make([]float32, 1024)
	for i := range in {
		in[i] = float32(i) * 0.5
	}
	buf, err := vkasync.UploadDeviceBuffer(ctx, c, in, gputypes.BufferUsageStorage)
	if err != nil {
		t.Fatalf("UploadDeviceBuffer() error = %v", err)
	}
	out := make([]float32, len(in)-10)
	if err := buf.Read(ctx, c.Stager(), out, 10); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !reflect.DeepEqual(out, in[10:]) {
		t.Error("read back data differs from upload")
	}
	buf.Destroy()

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
