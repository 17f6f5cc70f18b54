package vkasync

import (
	"fmt"
)

// DeviceType is the kind of a physical device. Values match
// VkPhysicalDeviceType.
type DeviceType int

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegratedGPU
	DeviceTypeDiscreteGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeOther:
		return "other"
	case DeviceTypeIntegratedGPU:
		return "integrated"
	case DeviceTypeDiscreteGPU:
		return "discrete"
	case DeviceTypeVirtualGPU:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// MemoryHeap is one memory heap of a physical device.
type MemoryHeap struct {
	Size        uint64
	DeviceLocal bool
}

// PhysicalDeviceInfo is what the capability service reports about one
// physical device.
type PhysicalDeviceInfo struct {
	Name          string
	Type          DeviceType
	APIVersion    uint32
	DriverVersion uint32
	VendorID      uint32
	DeviceID      uint32
	QueueFamilies []QueueFamilyInfo
	MemoryHeaps   []MemoryHeap
	Extensions    []string

	// Handle is the backend's physical device handle.
	Handle any
}

// IsDiscrete reports whether the device is a discrete GPU.
func (p *PhysicalDeviceInfo) IsDiscrete() bool {
	return p.Type == DeviceTypeDiscreteGPU
}

// VRAM returns the total size of the device-local heaps.
func (p *PhysicalDeviceInfo) VRAM() uint64 {
	var total uint64
	for _, h := range p.MemoryHeaps {
		if h.DeviceLocal {
			total += h.Size
		}
	}
	return total
}

// MakeVersion packs a Vulkan API version.
func MakeVersion(major, minor, patch uint32) uint32 {
	return major<<22 | minor<<12 | patch
}

// VersionString formats a packed Vulkan API version.
func VersionString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>22, (v>>12)&0x3ff, v&0xfff)
}

// MinAPIVersion is the lowest API version a device must report to be
// considered suitable.
var MinAPIVersion = MakeVersion(1, 2, 0)

// SelectionPolicy tunes PickPhysicalDevice.
type SelectionPolicy struct {
	// MinAPIVersion overrides the package MinAPIVersion when non-zero.
	MinAPIVersion uint32
	// PreferredName picks the device with this exact name when it is
	// suitable.
	PreferredName string
	// IgnoreDiscrete ranks every device by VRAM instead of preferring
	// discrete GPUs.
	IgnoreDiscrete bool
}

// Suitable reports whether dev meets the API version minimum and has a
// graphics, a compute and a transfer queue family.
func (p SelectionPolicy) Suitable(dev *PhysicalDeviceInfo) error {
	want := p.MinAPIVersion
	if want == 0 {
		want = MinAPIVersion
	}
	if dev.APIVersion < want {
		return fmt.Errorf("api version %s below %s", VersionString(dev.APIVersion), VersionString(want))
	}
	if _, err := SelectQueues(dev.QueueFamilies); err != nil {
		return err
	}
	return nil
}

// PickPhysicalDevice picks a device from devs.
//
// Unsuitable devices are dropped with a warning. A suitable device named
// PreferredName wins. A single suitable device is returned as is. Otherwise
// the discrete device with the most VRAM is picked, or the device with the
// most VRAM when there is no discrete device; ties go to the first device.
func PickPhysicalDevice(devs []PhysicalDeviceInfo, policy SelectionPolicy) (PhysicalDeviceInfo, error) {
	suitable := make([]PhysicalDeviceInfo, 0, len(devs))
	for i := range devs {
		if err := policy.Suitable(&devs[i]); err != nil {
			slogger().Warn("vkasync: found unsuitable device", "name", devs[i].Name, "reason", err)
			continue
		}
		suitable = append(suitable, devs[i])
	}
	if len(suitable) == 0 {
		return PhysicalDeviceInfo{}, fmt.Errorf("%w: %d devices enumerated", ErrNoSuitableDevice, len(devs))
	}

	if policy.PreferredName != "" {
		for _, d := range suitable {
			if d.Name == policy.PreferredName {
				return d, nil
			}
		}
		slogger().Warn("vkasync: preferred device not found", "name", policy.PreferredName)
	}
	if len(suitable) == 1 {
		return suitable[0], nil
	}

	candidates := suitable
	if !policy.IgnoreDiscrete {
		var discrete []PhysicalDeviceInfo
		for _, d := range suitable {
			if d.IsDiscrete() {
				discrete = append(discrete, d)
			}
		}
		if len(discrete) > 0 {
			candidates = discrete
		}
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].VRAM() > candidates[best].VRAM() {
			best = i
		}
	}
	return candidates[best], nil
}
