// Package vulkan implements the vkasync device and allocator interfaces on
// top of the Vulkan API.
package vulkan

import (
	"context"
	"errors"
	"log/slog"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkasync"
)

const debugReportExtension = "VK_EXT_debug_report"

// InstanceConfig describes the instance to create.
type InstanceConfig struct {
	AppName    string
	APIVersion uint32
	// Layers are enabled when available; missing ones are logged.
	Layers []string
	// Extensions are instance extensions to enable when available.
	Extensions []string
	// DebugReport routes validation messages to vkasync.Logger().
	DebugReport bool
}

// Instance owns a VkInstance and the debug callback registered on it.
type Instance struct {
	instance      vk.Instance
	debugCallback vk.DebugReportCallback
	layers        []string
}

// NewInstance creates a Vulkan instance. Load must have been called.
func NewInstance(cfg InstanceConfig) (inst *Instance, err error) {
	defer checkErr(&err)
	log := vkasync.Logger()

	required := safeStrings(cfg.Extensions)
	if cfg.DebugReport {
		required = append(required, safeString(debugReportExtension))
	}
	actual, err := InstanceExtensions()
	orPanic(err)
	extensions, missing := checkExisting(safeStrings(actual), required)
	if len(missing) > 0 {
		log.Warn("vulkan: missing instance extensions", "missing", missing)
	}
	log.Debug("vulkan: enabling instance extensions", "count", len(extensions))

	var layers []string
	if len(cfg.Layers) > 0 {
		actualLayers, err := ValidationLayers()
		orPanic(err)
		layers, missing = checkExisting(safeStrings(actualLayers), safeStrings(cfg.Layers))
		if len(missing) > 0 {
			log.Warn("vulkan: missing validation layers", "missing", missing)
		}
	}

	apiVersion := cfg.APIVersion
	if apiVersion == 0 {
		apiVersion = vkasync.MinAPIVersion
	}

	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:            vk.StructureTypeApplicationInfo,
			ApiVersion:       apiVersion,
			PApplicationName: safeString(cfg.AppName),
			PEngineName:      safeString("vkasync"),
		},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
	}, nil, &instance)
	orPanic(newError(ret))
	orPanic(vk.InitInstance(instance), func() { vk.DestroyInstance(instance, nil) })

	inst = &Instance{instance: instance, layers: layers}
	if cfg.DebugReport && contains(extensions, safeString(debugReportExtension)) {
		ret := vk.CreateDebugReportCallback(instance, &vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}, nil, &inst.debugCallback)
		orPanic(newError(ret), func() { vk.DestroyInstance(instance, nil) })
		log.Debug("vulkan: debug report callback enabled")
	}
	log.Info("vulkan: instance created",
		"app", cfg.AppName,
		"api", vkasync.VersionString(apiVersion),
		"layers", len(layers))
	return inst, nil
}

// Handle returns the underlying VkInstance.
func (i *Instance) Handle() vk.Instance {
	return i.instance
}

// PhysicalDevices enumerates the physical devices with their queue
// families, memory heaps and device extensions.
func (i *Instance) PhysicalDevices() (devs []vkasync.PhysicalDeviceInfo, err error) {
	defer checkErr(&err)

	var count uint32
	ret := vk.EnumeratePhysicalDevices(i.instance, &count, nil)
	orPanic(newError(ret))
	if count == 0 {
		return nil, errors.New("vulkan error: no GPU devices found")
	}
	gpus := make([]vk.PhysicalDevice, count)
	ret = vk.EnumeratePhysicalDevices(i.instance, &count, gpus)
	orPanic(newError(ret))

	for _, gpu := range gpus[:count] {
		devs = append(devs, describe(gpu))
	}
	return devs, nil
}

func describe(gpu vk.PhysicalDevice) vkasync.PhysicalDeviceInfo {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(gpu, &props)
	props.Deref()

	info := vkasync.PhysicalDeviceInfo{
		Name:          vk.ToString(props.DeviceName[:]),
		Type:          deviceType(props.DeviceType),
		APIVersion:    props.ApiVersion,
		DriverVersion: props.DriverVersion,
		VendorID:      props.VendorID,
		DeviceID:      props.DeviceID,
		Handle:        gpu,
	}

	var queueCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &queueCount, nil)
	families := make([]vk.QueueFamilyProperties, queueCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &queueCount, families)
	for idx := range families {
		families[idx].Deref()
		info.QueueFamilies = append(info.QueueFamilies, vkasync.QueueFamilyInfo{
			Index: uint32(idx),
			Flags: queueCapability(families[idx].QueueFlags),
			Count: families[idx].QueueCount,
		})
	}

	var mem vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(gpu, &mem)
	mem.Deref()
	for h := uint32(0); h < mem.MemoryHeapCount; h++ {
		mem.MemoryHeaps[h].Deref()
		heap := mem.MemoryHeaps[h]
		info.MemoryHeaps = append(info.MemoryHeaps, vkasync.MemoryHeap{
			Size:        uint64(heap.Size),
			DeviceLocal: heap.Flags&vk.MemoryHeapFlags(vk.MemoryHeapDeviceLocalBit) != 0,
		})
	}

	if exts, err := DeviceExtensions(gpu); err == nil {
		info.Extensions = exts
	} else {
		vkasync.Logger().Warn("vulkan: listing device extensions failed", "device", info.Name, "err", err)
	}
	return info
}

func deviceType(t vk.PhysicalDeviceType) vkasync.DeviceType {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return vkasync.DeviceTypeIntegratedGPU
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return vkasync.DeviceTypeDiscreteGPU
	case vk.PhysicalDeviceTypeVirtualGpu:
		return vkasync.DeviceTypeVirtualGPU
	case vk.PhysicalDeviceTypeCpu:
		return vkasync.DeviceTypeCPU
	default:
		return vkasync.DeviceTypeOther
	}
}

// queueCapability keeps the graphics, compute and transfer bits. Graphics
// and compute families support transfer even when they do not report it.
func queueCapability(flags vk.QueueFlags) vkasync.QueueCapability {
	c := vkasync.QueueCapability(flags) & (vkasync.QueueGraphics | vkasync.QueueCompute | vkasync.QueueTransfer)
	if c&(vkasync.QueueGraphics|vkasync.QueueCompute) != 0 {
		c |= vkasync.QueueTransfer
	}
	return c
}

// Destroy releases the debug callback and the instance. Devices opened
// from it must be closed first.
func (i *Instance) Destroy() {
	if i.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(i.instance, i.debugCallback, nil)
		i.debugCallback = vk.NullDebugReportCallback
	}
	if i.instance != nil {
		vk.DestroyInstance(i.instance, nil)
		i.instance = nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
	object uint64, location uint, messageCode int32, pLayerPrefix string,
	pMessage string, pUserData unsafe.Pointer) vk.Bool32 {

	level := slog.LevelInfo
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		level = slog.LevelError
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		level = slog.LevelWarn
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		level = slog.LevelDebug
	}
	vkasync.Logger().Log(context.Background(), level, pMessage,
		"layer", pLayerPrefix,
		"code", messageCode,
		"object_type", int(objectType),
		"object", object)
	return vk.Bool32(vk.False)
}
