package vulkan

import vk "github.com/vulkan-go/vulkan"

// enumerate runs the two-call Vulkan enumeration pattern: fill is called
// once with a nil list for the count and again with a list of that size,
// repeating while the driver reports vk.Incomplete.
func enumerate[T any](fill func(count *uint32, list []T) vk.Result, name func(*T) string) (names []string, err error) {
	defer checkErr(&err)

	var list []T
	for {
		var count uint32
		orPanic(newError(fill(&count, nil)))
		list = make([]T, count)
		ret := fill(&count, list)
		if ret == vk.Incomplete {
			continue
		}
		orPanic(newError(ret))
		list = list[:count]
		break
	}
	names = make([]string, 0, len(list))
	for i := range list {
		names = append(names, name(&list[i]))
	}
	return names, nil
}

func extensionName(ext *vk.ExtensionProperties) string {
	ext.Deref()
	return vk.ToString(ext.ExtensionName[:])
}

// InstanceExtensions lists the instance extensions available on the platform.
func InstanceExtensions() ([]string, error) {
	return enumerate(func(count *uint32, list []vk.ExtensionProperties) vk.Result {
		return vk.EnumerateInstanceExtensionProperties("", count, list)
	}, extensionName)
}

// DeviceExtensions lists the extensions gpu supports.
func DeviceExtensions(gpu vk.PhysicalDevice) ([]string, error) {
	return enumerate(func(count *uint32, list []vk.ExtensionProperties) vk.Result {
		return vk.EnumerateDeviceExtensionProperties(gpu, "", count, list)
	}, extensionName)
}

// ValidationLayers lists the instance layers installed on the platform.
func ValidationLayers() ([]string, error) {
	return enumerate(vk.EnumerateInstanceLayerProperties, func(layer *vk.LayerProperties) string {
		layer.Deref()
		return vk.ToString(layer.LayerName[:])
	})
}

// checkExisting returns the required names present in actual, in required
// order, and the names that are missing.
func checkExisting(actual, required []string) (existing, missing []string) {
	have := make(map[string]struct{}, len(actual))
	for _, name := range actual {
		have[name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := have[name]; ok {
			existing = append(existing, name)
		} else {
			missing = append(missing, name)
		}
	}
	return existing, missing
}

// safeString returns s terminated with a NUL byte, as the loader expects.
func safeString(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s
	}
	return s + "\x00"
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = safeString(s)
	}
	return out
}
