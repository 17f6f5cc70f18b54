package commands

import (
	"fmt"

	"github.com/andewx/vkasync"
	"github.com/andewx/vkasync/internal/config"
	"github.com/andewx/vkasync/vulkan"
)

// backend enumerates physical devices and opens one of them.
type backend interface {
	Devices() ([]vkasync.PhysicalDeviceInfo, error)
	Opener() vkasync.Opener
	Close()
}

// openBackend is replaced in tests.
var openBackend = openVulkan

type vulkanBackend struct {
	release    func()
	instance   *vulkan.Instance
	extensions []string
}

func openVulkan(cfg *config.Config) (backend, error) {
	apiVersion, err := cfg.APIVersion()
	if err != nil {
		return nil, err
	}
	release, err := vulkan.Load(vulkan.Loader(cfg.Vulkan.Loader))
	if err != nil {
		return nil, err
	}
	inst, err := vulkan.NewInstance(vulkan.InstanceConfig{
		AppName:     cfg.App.Name,
		APIVersion:  apiVersion,
		Layers:      cfg.Vulkan.ValidationLayers,
		DebugReport: cfg.Vulkan.DebugReport,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return &vulkanBackend{
		release:    release,
		instance:   inst,
		extensions: cfg.Vulkan.DeviceExtensions,
	}, nil
}

func (b *vulkanBackend) Devices() ([]vkasync.PhysicalDeviceInfo, error) {
	return b.instance.PhysicalDevices()
}

func (b *vulkanBackend) Opener() vkasync.Opener {
	return &vulkan.Opener{Instance: b.instance, Extensions: b.extensions}
}

func (b *vulkanBackend) Close() {
	b.instance.Destroy()
	b.release()
}
