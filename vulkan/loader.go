package vulkan

import (
	"errors"
	"fmt"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"
)

// Loader selects how vkGetInstanceProcAddr is resolved.
type Loader string

const (
	// LoaderDefault opens the system Vulkan library directly.
	LoaderDefault Loader = "default"
	// LoaderGLFW asks GLFW for the entry point. No window is created.
	LoaderGLFW Loader = "glfw"
)

// Load resolves the Vulkan entry points and initializes the bindings. The
// returned function releases what the loader acquired; call it after every
// instance has been destroyed.
//
// LoaderGLFW must be called from the main thread.
func Load(l Loader) (release func(), err error) {
	release = func() {}
	switch l {
	case LoaderDefault, "":
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			return nil, fmt.Errorf("vulkan: resolve default loader: %w", err)
		}
	case LoaderGLFW:
		if err := glfw.Init(); err != nil {
			return nil, fmt.Errorf("vulkan: glfw init: %w", err)
		}
		if !glfw.VulkanSupported() {
			glfw.Terminate()
			return nil, errors.New("vulkan: glfw reports no Vulkan loader")
		}
		vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
		release = glfw.Terminate
	default:
		return nil, fmt.Errorf("vulkan: unknown loader %q", l)
	}

	if err := vk.Init(); err != nil {
		release()
		return nil, fmt.Errorf("vulkan: init: %w", err)
	}
	return release, nil
}
