package vkasync

// Opener creates the logical device and its allocator for a picked
// physical device, enabling one queue per entry of indices.CreateInfos.
type Opener interface {
	Open(pd PhysicalDeviceInfo, indices QueueRoleIndices) (Device, Allocator, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(pd PhysicalDeviceInfo, indices QueueRoleIndices) (Device, Allocator, error)

func (f OpenerFunc) Open(pd PhysicalDeviceInfo, indices QueueRoleIndices) (Device, Allocator, error) {
	return f(pd, indices)
}

// Builder assembles a Context for one physical device.
type Builder struct {
	physical *PhysicalDeviceInfo
	indices  QueueRoleIndices
	err      error
	opts     []Option
}

// NewBuilder returns a builder whose Context is created with opts.
func NewBuilder(opts ...Option) *Builder {
	return &Builder{opts: opts}
}

// WithPhysicalDevice picks pd and selects its queue families. A queue
// selection failure is reported by Build.
func (b *Builder) WithPhysicalDevice(pd PhysicalDeviceInfo) *Builder {
	b.physical = &pd
	b.indices, b.err = SelectQueues(pd.QueueFamilies)
	return b
}

// Indices returns the queue families selected for the picked device.
func (b *Builder) Indices() QueueRoleIndices {
	return b.indices
}

// Build opens the device through opener and creates the Context. It fails
// with ErrNoPhysicalDevicePicked when no device was picked. opener is not
// called when queue selection failed.
func (b *Builder) Build(opener Opener) (*Context, error) {
	if b.physical == nil {
		return nil, ErrNoPhysicalDevicePicked
	}
	if b.err != nil {
		return nil, b.err
	}

	dev, alloc, err := opener.Open(*b.physical, b.indices)
	if err != nil {
		return nil, nativeOp("create device", err)
	}
	slogger().Info("vkasync: device opened",
		"name", b.physical.Name,
		"type", b.physical.Type.String(),
		"api", VersionString(b.physical.APIVersion))
	return NewContext(dev, alloc, b.indices, b.opts...)
}
