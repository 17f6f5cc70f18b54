package vkasync

import (
	"time"

	"github.com/andewx/vkasync/internal/metrics"
)

// DefaultWaitSlice is the longest Future.Wait blocks on the fence before it
// checks its context again.
const DefaultWaitSlice = time.Millisecond

// Option configures a Context, Executor or Stager during creation.
//
// Example:
//
//	c, err := vkasync.NewContext(dev, alloc, indices,
//		vkasync.WithWaitSlice(5*time.Millisecond),
//		vkasync.WithMaxInflightStaging(64<<20))
type Option func(*options)

type options struct {
	waitSlice          time.Duration
	maxInflightStaging int64
	persistentMapping  bool
	metrics            *metrics.Metrics
}

func defaultOptions() options {
	return options{
		waitSlice: DefaultWaitSlice,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithWaitSlice sets how long a blocking Future.Wait waits on the fence
// between context checks. Non-positive values keep the default.
func WithWaitSlice(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitSlice = d
		}
	}
}

// WithMaxInflightStaging bounds the bytes of staging memory allocated at
// once by staged transfers. Zero or less means unbounded.
func WithMaxInflightStaging(bytes int64) Option {
	return func(o *options) {
		o.maxInflightStaging = bytes
	}
}

// WithPersistentMapping asks the allocator to keep host-visible buffers,
// staging buffers included, mapped for their whole lifetime instead of
// mapping them per access.
func WithPersistentMapping(persistent bool) Option {
	return func(o *options) {
		o.persistentMapping = persistent
	}
}

// WithMetrics records submissions, fence polls and staging traffic into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
