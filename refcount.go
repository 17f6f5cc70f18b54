package vkasync

import "sync/atomic"

// refCount is a reference count that starts at one for the owner. Once it
// drops to zero it cannot be revived.
type refCount struct {
	n atomic.Int64
}

func (r *refCount) init() {
	r.n.Store(1)
}

// retain adds a reference unless the count already reached zero.
func (r *refCount) retain() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and reports whether it was the last one.
func (r *refCount) release() bool {
	n := r.n.Add(-1)
	if n < 0 {
		panic("vkasync: reference released more often than retained")
	}
	return n == 0
}

func (r *refCount) load() int64 {
	return r.n.Load()
}
