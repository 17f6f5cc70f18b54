package vulkan

import "sync"

// registry maps the opaque handles handed to vkasync back to Vulkan
// objects. Handle 0 is never issued.
type registry[T any] struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{m: make(map[uint64]T)}
}

func (r *registry[T]) add(v T) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.m[r.next] = v
	return r.next
}

func (r *registry[T]) get(h uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[h]
	return v, ok
}

func (r *registry[T]) remove(h uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[h]
	delete(r.m, h)
	return v, ok
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
