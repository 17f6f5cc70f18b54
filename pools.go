package vkasync

import (
	"context"
	"fmt"
	"sync"
)

// QueueRecord owns the queue and the command pool of one queue family.
//
// The queue and the pool each have their own lock. Recording uses the pool
// and submitting uses the queue; Executor takes both for the length of one
// record-and-submit sequence and never across a suspension point.
type QueueRecord struct {
	family uint32

	queueMu sync.Mutex
	queue   Queue

	poolMu sync.Mutex
	pool   CommandPool

	// pending counts command buffers from pool still referenced by an
	// unresolved Future.
	pending inflight
}

// Family returns the queue family index the record was created for.
func (r *QueueRecord) Family() uint32 {
	return r.family
}

// Pending returns the number of submissions from this record whose
// futures have not resolved yet.
func (r *QueueRecord) Pending() int {
	return r.pending.count()
}

// freeCommandBuffer returns cmd to the pool under the pool lock.
func (r *QueueRecord) freeCommandBuffer(dev Device, cmd CommandBuffer) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	dev.FreeCommandBuffer(r.pool, cmd)
}

// QueueSet maps the graphics, compute and transfer roles to queue records.
// Roles that resolve to the same family share one record.
type QueueSet struct {
	device  Device
	indices QueueRoleIndices
	records []*QueueRecord
	roles   [roleCount]*QueueRecord

	mu     sync.RWMutex
	closed bool
}

// NewQueueSet retrieves queue 0 of every distinct family in indices and
// creates one transient command pool per family.
//
// If creating a pool fails, the pools created so far are destroyed.
func NewQueueSet(dev Device, indices QueueRoleIndices) (*QueueSet, error) {
	s := &QueueSet{
		device:  dev,
		indices: indices,
	}

	byFamily := make(map[uint32]*QueueRecord, roleCount)
	for _, family := range indices.Distinct() {
		queue, err := dev.Queue(family, 0)
		if err != nil {
			s.destroyPools()
			return nil, nativeOp(fmt.Sprintf("get queue of family %d", family), err)
		}
		pool, err := dev.CreateCommandPool(family, true)
		if err != nil {
			s.destroyPools()
			return nil, nativeOp(fmt.Sprintf("create command pool for family %d", family), err)
		}
		rec := &QueueRecord{family: family, queue: queue, pool: pool}
		s.records = append(s.records, rec)
		byFamily[family] = rec
	}
	for r := Role(0); r < roleCount; r++ {
		s.roles[r] = byFamily[indices.Index(r)]
	}

	slogger().Info("vkasync: queue set created",
		"graphics", indices.Graphics,
		"compute", indices.Compute,
		"transfer", indices.Transfer,
		"records", len(s.records))
	return s, nil
}

// Role returns the record serving r, or nil if r is not a valid role.
func (s *QueueSet) Role(r Role) *QueueRecord {
	if !r.valid() {
		return nil
	}
	return s.roles[r]
}

// Indices returns the family indices the set was created from.
func (s *QueueSet) Indices() QueueRoleIndices {
	return s.indices
}

// Len returns the number of distinct records (one per distinct family).
func (s *QueueSet) Len() int {
	return len(s.records)
}

// Device returns the device the set was created on.
func (s *QueueSet) Device() Device {
	return s.device
}

// Pending returns the number of unresolved submissions across all records.
func (s *QueueSet) Pending() int {
	n := 0
	for _, rec := range s.records {
		n += rec.Pending()
	}
	return n
}

// Close destroys the command pools once every future that references a
// command buffer from them has resolved.
//
// New submissions are rejected while Close waits. If ctx ends first, the
// set is reopened unchanged and an error wrapping ErrQueueSetBusy is
// returned. Close on a closed set is a no-op.
func (s *QueueSet) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, rec := range s.records {
		if err := rec.pending.wait(ctx); err != nil {
			s.mu.Lock()
			s.closed = false
			s.mu.Unlock()
			return fmt.Errorf("%w: %d pending: %w", ErrQueueSetBusy, s.Pending(), err)
		}
	}

	s.destroyPools()
	slogger().Info("vkasync: queue set closed")
	return nil
}

func (s *QueueSet) destroyPools() {
	for _, rec := range s.records {
		rec.poolMu.Lock()
		if rec.pool != 0 {
			s.device.DestroyCommandPool(rec.pool)
			rec.pool = 0
		}
		rec.poolMu.Unlock()
	}
}

// acquire marks the start of a submission on rec and fails once the set is
// closed. Every successful acquire is paired with one rec.pending.done().
func (s *QueueSet) acquire(rec *QueueRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrQueueSetClosed
	}
	rec.pending.add()
	return nil
}
