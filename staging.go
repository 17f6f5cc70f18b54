package vkasync

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/semaphore"
)

const (
	directionUpload   = "upload"
	directionDownload = "download"
)

// Stager moves data between host memory and device-local buffers through
// temporary host-visible staging buffers.
//
// Each transfer allocates its own staging buffer, records a copy on the
// transfer queue, and destroys the staging buffer once the copy has
// resolved, whether it succeeded or not. A staging buffer is never freed
// while the GPU may still access it.
type Stager struct {
	executor  *Executor
	allocator *SharedAllocator
	sem       *semaphore.Weighted
	limit     int64
	opts      options
}

// NewStager returns a stager submitting copies through exec and allocating
// staging memory from a.
func NewStager(exec *Executor, a *SharedAllocator, opts ...Option) *Stager {
	o := buildOptions(opts)
	s := &Stager{
		executor:  exec,
		allocator: a,
		limit:     o.maxInflightStaging,
		opts:      o,
	}
	if s.limit > 0 {
		s.sem = semaphore.NewWeighted(s.limit)
	}
	return s
}

// Write uploads data to the start of dst and waits for the copy.
//
// The staging buffer is sized to dst and the whole allocation is copied.
// If ctx ends after submission, Write returns ctx.Err() and the cleanup
// finishes in the background once the copy has completed.
func (s *Stager) Write(ctx context.Context, dst *BufferAllocation, data []byte) error {
	t, err := s.WriteAsync(ctx, dst, data)
	if err != nil {
		return err
	}
	return t.await(ctx)
}

// Read downloads len(out) bytes starting at offset of src into out and
// waits for the copy.
//
// The staging buffer is sized to src and the whole allocation is copied.
// If ctx ends after submission, Read returns ctx.Err(), out is left
// untouched and the cleanup finishes in the background.
func (s *Stager) Read(ctx context.Context, src *BufferAllocation, out []byte, offset uint64) error {
	t, err := s.ReadAsync(ctx, src, out, offset)
	if err != nil {
		return err
	}
	return t.await(ctx)
}

// WriteRange uploads data to dst at offset, staging only len(data) bytes.
func (s *Stager) WriteRange(ctx context.Context, dst *BufferAllocation, offset uint64, data []byte) error {
	n := uint64(len(data))
	if err := dst.checkRange(offset, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	t, err := s.start(ctx, stageRequest{
		direction: directionUpload,
		target:    dst,
		size:      n,
		region:    BufferCopy{DstOffset: offset, Size: n},
		fill:      data,
	})
	if err != nil {
		return err
	}
	return t.await(ctx)
}

// ReadRange downloads len(out) bytes of src starting at offset, staging
// only that range.
func (s *Stager) ReadRange(ctx context.Context, src *BufferAllocation, offset uint64, out []byte) error {
	n := uint64(len(out))
	if err := src.checkRange(offset, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	t, err := s.start(ctx, stageRequest{
		direction: directionDownload,
		target:    src,
		size:      n,
		region:    BufferCopy{SrcOffset: offset, Size: n},
		out:       out,
	})
	if err != nil {
		return err
	}
	return t.await(ctx)
}

// WriteAsync submits an upload of data to the start of dst and returns the
// transfer without waiting. data is copied into the staging buffer before
// WriteAsync returns. ctx bounds only the wait for staging capacity.
func (s *Stager) WriteAsync(ctx context.Context, dst *BufferAllocation, data []byte) (*Transfer, error) {
	if err := dst.checkRange(0, uint64(len(data))); err != nil {
		return nil, err
	}
	return s.start(ctx, stageRequest{
		direction: directionUpload,
		target:    dst,
		size:      dst.Size(),
		region:    BufferCopy{Size: dst.Size()},
		fill:      data,
	})
}

// ReadAsync submits a download of src and returns the transfer without
// waiting. When the transfer resolves successfully, len(out) bytes starting
// at offset have been copied into out; out must not be used before then.
func (s *Stager) ReadAsync(ctx context.Context, src *BufferAllocation, out []byte, offset uint64) (*Transfer, error) {
	if err := src.checkRange(offset, uint64(len(out))); err != nil {
		return nil, err
	}
	return s.start(ctx, stageRequest{
		direction: directionDownload,
		target:    src,
		size:      src.Size(),
		region:    BufferCopy{Size: src.Size()},
		out:       out,
		outOffset: offset,
	})
}

type stageRequest struct {
	direction string
	target    *BufferAllocation
	size      uint64
	region    BufferCopy
	fill      []byte
	out       []byte
	outOffset uint64
}

// weight is the semaphore weight of a staging buffer of size bytes. A
// buffer larger than the limit takes the whole limit.
func (s *Stager) weight(size uint64) int64 {
	if s.limit <= 0 {
		return 0
	}
	if size > uint64(s.limit) {
		return s.limit
	}
	return int64(size)
}

func (s *Stager) start(ctx context.Context, r stageRequest) (*Transfer, error) {
	if err := r.target.retain(); err != nil {
		return nil, err
	}
	t := &Transfer{
		stager:    s,
		target:    r.target,
		direction: r.direction,
		bytes:     r.size,
		weight:    s.weight(r.size),
		out:       r.out,
		outOffset: r.outOffset,
	}
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, t.weight); err != nil {
			r.target.release()
			return nil, err
		}
	}

	usage := gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite
	if r.direction == directionDownload {
		usage = gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead
	}
	staging, err := newBufferAllocation(s.allocator, BufferRequest{
		Size:       r.size,
		Usage:      usage,
		Placement:  PlacementHostVisible,
		Persistent: s.opts.persistentMapping,
		Label:      "staging " + r.direction,
	}, &s.opts)
	if err != nil {
		t.release()
		return nil, err
	}
	t.staging = staging
	s.opts.metrics.RecordStagingStarted(r.direction, r.size)

	if len(r.fill) > 0 {
		if err := staging.writeBytes(0, r.fill); err != nil {
			t.release()
			return nil, err
		}
	}

	if r.direction == directionUpload {
		t.future, err = s.executor.CopyBufferRegion(staging, r.target, r.region)
	} else {
		t.future, err = s.executor.CopyBufferRegion(r.target, staging, r.region)
	}
	if err != nil {
		t.release()
		return nil, err
	}
	return t, nil
}

// Transfer is one in-flight staged copy. It resolves when its copy does,
// and then reads back the downloaded data and destroys its staging buffer.
//
// Transfer is a Task: spawn it on a Scheduler, or block on Wait.
type Transfer struct {
	stager    *Stager
	future    *Future
	staging   *BufferAllocation
	target    *BufferAllocation
	direction string
	bytes     uint64
	weight    int64
	out       []byte
	outOffset uint64

	mu   sync.Mutex
	done bool
	err  error
}

// Future returns the future of the copy command.
func (t *Transfer) Future() *Future { return t.future }

// Done reports whether the transfer has resolved.
func (t *Transfer) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Err returns the outcome of a resolved transfer.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Poll polls the copy and finishes the transfer once it has resolved.
func (t *Transfer) Poll(w Waker) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return true, t.err
	}
	ready, err := t.future.Poll(w)
	if !ready {
		return false, nil
	}
	t.finish(err)
	return true, t.err
}

// Wait blocks until the transfer resolves or ctx ends. When ctx ends
// first the transfer stays pending and still owns its staging buffer.
func (t *Transfer) Wait(ctx context.Context) error {
	err := t.future.Wait(ctx)
	if t.future.State() == FuturePending {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.finish(t.future.Err())
	}
	return t.err
}

// await waits like Wait, and hands a transfer abandoned by ctx to a
// background goroutine that waits for the copy before cleaning up.
func (t *Transfer) await(ctx context.Context) error {
	err := t.Wait(ctx)
	if !t.Done() {
		t.drain()
	}
	return err
}

func (t *Transfer) drain() {
	slogger().Debug("vkasync: staged transfer abandoned, draining",
		"id", t.future.ID(), "direction", t.direction, "bytes", t.bytes)
	go func() {
		if err := t.Wait(context.Background()); err != nil {
			slogger().Warn("vkasync: abandoned staged transfer failed",
				"id", t.future.ID(), "direction", t.direction, "err", err)
		}
	}()
}

// finish must be called with t.mu held, once.
func (t *Transfer) finish(err error) {
	if err == nil && t.out != nil {
		err = t.staging.readBytes(t.outOffset, t.out)
	}
	t.release()
	if err != nil {
		err = fmt.Errorf("vkasync: staged %s of %d bytes: %w", t.direction, t.bytes, err)
	}
	t.done, t.err = true, err
}

// release frees everything the transfer holds.
func (t *Transfer) release() {
	if t.staging != nil {
		t.staging.Destroy()
		t.stager.opts.metrics.RecordStagingFinished(t.bytes)
		t.staging = nil
	}
	t.target.release()
	if t.stager.sem != nil {
		t.stager.sem.Release(t.weight)
	}
}
