package pool

import (
	"io"
	"strings"

	"github.com/bytepool/bytepool"
	"github.com/bytepool/bytepool/metadata"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// Algorithm selects the occupancy bookkeeping implementation backing a pool. Both
// algorithms implement identical placement and coalescing behavior; they differ only in
// cost.
type Algorithm uint32

const (
	// AlgorithmRunList tracks occupancy as a chain of runs with a hash index. This is
	// the default.
	AlgorithmRunList Algorithm = iota
	// AlgorithmBitmap tracks occupancy with byte-granularity occupancy and size maps.
	// It costs two table entries per pool byte and is mostly useful as a reference to
	// check the run list against.
	AlgorithmBitmap
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmRunList: "AlgorithmRunList",
	AlgorithmBitmap:  "AlgorithmBitmap",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

// CreateOptions contains optional settings when creating a pool
type CreateOptions struct {
	// Strategy selects how the pool places new allocations among its free ranges.
	// The zero value is metadata.StrategyFirstFit.
	Strategy metadata.Strategy
	// Algorithm selects the occupancy bookkeeping implementation. The zero value is
	// AlgorithmRunList.
	Algorithm Algorithm
	// Logger receives debug-level logs for every successful operation and warnings for
	// rejected ones. When nil, logs are discarded.
	Logger *slog.Logger
	// PageAligned rounds the capacity up to the platform page size and, on unix, backs
	// the pool with an anonymous page-aligned mapping instead of the Go heap.
	PageAligned bool
}

// Allocation is an opaque handle to a live allocation within a Pool. Internally it is
// the allocation's starting offset; every operation bounds-checks it against the pool
// before use. An Allocation is only meaningful to the pool that returned it, and only
// until that pool is destroyed.
type Allocation int

// NoAllocation is the null handle. It is returned alongside errors and accepted by
// Resize, which treats it as a plain allocation request.
const NoAllocation Allocation = -1

// Pool is a fixed-capacity byte allocator. It reserves one contiguous backing region at
// creation and serves variable-sized allocations out of it, tracking per-allocation
// sizes, merging adjacent free ranges on release, and supporting in-place or relocating
// resizes. The capacity is fixed for the pool's lifetime.
//
// A Pool is not safe for concurrent use. Its occupancy bookkeeping is updated in
// multiple steps per operation, so concurrent callers must serialize access with a
// single lock around the whole pool rather than anything finer-grained.
type Pool struct {
	logger *slog.Logger

	memory []byte
	unmap  func() error

	meta     metadata.OccupancyMetadata
	strategy metadata.Strategy
}

// New creates a Pool with the requested capacity in bytes. A zero or negative capacity
// or a failed backing reservation returns an error and no pool; a returned pool is
// always fully initialized.
func New(capacity int, o CreateOptions) (*Pool, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("pool capacity must be greater than zero, got %d", capacity)
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	size := capacity
	if o.PageAligned {
		bytepool.DebugCheckPow2(uint(pageSize()), "page size")
		size = bytepool.AlignUp(capacity, uint(pageSize()))
	}

	var meta metadata.OccupancyMetadata
	switch o.Algorithm {
	case AlgorithmRunList:
		meta = metadata.NewRunListMetadata()
	case AlgorithmBitmap:
		meta = metadata.NewBitmapMetadata()
	default:
		return nil, errors.Errorf("unknown occupancy algorithm: %d", o.Algorithm)
	}

	memory, unmap, err := reserve(size, o.PageAligned)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving a backing region of %d bytes", size)
	}

	meta.Init(size)

	logger.Debug("Pool::New",
		slog.Int("Capacity", size),
		slog.String("Strategy", o.Strategy.String()),
		slog.String("Algorithm", o.Algorithm.String()),
		slog.Bool("PageAligned", o.PageAligned),
	)

	return &Pool{
		logger:   logger,
		memory:   memory,
		unmap:    unmap,
		meta:     meta,
		strategy: o.Strategy,
	}, nil
}

// Capacity returns the pool's usable size in bytes. With CreateOptions.PageAligned this
// may be larger than the capacity requested from New.
func (p *Pool) Capacity() int {
	if p.memory == nil {
		return 0
	}
	return p.meta.Size()
}

func (p *Pool) checkAlive() error {
	if p.memory == nil {
		return errors.New("pool has been destroyed")
	}
	return nil
}

// Alloc reserves size bytes and returns a handle to them. Zero-size requests are always
// rejected with bytepool.ErrZeroSize; requests that cannot be satisfied return
// bytepool.ErrOutOfMemory, which is an ordinary outcome rather than a fault. The
// returned range is disjoint from every other live allocation.
func (p *Pool) Alloc(size int) (Allocation, error) {
	if err := p.checkAlive(); err != nil {
		return NoAllocation, err
	}
	if size == 0 {
		return NoAllocation, errors.Wrap(bytepool.ErrZeroSize, "Pool::Alloc")
	}
	if size < 0 {
		return NoAllocation, errors.Errorf("invalid allocation size: %d", size)
	}

	success, request, err := p.meta.CreateAllocationRequest(size, p.strategy)
	if err != nil {
		return NoAllocation, err
	}
	if !success {
		p.logger.Warn("Pool::Alloc failed", slog.Int("Size", size), slog.Int("FreeBytes", p.meta.SumFreeSize()))
		return NoAllocation, errors.Wrapf(bytepool.ErrOutOfMemory, "allocating %d bytes", size)
	}

	err = p.meta.Alloc(request)
	if err != nil {
		return NoAllocation, err
	}

	bytepool.DebugValidate(p.meta)
	p.logger.Debug("Pool::Alloc", slog.Int("Offset", request.Offset), slog.Int("Size", size))

	return Allocation(request.Offset), nil
}

// Free releases the allocation behind a handle and merges the freed range with adjacent
// free space. Null, out-of-range, already-free, and inconsistent handles are rejected
// with a diagnostic error and leave the pool untouched.
func (p *Pool) Free(a Allocation) error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	if a == NoAllocation {
		return errors.Wrap(bytepool.ErrOutOfRange, "null handle")
	}
	if int(a) < 0 || int(a) >= p.meta.Size() {
		return errors.Wrapf(bytepool.ErrOutOfRange, "offset %d with pool capacity %d", int(a), p.meta.Size())
	}

	size, err := p.meta.Free(int(a))
	if err != nil {
		p.logger.Warn("Pool::Free rejected", slog.Int("Offset", int(a)), slog.Any("error", err))
		return err
	}

	bytepool.DebugValidate(p.meta)
	p.logger.Debug("Pool::Free", slog.Int("Offset", int(a)), slog.Int("Size", size))

	return nil
}

// Resize changes an allocation to newSize bytes. A null handle behaves exactly like
// Alloc(newSize). A newSize of zero behaves exactly like Free and returns NoAllocation.
// Shrinks and unobstructed grows happen in place and keep the handle; an obstructed grow
// relocates the allocation, copying its current contents into a fresh range and freeing
// the old one. When relocation is needed and the fresh allocation fails, the original
// allocation and its contents are left fully intact and the error is returned.
func (p *Pool) Resize(a Allocation, newSize int) (Allocation, error) {
	if a == NoAllocation {
		return p.Alloc(newSize)
	}
	if newSize == 0 {
		return NoAllocation, p.Free(a)
	}

	if err := p.checkAlive(); err != nil {
		return NoAllocation, err
	}
	if newSize < 0 {
		return NoAllocation, errors.Errorf("invalid allocation size: %d", newSize)
	}
	if int(a) < 0 || int(a) >= p.meta.Size() {
		return NoAllocation, errors.Wrapf(bytepool.ErrOutOfRange, "offset %d with pool capacity %d", int(a), p.meta.Size())
	}

	currentSize, err := p.meta.AllocationSize(int(a))
	if err != nil {
		p.logger.Warn("Pool::Resize rejected", slog.Int("Offset", int(a)), slog.Any("error", err))
		return NoAllocation, err
	}

	if newSize <= currentSize {
		err = p.meta.ShrinkInPlace(int(a), newSize)
		if err != nil {
			return NoAllocation, err
		}

		bytepool.DebugValidate(p.meta)
		p.logger.Debug("Pool::Resize shrank in place",
			slog.Int("Offset", int(a)), slog.Int("Size", currentSize), slog.Int("NewSize", newSize))
		return a, nil
	}

	grown, err := p.meta.GrowInPlace(int(a), newSize)
	if err != nil {
		return NoAllocation, err
	}
	if grown {
		bytepool.DebugValidate(p.meta)
		p.logger.Debug("Pool::Resize grew in place",
			slog.Int("Offset", int(a)), slog.Int("Size", currentSize), slog.Int("NewSize", newSize))
		return a, nil
	}

	// Growth is obstructed, so relocate. The original allocation must survive a failed
	// relocation untouched.
	relocated, err := p.Alloc(newSize)
	if err != nil {
		return NoAllocation, err
	}

	copy(p.memory[int(relocated):int(relocated)+currentSize], p.memory[int(a):int(a)+currentSize])

	err = p.Free(a)
	if err != nil {
		// Roll the relocation back rather than leak the new range; the original is
		// still live
		_ = p.Free(relocated)
		return NoAllocation, err
	}

	p.logger.Debug("Pool::Resize relocated",
		slog.Int("Offset", int(a)), slog.Int("NewOffset", int(relocated)),
		slog.Int("Size", currentSize), slog.Int("NewSize", newSize))

	return relocated, nil
}

// Bytes returns the backing memory of a live allocation. The slice aliases the pool's
// region and is valid until the allocation is freed, resized, or the pool is destroyed.
func (p *Pool) Bytes(a Allocation) ([]byte, error) {
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	if a == NoAllocation {
		return nil, errors.Wrap(bytepool.ErrOutOfRange, "null handle")
	}
	if int(a) < 0 || int(a) >= p.meta.Size() {
		return nil, errors.Wrapf(bytepool.ErrOutOfRange, "offset %d with pool capacity %d", int(a), p.meta.Size())
	}

	size, err := p.meta.AllocationSize(int(a))
	if err != nil {
		return nil, err
	}

	return p.memory[int(a) : int(a)+size : int(a)+size], nil
}

// AllocationSize returns the live size in bytes of the allocation behind a handle.
func (p *Pool) AllocationSize(a Allocation) (int, error) {
	if err := p.checkAlive(); err != nil {
		return 0, err
	}
	if a == NoAllocation {
		return 0, errors.Wrap(bytepool.ErrOutOfRange, "null handle")
	}

	return p.meta.AllocationSize(int(a))
}

// Destroy releases the backing region and all bookkeeping. Every handle the pool issued
// becomes dangling. Destroy is idempotent; destroying an already-destroyed pool is a
// no-op.
func (p *Pool) Destroy() error {
	if p.memory == nil {
		return nil
	}

	if !p.meta.IsEmpty() {
		p.logger.Warn("Pool::Destroy with live allocations", slog.Int("Count", p.meta.AllocationCount()))
		p.DebugLogAllAllocations(p.logger)
	}

	p.memory = nil
	p.meta.Clear()

	if p.unmap != nil {
		unmap := p.unmap
		p.unmap = nil
		if err := unmap(); err != nil {
			return errors.Wrap(err, "releasing the pool's backing region")
		}
	}

	p.logger.Debug("Pool::Destroy")
	return nil
}

// Validate runs the occupancy bookkeeping's internal consistency checks. It should never
// return an error for a correctly functioning pool.
func (p *Pool) Validate() error {
	if err := p.checkAlive(); err != nil {
		return err
	}
	return p.meta.Validate()
}

// AddStatistics sums this pool's allocation statistics into the provided object.
func (p *Pool) AddStatistics(stats *bytepool.Statistics) {
	if p.memory == nil {
		return
	}
	p.meta.AddStatistics(stats)
}

// AddDetailedStatistics sums this pool's allocation statistics into the provided object,
// including per-range minima and maxima.
func (p *Pool) AddDetailedStatistics(stats *bytepool.DetailedStatistics) {
	if p.memory == nil {
		return
	}
	p.meta.AddDetailedStatistics(stats)
}

// DebugLogAllAllocations writes one debug log line per live allocation.
func (p *Pool) DebugLogAllAllocations(logger *slog.Logger) {
	if p.memory == nil {
		return
	}

	_ = p.meta.VisitAllRegions(func(offset, size int, free bool) error {
		if !free {
			logger.Debug("live allocation", slog.Int("Offset", offset), slog.Int("Size", size))
		}
		return nil
	})
}

// DumpOccupancy renders the pool's occupancy map with one rune per byte: '#' for
// occupied, '.' for free. It is read-only and intended for diagnostics and tests.
func (p *Pool) DumpOccupancy() string {
	if p.memory == nil {
		return ""
	}

	var builder strings.Builder
	builder.Grow(p.meta.Size())

	_ = p.meta.VisitAllRegions(func(offset, size int, free bool) error {
		symbol := byte('#')
		if free {
			symbol = '.'
		}
		for i := 0; i < size; i++ {
			builder.WriteByte(symbol)
		}
		return nil
	})

	return builder.String()
}

// BuildStatsString renders the pool's statistics as JSON. With detailed set, the dump
// also includes one entry per live allocation and free range.
func (p *Pool) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	var stats bytepool.Statistics
	stats.Clear()
	p.AddStatistics(&stats)

	general := obj.Name("General").Object()
	general.Name("Capacity").Int(p.Capacity())
	general.Name("Strategy").String(p.strategy.String())
	general.Name("Allocations").Int(stats.AllocationCount)
	general.Name("AllocatedBytes").Int(stats.AllocationBytes)
	general.End()

	if detailed && p.memory != nil {
		region := obj.Name("Region").Object()
		p.meta.RegionJsonData(region)
		region.End()
	}

	obj.End()
	return string(writer.Bytes())
}
