package metadata

import (
	"sync"

	"github.com/bytepool/bytepool"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

var runAllocator = sync.Pool{
	New: func() any {
		return &run{}
	},
}

// run is one maximal range of the region, either fully occupied by a single live
// allocation or fully free. Runs form a doubly linked chain ordered by ascending offset
// that tiles the region exactly.
type run struct {
	offset int
	size   int
	free   bool

	prev *run
	next *run
}

// RunListMetadata is an OccupancyMetadata implementation that keeps one node per run
// instead of one flag per byte. The chain is walked in offset order for placement
// searches, and a hash index keyed by start offset resolves handles in constant time.
// Coalescing on free is pointer surgery on the chain rather than size-map arithmetic,
// but every externally observable behavior matches BitmapMetadata.
type RunListMetadata struct {
	MetadataBase

	head  *run
	index *swiss.Map[int, *run]

	allocCount     int
	allocatedBytes int
	freeCount      int
}

var _ OccupancyMetadata = &RunListMetadata{}

func NewRunListMetadata() *RunListMetadata {
	return &RunListMetadata{}
}

func (m *RunListMetadata) acquireRun() *run {
	r := runAllocator.Get().(*run)
	r.offset = 0
	r.size = 0
	r.free = false
	r.prev = nil
	r.next = nil
	return r
}

func (m *RunListMetadata) releaseRun(r *run) {
	runAllocator.Put(r)
}

func (m *RunListMetadata) Init(size int) {
	m.MetadataBase.Init(size)
	m.index = swiss.NewMap[int, *run](64)
	m.allocCount = 0
	m.allocatedBytes = 0
	m.freeCount = 0

	m.head = m.acquireRun()
	m.head.size = size
	m.head.free = true
	m.index.Put(0, m.head)
	m.freeCount = 1
}

func (m *RunListMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *RunListMetadata) SumFreeSize() int {
	return m.Size() - m.allocatedBytes
}

func (m *RunListMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *RunListMetadata) FreeRegionsCount() int {
	return m.freeCount
}

func (m *RunListMetadata) Validate() error {
	var allocCount, allocatedBytes, freeCount, runCount int
	nextOffset := 0
	prevFree := false

	for r := m.head; r != nil; r = r.next {
		if r.offset != nextOffset {
			return errors.Errorf("run at offset %d does not begin where the previous run ended (%d)", r.offset, nextOffset)
		}
		if r.size <= 0 {
			return errors.Errorf("run at offset %d has an invalid size of %d", r.offset, r.size)
		}
		if r.free && prevFree {
			return errors.Errorf("free run at offset %d is adjacent to another free run and should have been merged", r.offset)
		}
		if r.next != nil && r.next.prev != r {
			return errors.Errorf("run at offset %d lists the run at offset %d as its next run, but the reverse reference is broken", r.offset, r.next.offset)
		}

		indexed, ok := m.index.Get(r.offset)
		if !ok || indexed != r {
			return errors.Errorf("run at offset %d is not indexed under its own offset", r.offset)
		}

		if r.free {
			freeCount++
		} else {
			allocCount++
			allocatedBytes += r.size
		}

		runCount++
		prevFree = r.free
		nextOffset = r.offset + r.size
	}

	if nextOffset != m.Size() {
		return errors.Errorf("the runs only tile %d of the region's %d bytes", nextOffset, m.Size())
	}
	if m.index.Count() != runCount {
		return errors.Errorf("the index holds %d entries but the chain holds %d runs", m.index.Count(), runCount)
	}
	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the occupied runs only added up to %d", m.allocCount, allocCount)
	}
	if allocatedBytes != m.allocatedBytes {
		return errors.Errorf("the allocated byte total of the metadata is %d, but the occupied runs only added up to %d", m.allocatedBytes, allocatedBytes)
	}
	if freeCount != m.freeCount {
		return errors.Errorf("the free run count of the metadata is %d, but there were %d free runs", m.freeCount, freeCount)
	}

	return nil
}

func (m *RunListMetadata) runContaining(offset int) *run {
	for r := m.head; r != nil; r = r.next {
		if offset >= r.offset && offset < r.offset+r.size {
			return r
		}
	}
	return nil
}

func (m *RunListMetadata) liveRun(offset int) (*run, error) {
	if offset < 0 || offset >= m.Size() {
		return nil, errors.Wrapf(bytepool.ErrOutOfRange, "offset %d with region size %d", offset, m.Size())
	}

	r, ok := m.index.Get(offset)
	if ok {
		if r.free {
			return nil, errors.Wrapf(bytepool.ErrUntrackedAllocation, "offset %d is free", offset)
		}
		return r, nil
	}

	if containing := m.runContaining(offset); containing != nil && !containing.free {
		return nil, errors.Wrapf(bytepool.ErrInconsistentMetadata, "offset %d is occupied but has no recorded size", offset)
	}

	return nil, errors.Wrapf(bytepool.ErrUntrackedAllocation, "offset %d is free", offset)
}

func (m *RunListMetadata) AllocationSize(offset int) (int, error) {
	r, err := m.liveRun(offset)
	if err != nil {
		return 0, err
	}

	return r.size, nil
}

func (m *RunListMetadata) VisitAllRegions(visit func(offset, size int, free bool) error) error {
	for r := m.head; r != nil; r = r.next {
		err := visit(r.offset, r.size, r.free)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *RunListMetadata) CreateAllocationRequest(size int, strategy Strategy) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if size < 1 {
		return false, request, errors.Errorf("invalid allocation size: %d", size)
	}

	// Reject before scanning when the request cannot fit even in the absence of
	// fragmentation
	if m.allocatedBytes+size > m.Size() {
		return false, request, nil
	}

	var best *run
	for r := m.head; r != nil; r = r.next {
		if !r.free || r.size < size {
			continue
		}

		if strategy != StrategyBestFit {
			best = r
			break
		}

		if best == nil || r.size < best.size {
			best = r
		}
	}

	if best == nil {
		return false, request, nil
	}

	request.Offset = best.offset
	request.Size = size
	return true, request, nil
}

func (m *RunListMetadata) Alloc(request AllocationRequest) error {
	if request.Size < 1 || request.Offset < 0 || request.Offset+request.Size > m.Size() {
		return errors.Errorf("allocation request for offset %d size %d does not fit the region", request.Offset, request.Size)
	}

	// Re-verify the candidate run is still free and still large enough
	r, ok := m.index.Get(request.Offset)
	if !ok {
		return errors.Errorf("allocation request offset %d no longer begins a run", request.Offset)
	}
	if !r.free {
		return errors.Errorf("allocation request range is no longer free at offset %d", request.Offset)
	}
	if r.size < request.Size {
		return errors.Errorf("free run at offset %d no longer covers the requested %d bytes", request.Offset, request.Size)
	}

	remainder := r.size - request.Size
	r.size = request.Size
	r.free = false

	if remainder > 0 {
		tail := m.acquireRun()
		tail.offset = r.offset + request.Size
		tail.size = remainder
		tail.free = true

		tail.prev = r
		tail.next = r.next
		if r.next != nil {
			r.next.prev = tail
		}
		r.next = tail
		m.index.Put(tail.offset, tail)
	} else {
		m.freeCount--
	}

	m.allocCount++
	m.allocatedBytes += request.Size

	return nil
}

// mergeIntoPrev folds r into the free run immediately before it and returns the
// surviving run.
func (m *RunListMetadata) mergeIntoPrev(r *run) *run {
	prev := r.prev
	prev.size += r.size
	prev.next = r.next
	if r.next != nil {
		r.next.prev = prev
	}

	m.index.Delete(r.offset)
	m.releaseRun(r)
	m.freeCount--

	return prev
}

func (m *RunListMetadata) Free(offset int) (int, error) {
	if offset < 0 || offset >= m.Size() {
		return 0, errors.Wrapf(bytepool.ErrOutOfRange, "offset %d with region size %d", offset, m.Size())
	}

	r, ok := m.index.Get(offset)
	if !ok {
		if containing := m.runContaining(offset); containing != nil && !containing.free {
			return 0, errors.Wrapf(bytepool.ErrInconsistentMetadata, "offset %d is occupied but has no recorded size", offset)
		}
		return 0, errors.Wrapf(bytepool.ErrDoubleFree, "offset %d", offset)
	}
	if r.free {
		return 0, errors.Wrapf(bytepool.ErrDoubleFree, "offset %d", offset)
	}

	size := r.size
	r.free = true
	m.allocCount--
	m.allocatedBytes -= size
	m.freeCount++

	if r.prev != nil && r.prev.free {
		r = m.mergeIntoPrev(r)
	}
	if r.next != nil && r.next.free {
		m.mergeIntoPrev(r.next)
	}

	return size, nil
}

func (m *RunListMetadata) ShrinkInPlace(offset, newSize int) error {
	r, err := m.liveRun(offset)
	if err != nil {
		return err
	}

	if newSize < 1 || newSize > r.size {
		return errors.Errorf("cannot shrink allocation of %d bytes at offset %d to %d bytes", r.size, offset, newSize)
	}
	if newSize == r.size {
		return nil
	}

	delta := r.size - newSize
	r.size = newSize

	tail := m.acquireRun()
	tail.offset = offset + newSize
	tail.size = delta
	tail.free = true

	tail.prev = r
	tail.next = r.next
	if r.next != nil {
		r.next.prev = tail
	}
	r.next = tail
	m.index.Put(tail.offset, tail)
	m.freeCount++

	if tail.next != nil && tail.next.free {
		m.mergeIntoPrev(tail.next)
	}

	m.allocatedBytes -= delta
	return nil
}

func (m *RunListMetadata) GrowInPlace(offset, newSize int) (bool, error) {
	r, err := m.liveRun(offset)
	if err != nil {
		return false, err
	}

	if newSize < r.size {
		return false, errors.Errorf("cannot grow allocation of %d bytes at offset %d to %d bytes", r.size, offset, newSize)
	}
	if newSize == r.size {
		return true, nil
	}

	// Blocked by the region boundary
	if offset+newSize > m.Size() {
		return false, nil
	}

	next := r.next
	if next == nil || !next.free {
		return false, nil
	}

	delta := newSize - r.size
	if next.size < delta {
		return false, nil
	}

	m.index.Delete(next.offset)
	if next.size == delta {
		r.next = next.next
		if next.next != nil {
			next.next.prev = r
		}
		m.releaseRun(next)
		m.freeCount--
	} else {
		next.offset += delta
		next.size -= delta
		m.index.Put(next.offset, next)
	}

	r.size = newSize
	m.allocatedBytes += delta

	return true, nil
}

func (m *RunListMetadata) Clear() {
	r := m.head
	for r != nil {
		next := r.next
		m.releaseRun(r)
		r = next
	}

	m.index = swiss.NewMap[int, *run](64)
	m.allocCount = 0
	m.allocatedBytes = 0

	m.head = m.acquireRun()
	m.head.size = m.Size()
	m.head.free = true
	m.index.Put(0, m.head)
	m.freeCount = 1
}

func (m *RunListMetadata) AddStatistics(stats *bytepool.Statistics) {
	stats.PoolCount++
	stats.PoolBytes += m.Size()
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.allocatedBytes
}

func (m *RunListMetadata) AddDetailedStatistics(stats *bytepool.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += m.Size()

	for r := m.head; r != nil; r = r.next {
		if r.free {
			stats.AddUnusedRange(r.size)
		} else {
			stats.AddAllocation(r.size)
		}
	}
}

func (m *RunListMetadata) RegionJsonData(json jwriter.ObjectState) {
	var stats bytepool.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.regionJsonHeader(&json, stats.PoolBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)

	regions := json.Name("Regions").Array()
	defer regions.End()

	for r := m.head; r != nil; r = r.next {
		if r.free {
			m.regionJsonUnusedRange(&regions, r.offset, r.size)
		} else {
			m.regionJsonAllocation(&regions, r.offset, r.size)
		}
	}
}
