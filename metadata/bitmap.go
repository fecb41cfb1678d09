package metadata

import (
	"github.com/bytepool/bytepool"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// BitmapMetadata is an OccupancyMetadata implementation backed by two parallel
// byte-granularity tables: an occupancy map with one free/occupied flag per byte, and a
// size map recording, at the starting offset of every run, how many bytes that run
// covers. The size map holds an entry for free runs as well as live allocations; that is
// what lets release merge a freed range into its neighbors with plain arithmetic on the
// run records.
//
// Invariant: the region is tiled by runs. Every run start has a positive size-map entry,
// every interior byte has a zero entry, and all bytes of a run share the same occupancy
// flag. Two free runs are never adjacent.
//
// BitmapMetadata is O(region size) in memory and O(runs) per operation. RunListMetadata
// provides the same observable behavior with lighter bookkeeping; this implementation is
// kept as the reference the run list is checked against.
type BitmapMetadata struct {
	MetadataBase

	occupied []bool
	sizeAt   []int

	allocCount     int
	allocatedBytes int
}

var _ OccupancyMetadata = &BitmapMetadata{}

func NewBitmapMetadata() *BitmapMetadata {
	return &BitmapMetadata{}
}

func (m *BitmapMetadata) Init(size int) {
	m.MetadataBase.Init(size)
	m.occupied = make([]bool, size)
	m.sizeAt = make([]int, size)
	m.allocCount = 0
	m.allocatedBytes = 0

	if size > 0 {
		m.sizeAt[0] = size
	}
}

func (m *BitmapMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BitmapMetadata) SumFreeSize() int {
	return m.Size() - m.allocatedBytes
}

func (m *BitmapMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BitmapMetadata) FreeRegionsCount() int {
	count := 0
	for offset := 0; offset < m.Size(); offset += m.sizeAt[offset] {
		if !m.occupied[offset] {
			count++
		}
	}
	return count
}

func (m *BitmapMetadata) Validate() error {
	var allocCount, allocatedBytes int
	prevFree := false

	offset := 0
	for offset < m.Size() {
		runSize := m.sizeAt[offset]
		if runSize <= 0 {
			return errors.Errorf("offset %d should start a run but has no recorded size", offset)
		}
		if offset+runSize > m.Size() {
			return errors.Errorf("run at offset %d extends %d bytes past the end of the region", offset, offset+runSize-m.Size())
		}

		free := !m.occupied[offset]
		if free && prevFree {
			return errors.Errorf("free run at offset %d is adjacent to another free run and should have been merged", offset)
		}

		for i := offset + 1; i < offset+runSize; i++ {
			if m.sizeAt[i] != 0 {
				return errors.Errorf("offset %d is interior to the run at offset %d but has a recorded size of %d", i, offset, m.sizeAt[i])
			}
			if m.occupied[i] == free {
				return errors.Errorf("offset %d does not share the occupancy of its run at offset %d", i, offset)
			}
		}

		if !free {
			allocCount++
			allocatedBytes += runSize
		}

		prevFree = free
		offset += runSize
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the occupied runs only added up to %d", m.allocCount, allocCount)
	}
	if allocatedBytes != m.allocatedBytes {
		return errors.Errorf("the allocated byte total of the metadata is %d, but the occupied runs only added up to %d", m.allocatedBytes, allocatedBytes)
	}

	return nil
}

func (m *BitmapMetadata) AllocationSize(offset int) (int, error) {
	if offset < 0 || offset >= m.Size() {
		return 0, errors.Wrapf(bytepool.ErrOutOfRange, "offset %d with region size %d", offset, m.Size())
	}
	if !m.occupied[offset] {
		return 0, errors.Wrapf(bytepool.ErrUntrackedAllocation, "offset %d is free", offset)
	}

	size := m.sizeAt[offset]
	if size <= 0 {
		return 0, errors.Wrapf(bytepool.ErrInconsistentMetadata, "offset %d is occupied but has no recorded size", offset)
	}

	return size, nil
}

func (m *BitmapMetadata) VisitAllRegions(visit func(offset, size int, free bool) error) error {
	for offset := 0; offset < m.Size(); offset += m.sizeAt[offset] {
		err := visit(offset, m.sizeAt[offset], !m.occupied[offset])
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *BitmapMetadata) CreateAllocationRequest(size int, strategy Strategy) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if size < 1 {
		return false, request, errors.Errorf("invalid allocation size: %d", size)
	}

	// Reject before scanning when the request cannot fit even in the absence of
	// fragmentation
	if m.allocatedBytes+size > m.Size() {
		return false, request, nil
	}

	bestOffset := -1
	bestSize := 0
	for offset := 0; offset < m.Size(); {
		runSize := m.sizeAt[offset]
		if runSize <= 0 {
			return false, request, errors.Wrapf(bytepool.ErrInconsistentMetadata, "offset %d should start a run but has no recorded size", offset)
		}

		if !m.occupied[offset] && runSize >= size {
			if strategy != StrategyBestFit {
				bestOffset = offset
				break
			}

			if bestOffset < 0 || runSize < bestSize {
				bestOffset = offset
				bestSize = runSize
			}
		}

		offset += runSize
	}

	if bestOffset < 0 {
		return false, request, nil
	}

	request.Offset = bestOffset
	request.Size = size
	return true, request, nil
}

func (m *BitmapMetadata) Alloc(request AllocationRequest) error {
	if request.Size < 1 || request.Offset < 0 || request.Offset+request.Size > m.Size() {
		return errors.Errorf("allocation request for offset %d size %d does not fit the region", request.Offset, request.Size)
	}

	// Re-verify the whole candidate range is still free before committing
	for i := request.Offset; i < request.Offset+request.Size; i++ {
		if m.occupied[i] {
			return errors.Errorf("allocation request range is no longer free at offset %d", i)
		}
	}

	runSize := m.sizeAt[request.Offset]
	if runSize < request.Size {
		return errors.Errorf("free run at offset %d no longer covers the requested %d bytes", request.Offset, request.Size)
	}

	for i := request.Offset; i < request.Offset+request.Size; i++ {
		m.occupied[i] = true
	}
	m.sizeAt[request.Offset] = request.Size
	if runSize > request.Size {
		m.sizeAt[request.Offset+request.Size] = runSize - request.Size
	}

	m.allocCount++
	m.allocatedBytes += request.Size

	return nil
}

func (m *BitmapMetadata) Free(offset int) (int, error) {
	if offset < 0 || offset >= m.Size() {
		return 0, errors.Wrapf(bytepool.ErrOutOfRange, "offset %d with region size %d", offset, m.Size())
	}
	if !m.occupied[offset] {
		return 0, errors.Wrapf(bytepool.ErrDoubleFree, "offset %d", offset)
	}

	size := m.sizeAt[offset]
	if size <= 0 {
		return 0, errors.Wrapf(bytepool.ErrInconsistentMetadata, "offset %d is occupied but has no recorded size", offset)
	}

	for i := offset; i < offset+size; i++ {
		m.occupied[i] = false
	}
	m.allocCount--
	m.allocatedBytes -= size

	if _, err := m.coalesce(offset); err != nil {
		return size, err
	}

	return size, nil
}

// coalesce merges the free run rooted at offset into its free neighbors so that every
// maximal free range keeps exactly one size record, at its leftmost byte. Returns the
// offset of the merged run's root.
func (m *BitmapMetadata) coalesce(offset int) (int, error) {
	root := offset

	// Backward: walk left to the start of a preceding free run and fold this run's
	// size into its record
	if offset > 0 && !m.occupied[offset-1] {
		prev := offset - 1
		for prev > 0 && !m.occupied[prev] && m.sizeAt[prev] == 0 {
			prev--
		}

		if m.occupied[prev] || m.sizeAt[prev] <= 0 {
			return root, errors.Wrapf(bytepool.ErrInconsistentMetadata, "no run start found preceding offset %d", offset)
		}

		m.sizeAt[prev] += m.sizeAt[offset]
		m.sizeAt[offset] = 0
		root = prev
	}

	// Forward: absorb a free run that begins where the merged run ends
	next := root + m.sizeAt[root]
	if next < m.Size() && !m.occupied[next] {
		if m.sizeAt[next] <= 0 {
			return root, errors.Wrapf(bytepool.ErrInconsistentMetadata, "free neighbor at offset %d has no recorded size", next)
		}

		m.sizeAt[root] += m.sizeAt[next]
		m.sizeAt[next] = 0
	}

	return root, nil
}

func (m *BitmapMetadata) ShrinkInPlace(offset, newSize int) error {
	currentSize, err := m.AllocationSize(offset)
	if err != nil {
		return err
	}

	if newSize < 1 || newSize > currentSize {
		return errors.Errorf("cannot shrink allocation of %d bytes at offset %d to %d bytes", currentSize, offset, newSize)
	}
	if newSize == currentSize {
		return nil
	}

	delta := currentSize - newSize
	for i := offset + newSize; i < offset+currentSize; i++ {
		m.occupied[i] = false
	}
	m.sizeAt[offset] = newSize
	m.sizeAt[offset+newSize] = delta
	m.allocatedBytes -= delta

	_, err = m.coalesce(offset + newSize)
	return err
}

func (m *BitmapMetadata) GrowInPlace(offset, newSize int) (bool, error) {
	currentSize, err := m.AllocationSize(offset)
	if err != nil {
		return false, err
	}

	if newSize < currentSize {
		return false, errors.Errorf("cannot grow allocation of %d bytes at offset %d to %d bytes", currentSize, offset, newSize)
	}
	if newSize == currentSize {
		return true, nil
	}

	// Blocked by the region boundary
	if offset+newSize > m.Size() {
		return false, nil
	}

	next := offset + currentSize
	if m.occupied[next] {
		return false, nil
	}

	available := m.sizeAt[next]
	if available <= 0 {
		return false, errors.Wrapf(bytepool.ErrInconsistentMetadata, "free neighbor at offset %d has no recorded size", next)
	}

	delta := newSize - currentSize
	if available < delta {
		// The free run after this allocation ends at an occupied byte before the
		// extension range does
		return false, nil
	}

	for i := next; i < next+delta; i++ {
		m.occupied[i] = true
	}
	m.sizeAt[offset] = newSize
	m.sizeAt[next] = 0
	if available > delta {
		m.sizeAt[next+delta] = available - delta
	}
	m.allocatedBytes += delta

	return true, nil
}

func (m *BitmapMetadata) Clear() {
	for i := 0; i < m.Size(); i++ {
		m.occupied[i] = false
		m.sizeAt[i] = 0
	}
	if m.Size() > 0 {
		m.sizeAt[0] = m.Size()
	}
	m.allocCount = 0
	m.allocatedBytes = 0
}

func (m *BitmapMetadata) AddStatistics(stats *bytepool.Statistics) {
	stats.PoolCount++
	stats.PoolBytes += m.Size()
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.allocatedBytes
}

func (m *BitmapMetadata) AddDetailedStatistics(stats *bytepool.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += m.Size()

	for offset := 0; offset < m.Size(); offset += m.sizeAt[offset] {
		if m.occupied[offset] {
			stats.AddAllocation(m.sizeAt[offset])
		} else {
			stats.AddUnusedRange(m.sizeAt[offset])
		}
	}
}

func (m *BitmapMetadata) RegionJsonData(json jwriter.ObjectState) {
	var stats bytepool.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.regionJsonHeader(&json, stats.PoolBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)

	regions := json.Name("Regions").Array()
	defer regions.End()

	for offset := 0; offset < m.Size(); offset += m.sizeAt[offset] {
		if m.occupied[offset] {
			m.regionJsonAllocation(&regions, offset, m.sizeAt[offset])
		} else {
			m.regionJsonUnusedRange(&regions, offset, m.sizeAt[offset])
		}
	}
}
