package metadata

import (
	"github.com/bytepool/bytepool"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// OccupancyMetadata tracks which byte ranges of a single fixed-size memory region are
// occupied by live allocations and which are free. It decides where new allocations are
// placed, records the size of every live allocation at its starting offset, and merges
// adjacent free ranges when allocations are released so that fragmentation cannot
// accumulate as many tiny unusable free entries.
//
// Offsets are plain byte indices into the managed region. The metadata never touches the
// region's contents; it is pure bookkeeping that a pool consults before reading or
// writing backing memory.
type OccupancyMetadata interface {
	// Init must be called before the OccupancyMetadata is used. It establishes the size
	// in bytes of the region being managed and resets the metadata to a single free
	// range covering the whole region.
	Init(size int)
	// Size retrieves the size in bytes that the metadata was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be
	// expensive, depending on the implementation. When the implementation is functioning
	// correctly, it should not be possible for this method to return an error, but this
	// may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of live allocations in the region. This number
	// should generally be the number of successful allocations minus the number of
	// successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of maximal free ranges in the region. Adjacent
	// free ranges are always merged, so two free ranges are never directly adjacent.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the region.
	SumFreeSize() int

	// IsEmpty will return true if the region has no live allocations
	IsEmpty() bool

	// AllocationSize returns the recorded size of the live allocation starting at offset.
	// It returns bytepool.ErrUntrackedAllocation if offset is not occupied, and
	// bytepool.ErrInconsistentMetadata if offset is occupied but no size was recorded
	// for it.
	AllocationSize(offset int) (int, error)
	// VisitAllRegions will call the provided callback once for each live allocation and
	// each maximal free range, in ascending offset order. Visiting stops early if the
	// callback returns an error, and that error is returned.
	VisitAllRegions(visit func(offset, size int, free bool) error) error

	// CreateAllocationRequest searches the region for a free range that can hold size
	// bytes using the provided placement strategy. The first return value reports
	// whether a suitable range was found; when it is false with a nil error, the region
	// simply cannot hold the request right now. The returned request must be passed to
	// Alloc to commit the allocation.
	CreateAllocationRequest(size int, strategy Strategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. The implementation must re-verify that the
	// requested range is still entirely free and fail without modifying any state if it
	// is not.
	Alloc(request AllocationRequest) error

	// Free releases the live allocation starting at offset and merges the resulting free
	// range with any adjacent free ranges. It returns the number of bytes released.
	Free(offset int) (int, error)

	// ShrinkInPlace reduces the live allocation starting at offset to newSize bytes,
	// releasing the tail. newSize must be greater than zero and no larger than the
	// allocation's current size. The allocation's offset never changes.
	ShrinkInPlace(offset, newSize int) error
	// GrowInPlace attempts to extend the live allocation starting at offset to newSize
	// bytes without moving it. It returns true when the extension range was free and has
	// been claimed, and false with a nil error when growth is blocked by the region
	// boundary or by an occupied byte.
	GrowInPlace(offset, newSize int) (bool, error)

	// Clear instantly frees all allocations
	Clear()

	// AddDetailedStatistics sums this region's allocation statistics into the statistics
	// currently present in the provided bytepool.DetailedStatistics object.
	AddDetailedStatistics(stats *bytepool.DetailedStatistics)
	// AddStatistics sums this region's allocation statistics into the statistics
	// currently present in the provided bytepool.Statistics object.
	AddStatistics(stats *bytepool.Statistics)

	// RegionJsonData populates a json object with information about this region,
	// including one entry per live allocation and free range.
	RegionJsonData(json jwriter.ObjectState)
}

// MetadataBase is a simple struct that provides a few shared utilities for
// OccupancyMetadata implementations.
type MetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *MetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *MetadataBase) Size() int { return m.size }

func (m *MetadataBase) regionJsonHeader(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

func (m *MetadataBase) regionJsonUnusedRange(json *jwriter.ArrayState, offset, size int) {
	obj := json.Object()
	defer obj.End()

	obj.Name("Offset").Int(offset)
	obj.Name("Type").String("Free")
	obj.Name("Size").Int(size)
}

func (m *MetadataBase) regionJsonAllocation(json *jwriter.ArrayState, offset, size int) {
	obj := json.Object()
	defer obj.End()

	obj.Name("Offset").Int(offset)
	obj.Name("Type").String("Allocation")
	obj.Name("Size").Int(size)
}
