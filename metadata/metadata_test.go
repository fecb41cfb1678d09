package metadata_test

import (
	"math"
	"testing"

	"github.com/bytepool/bytepool"
	"github.com/bytepool/bytepool/metadata"
	"github.com/stretchr/testify/require"
)

func implementations() map[string]func() metadata.OccupancyMetadata {
	return map[string]func() metadata.OccupancyMetadata{
		"Bitmap":  func() metadata.OccupancyMetadata { return metadata.NewBitmapMetadata() },
		"RunList": func() metadata.OccupancyMetadata { return metadata.NewRunListMetadata() },
	}
}

func forEachImplementation(t *testing.T, test func(t *testing.T, m metadata.OccupancyMetadata)) {
	for name, create := range implementations() {
		name := name
		create := create
		t.Run(name, func(t *testing.T) {
			test(t, create())
		})
	}
}

func mustAlloc(t *testing.T, m metadata.OccupancyMetadata, size int, strategy metadata.Strategy) int {
	t.Helper()

	success, request, err := m.CreateAllocationRequest(size, strategy)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, m.Alloc(request))

	return request.Offset
}

func TestBasicAllocFree(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(1000)

		var stats bytepool.DetailedStatistics
		stats.Clear()
		m.AddDetailedStatistics(&stats)

		require.Equal(t, bytepool.DetailedStatistics{
			Statistics: bytepool.Statistics{
				PoolCount:       1,
				PoolBytes:       1000,
				AllocationCount: 0,
				AllocationBytes: 0,
			},
			UnusedRangeCount:   1,
			AllocationSizeMin:  math.MaxInt,
			AllocationSizeMax:  0,
			UnusedRangeSizeMin: 1000,
			UnusedRangeSizeMax: 1000,
		}, stats)

		offset := mustAlloc(t, m, 100, metadata.StrategyFirstFit)
		require.Equal(t, 0, offset)
		require.NoError(t, m.Validate())

		stats.Clear()
		m.AddDetailedStatistics(&stats)

		require.Equal(t, bytepool.DetailedStatistics{
			Statistics: bytepool.Statistics{
				PoolCount:       1,
				PoolBytes:       1000,
				AllocationCount: 1,
				AllocationBytes: 100,
			},
			UnusedRangeCount:   1,
			AllocationSizeMin:  100,
			AllocationSizeMax:  100,
			UnusedRangeSizeMin: 900,
			UnusedRangeSizeMax: 900,
		}, stats)

		size, err := m.AllocationSize(offset)
		require.NoError(t, err)
		require.Equal(t, 100, size)

		freed, err := m.Free(offset)
		require.NoError(t, err)
		require.Equal(t, 100, freed)
		require.NoError(t, m.Validate())
		require.True(t, m.IsEmpty())

		stats.Clear()
		m.AddDetailedStatistics(&stats)

		require.Equal(t, bytepool.DetailedStatistics{
			Statistics: bytepool.Statistics{
				PoolCount:       1,
				PoolBytes:       1000,
				AllocationCount: 0,
				AllocationBytes: 0,
			},
			UnusedRangeCount:   1,
			AllocationSizeMin:  math.MaxInt,
			AllocationSizeMax:  0,
			UnusedRangeSizeMin: 1000,
			UnusedRangeSizeMax: 1000,
		}, stats)
	})
}

func TestAllocationsAreAdjacent(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		require.Equal(t, 0, mustAlloc(t, m, 10, metadata.StrategyFirstFit))
		require.Equal(t, 10, mustAlloc(t, m, 10, metadata.StrategyFirstFit))
		require.Equal(t, 20, mustAlloc(t, m, 10, metadata.StrategyFirstFit))
		require.NoError(t, m.Validate())
		require.Equal(t, 3, m.AllocationCount())
		require.Equal(t, 70, m.SumFreeSize())
		require.Equal(t, 1, m.FreeRegionsCount())
	})
}

func TestCoalescingMergesAdjacentFreeRuns(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(40)

		a := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		b := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		c := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		require.Equal(t, 0, a)
		require.Equal(t, 10, b)
		require.Equal(t, 20, c)

		_, err := m.Free(b)
		require.NoError(t, err)
		require.NoError(t, m.Validate())
		require.Equal(t, 2, m.FreeRegionsCount())

		_, err = m.Free(a)
		require.NoError(t, err)
		require.NoError(t, m.Validate())

		// A and B must have merged into one 20-byte free run
		require.Equal(t, 2, m.FreeRegionsCount())

		// The merged run satisfies a 20-byte request without touching C's space
		offset := mustAlloc(t, m, 20, metadata.StrategyFirstFit)
		require.Equal(t, 0, offset)
		require.NoError(t, m.Validate())

		size, err := m.AllocationSize(c)
		require.NoError(t, err)
		require.Equal(t, 10, size)
	})
}

func TestCoalescingForward(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(40)

		a := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		b := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		c := mustAlloc(t, m, 10, metadata.StrategyFirstFit)

		_, err := m.Free(b)
		require.NoError(t, err)
		_, err = m.Free(c)
		require.NoError(t, err)
		require.NoError(t, m.Validate())

		// B, C, and the tail must all have merged
		require.Equal(t, 1, m.FreeRegionsCount())
		require.Equal(t, 30, m.SumFreeSize())

		offset := mustAlloc(t, m, 30, metadata.StrategyFirstFit)
		require.Equal(t, 10, offset)

		_, err = m.Free(a)
		require.NoError(t, err)
		require.NoError(t, m.Validate())
	})
}

func newFragmentedRegion(t *testing.T, m metadata.OccupancyMetadata, lowRunSize, highRunSize int) (int, int) {
	t.Helper()

	// Layout: [free lowRunSize][taken 1][free highRunSize][taken 1][taken tail]
	total := lowRunSize + 1 + highRunSize + 1
	m.Init(total + 15)

	low := mustAlloc(t, m, lowRunSize, metadata.StrategyFirstFit)
	mustAlloc(t, m, 1, metadata.StrategyFirstFit)
	high := mustAlloc(t, m, highRunSize, metadata.StrategyFirstFit)
	mustAlloc(t, m, 1, metadata.StrategyFirstFit)
	mustAlloc(t, m, 15, metadata.StrategyFirstFit)

	_, err := m.Free(low)
	require.NoError(t, err)
	_, err = m.Free(high)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	return low, high
}

func TestFirstFitPrefersLowOffset(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		// Free runs of 5 then 8 in ascending offset order; first-fit must take the
		// 5-byte run even though the 8-byte run also fits
		low, _ := newFragmentedRegion(t, m, 5, 8)

		offset := mustAlloc(t, m, 5, metadata.StrategyFirstFit)
		require.Equal(t, low, offset)
	})
}

func TestBestFitPrefersSmallestRun(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		// Free runs of 8 then 5; best-fit must skip the lower 8-byte run for the
		// tighter 5-byte run, where first-fit would not
		low, high := newFragmentedRegion(t, m, 8, 5)

		offset := mustAlloc(t, m, 5, metadata.StrategyBestFit)
		require.Equal(t, high, offset)

		_, err := m.Free(offset)
		require.NoError(t, err)

		offset = mustAlloc(t, m, 5, metadata.StrategyFirstFit)
		require.Equal(t, low, offset)
	})
}

func TestBestFitTieBreaksToLowOffset(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		low, _ := newFragmentedRegion(t, m, 6, 6)

		offset := mustAlloc(t, m, 6, metadata.StrategyBestFit)
		require.Equal(t, low, offset)
	})
}

func TestRejectsOversizedRequests(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		// Larger than the whole region
		success, _, err := m.CreateAllocationRequest(101, metadata.StrategyFirstFit)
		require.NoError(t, err)
		require.False(t, success)

		// Larger than the remaining total, regardless of fragmentation
		mustAlloc(t, m, 60, metadata.StrategyFirstFit)
		success, _, err = m.CreateAllocationRequest(41, metadata.StrategyFirstFit)
		require.NoError(t, err)
		require.False(t, success)

		// Fits in total but no contiguous run is large enough
		newFragmentedRegion(t, m, 8, 5)
		success, _, err = m.CreateAllocationRequest(12, metadata.StrategyFirstFit)
		require.NoError(t, err)
		require.False(t, success)
	})
}

func TestInvalidSizeRequests(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		_, _, err := m.CreateAllocationRequest(0, metadata.StrategyFirstFit)
		require.Error(t, err)

		_, _, err = m.CreateAllocationRequest(-1, metadata.StrategyFirstFit)
		require.Error(t, err)
	})
}

func TestStaleRequestIsRejected(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		success, first, err := m.CreateAllocationRequest(10, metadata.StrategyFirstFit)
		require.NoError(t, err)
		require.True(t, success)

		success, second, err := m.CreateAllocationRequest(10, metadata.StrategyFirstFit)
		require.NoError(t, err)
		require.True(t, success)
		require.Equal(t, first.Offset, second.Offset)

		require.NoError(t, m.Alloc(first))

		// The second request's range is no longer free
		require.Error(t, m.Alloc(second))
		require.NoError(t, m.Validate())
		require.Equal(t, 1, m.AllocationCount())
	})
}

func TestFreeErrors(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		offset := mustAlloc(t, m, 10, metadata.StrategyFirstFit)

		_, err := m.Free(-1)
		require.ErrorIs(t, err, bytepool.ErrOutOfRange)

		_, err = m.Free(100)
		require.ErrorIs(t, err, bytepool.ErrOutOfRange)

		// Interior of a live allocation is not a tracked start offset
		_, err = m.Free(offset + 5)
		require.ErrorIs(t, err, bytepool.ErrInconsistentMetadata)

		// Free byte
		_, err = m.Free(50)
		require.ErrorIs(t, err, bytepool.ErrDoubleFree)

		_, err = m.Free(offset)
		require.NoError(t, err)

		_, err = m.Free(offset)
		require.ErrorIs(t, err, bytepool.ErrDoubleFree)

		require.NoError(t, m.Validate())
	})
}

func TestAllocationSizeErrors(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		offset := mustAlloc(t, m, 10, metadata.StrategyFirstFit)

		_, err := m.AllocationSize(-1)
		require.ErrorIs(t, err, bytepool.ErrOutOfRange)

		_, err = m.AllocationSize(50)
		require.ErrorIs(t, err, bytepool.ErrUntrackedAllocation)

		size, err := m.AllocationSize(offset)
		require.NoError(t, err)
		require.Equal(t, 10, size)
	})
}

func TestShrinkInPlace(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		offset := mustAlloc(t, m, 30, metadata.StrategyFirstFit)
		mustAlloc(t, m, 10, metadata.StrategyFirstFit)

		require.NoError(t, m.ShrinkInPlace(offset, 10))
		require.NoError(t, m.Validate())

		size, err := m.AllocationSize(offset)
		require.NoError(t, err)
		require.Equal(t, 10, size)

		// The freed tail is immediately reusable
		reused := mustAlloc(t, m, 20, metadata.StrategyFirstFit)
		require.Equal(t, 10, reused)

		// Shrinking to the current size is a no-op
		require.NoError(t, m.ShrinkInPlace(offset, 10))

		require.Error(t, m.ShrinkInPlace(offset, 11))
		require.Error(t, m.ShrinkInPlace(offset, 0))
	})
}

func TestShrinkMergesTailWithFollowingFreeRun(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		offset := mustAlloc(t, m, 40, metadata.StrategyFirstFit)

		require.NoError(t, m.ShrinkInPlace(offset, 10))
		require.NoError(t, m.Validate())

		// The tail must merge with the trailing free space into a single run
		require.Equal(t, 1, m.FreeRegionsCount())
		require.Equal(t, 90, m.SumFreeSize())
	})
}

func TestGrowInPlace(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		offset := mustAlloc(t, m, 10, metadata.StrategyFirstFit)

		grown, err := m.GrowInPlace(offset, 30)
		require.NoError(t, err)
		require.True(t, grown)
		require.NoError(t, m.Validate())

		size, err := m.AllocationSize(offset)
		require.NoError(t, err)
		require.Equal(t, 30, size)
		require.Equal(t, 70, m.SumFreeSize())

		// Growing to the current size is a no-op
		grown, err = m.GrowInPlace(offset, 30)
		require.NoError(t, err)
		require.True(t, grown)

		_, err = m.GrowInPlace(offset, 10)
		require.Error(t, err)
	})
}

func TestGrowInPlaceBlockedByNeighbor(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		offset := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		neighbor := mustAlloc(t, m, 10, metadata.StrategyFirstFit)

		grown, err := m.GrowInPlace(offset, 20)
		require.NoError(t, err)
		require.False(t, grown)

		size, err := m.AllocationSize(offset)
		require.NoError(t, err)
		require.Equal(t, 10, size)

		_, err = m.Free(neighbor)
		require.NoError(t, err)

		grown, err = m.GrowInPlace(offset, 20)
		require.NoError(t, err)
		require.True(t, grown)
		require.NoError(t, m.Validate())
	})
}

func TestGrowInPlaceBlockedByBoundary(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		first := mustAlloc(t, m, 50, metadata.StrategyFirstFit)
		last := mustAlloc(t, m, 50, metadata.StrategyFirstFit)

		_, err := m.Free(first)
		require.NoError(t, err)

		// Free space exists, but none of it is past the allocation's end
		grown, err := m.GrowInPlace(last, 60)
		require.NoError(t, err)
		require.False(t, grown)
		require.NoError(t, m.Validate())
	})
}

func TestGrowInPlaceConsumesExactRun(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		offset := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		middle := mustAlloc(t, m, 20, metadata.StrategyFirstFit)
		mustAlloc(t, m, 10, metadata.StrategyFirstFit)

		_, err := m.Free(middle)
		require.NoError(t, err)

		// The extension consumes the 20-byte hole exactly
		grown, err := m.GrowInPlace(offset, 30)
		require.NoError(t, err)
		require.True(t, grown)
		require.NoError(t, m.Validate())
		require.Equal(t, 1, m.FreeRegionsCount())
	})
}

func TestVisitAllRegionsTilesTheRegion(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		a := mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		_, err := m.Free(a)
		require.NoError(t, err)

		nextOffset := 0
		freeBytes := 0
		err = m.VisitAllRegions(func(offset, size int, free bool) error {
			require.Equal(t, nextOffset, offset)
			require.Greater(t, size, 0)
			if free {
				freeBytes += size
			}
			nextOffset = offset + size
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 100, nextOffset)
		require.Equal(t, m.SumFreeSize(), freeBytes)
	})
}

func TestClear(t *testing.T) {
	forEachImplementation(t, func(t *testing.T, m metadata.OccupancyMetadata) {
		m.Init(100)

		mustAlloc(t, m, 10, metadata.StrategyFirstFit)
		mustAlloc(t, m, 20, metadata.StrategyFirstFit)

		m.Clear()
		require.NoError(t, m.Validate())
		require.True(t, m.IsEmpty())
		require.Equal(t, 100, m.SumFreeSize())
		require.Equal(t, 1, m.FreeRegionsCount())

		offset := mustAlloc(t, m, 100, metadata.StrategyFirstFit)
		require.Equal(t, 0, offset)
	})
}

func TestImplementationsStayInLockstep(t *testing.T) {
	bitmap := metadata.NewBitmapMetadata()
	runList := metadata.NewRunListMetadata()
	bitmap.Init(256)
	runList.Init(256)

	both := []metadata.OccupancyMetadata{bitmap, runList}

	const (
		opAlloc = iota
		opFree
		opShrink
		opGrow
	)
	type op struct {
		kind   int
		offset int
		size   int
	}

	// A fixed churn sequence that exercises splits, merges, and in-place resizes.
	// Offsets are asserted identical across implementations at every step.
	script := []op{
		{kind: opAlloc, size: 64},
		{kind: opAlloc, size: 32},
		{kind: opAlloc, size: 16},
		{kind: opFree, offset: 0},
		{kind: opAlloc, size: 20},
		{kind: opAlloc, size: 40},
		{kind: opFree, offset: 64},
		{kind: opAlloc, size: 8},
		{kind: opShrink, offset: 20, size: 10},
		{kind: opGrow, offset: 96, size: 30},
		{kind: opAlloc, size: 50},
		{kind: opFree, offset: 20},
		{kind: opAlloc, size: 12},
	}

	for step, operation := range script {
		switch operation.kind {
		case opAlloc:
			var offsets [2]int
			for i, m := range both {
				success, request, err := m.CreateAllocationRequest(operation.size, metadata.StrategyFirstFit)
				require.NoError(t, err, "step %d", step)
				require.True(t, success, "step %d", step)
				require.NoError(t, m.Alloc(request), "step %d", step)
				offsets[i] = request.Offset
			}
			require.Equal(t, offsets[0], offsets[1], "step %d", step)
		case opFree:
			for _, m := range both {
				_, err := m.Free(operation.offset)
				require.NoError(t, err, "step %d", step)
			}
		case opShrink:
			for _, m := range both {
				require.NoError(t, m.ShrinkInPlace(operation.offset, operation.size), "step %d", step)
			}
		case opGrow:
			for _, m := range both {
				grown, err := m.GrowInPlace(operation.offset, operation.size)
				require.NoError(t, err, "step %d", step)
				require.True(t, grown, "step %d", step)
			}
		}

		for _, m := range both {
			require.NoError(t, m.Validate(), "step %d", step)
		}

		require.Equal(t, bitmap.SumFreeSize(), runList.SumFreeSize(), "step %d", step)
		require.Equal(t, bitmap.AllocationCount(), runList.AllocationCount(), "step %d", step)
		require.Equal(t, bitmap.FreeRegionsCount(), runList.FreeRegionsCount(), "step %d", step)
	}
}
