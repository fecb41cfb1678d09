package metadata

// AllocationRequest is returned from OccupancyMetadata.CreateAllocationRequest and
// indicates where the metadata intends to place a new allocation. It is committed with
// OccupancyMetadata.Alloc, which re-verifies the range before marking it occupied.
type AllocationRequest struct {
	// Offset is the byte offset within the region where the allocation will begin
	Offset int
	// Size is the size in bytes of the requested allocation
	Size int
}
