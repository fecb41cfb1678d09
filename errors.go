package bytepool

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrZeroSize is returned when a zero-byte allocation is requested. Zero-size requests
// are always rejected; a pool never hands out a placeholder handle.
var ErrZeroSize error = errors.New("allocation size must be greater than zero")

// ErrOutOfMemory is returned when no free region large enough for the request exists,
// either because the pool is too full overall or because the free space is fragmented.
// This is an ordinary, recoverable outcome.
var ErrOutOfMemory error = errors.New("not enough contiguous free memory in the pool")

// ErrOutOfRange is returned when a handle does not fall within the pool it was passed to.
var ErrOutOfRange error = errors.New("handle does not fall within the pool")

// ErrDoubleFree is returned when the region a handle refers to is already free.
var ErrDoubleFree error = errors.New("region is already free")

// ErrUntrackedAllocation is returned when an offset does not correspond to the start
// of a live allocation.
var ErrUntrackedAllocation error = errors.New("offset is not the start of a live allocation")

// ErrInconsistentMetadata is returned when the occupancy map and the size map disagree.
// Operations abort as soon as this is detected rather than compounding the damage.
var ErrInconsistentMetadata error = errors.New("occupancy metadata is inconsistent")
