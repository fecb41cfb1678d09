//go:build unix

package pool

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func pageSize() int {
	return unix.Getpagesize()
}

// reserve obtains the pool's backing region. Page-aligned pools are backed by an
// anonymous private mapping so the region begins on a page boundary and is returned to
// the OS on Destroy; otherwise the region lives on the Go heap.
func reserve(size int, pageAligned bool) ([]byte, func() error, error) {
	if !pageAligned {
		return make([]byte, size), nil, nil
	}

	memory, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap of %d anonymous bytes", size)
	}

	release := func() error {
		return unix.Munmap(memory)
	}
	return memory, release, nil
}
