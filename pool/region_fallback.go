//go:build !unix

package pool

import "os"

func pageSize() int {
	return os.Getpagesize()
}

// reserve obtains the pool's backing region. Without mmap support the region always
// lives on the Go heap; PageAligned still rounds the capacity up to a whole number of
// pages so behavior stays consistent across platforms.
func reserve(size int, pageAligned bool) ([]byte, func() error, error) {
	return make([]byte, size), nil, nil
}
