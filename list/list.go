// Package list implements a singly linked list whose nodes live inside a
// fixed-capacity pool instead of the Go heap. It consumes only the pool's public
// operation surface and manages the node links itself, which makes it a natural
// end-to-end exercise of the allocator: every insert allocates, every remove frees, and
// a long-lived list churns the pool's free space.
package list

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/bytepool/bytepool/pool"
	"github.com/cockroachdb/errors"
)

// Node layout within its pool allocation: a uint16 value followed by the next node's
// handle, encoded as a little-endian int64 so NoAllocation round-trips.
const (
	nodeSize    = 10
	valueOffset = 0
	nextOffset  = 2
)

// List is a singly linked list of uint16 values backed by a Pool. The zero value is not
// usable; construct with New.
type List struct {
	pool *pool.Pool
	head pool.Allocation
}

// New creates an empty list owning a fresh pool of the given capacity in bytes.
func New(capacity int, o pool.CreateOptions) (*List, error) {
	p, err := pool.New(capacity, o)
	if err != nil {
		return nil, err
	}

	return &List{
		pool: p,
		head: pool.NoAllocation,
	}, nil
}

// Pool exposes the list's backing pool for diagnostics.
func (l *List) Pool() *pool.Pool {
	return l.pool
}

func (l *List) node(a pool.Allocation) ([]byte, error) {
	data, err := l.pool.Bytes(a)
	if err != nil {
		return nil, err
	}
	if len(data) != nodeSize {
		return nil, errors.Errorf("handle at offset %d refers to %d bytes, not a list node", int(a), len(data))
	}
	return data, nil
}

func (l *List) value(a pool.Allocation) (uint16, error) {
	data, err := l.node(a)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data[valueOffset:]), nil
}

func (l *List) next(a pool.Allocation) (pool.Allocation, error) {
	data, err := l.node(a)
	if err != nil {
		return pool.NoAllocation, err
	}
	return pool.Allocation(int64(binary.LittleEndian.Uint64(data[nextOffset:]))), nil
}

func (l *List) setNext(a, next pool.Allocation) error {
	data, err := l.node(a)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(data[nextOffset:], uint64(int64(next)))
	return nil
}

func (l *List) newNode(value uint16, next pool.Allocation) (pool.Allocation, error) {
	a, err := l.pool.Alloc(nodeSize)
	if err != nil {
		return pool.NoAllocation, errors.Wrap(err, "allocating a list node")
	}

	data, err := l.node(a)
	if err != nil {
		return pool.NoAllocation, err
	}
	binary.LittleEndian.PutUint16(data[valueOffset:], value)
	binary.LittleEndian.PutUint64(data[nextOffset:], uint64(int64(next)))

	return a, nil
}

// Insert appends a new node with the given value to the end of the list.
func (l *List) Insert(value uint16) error {
	node, err := l.newNode(value, pool.NoAllocation)
	if err != nil {
		return err
	}

	if l.head == pool.NoAllocation {
		l.head = node
		return nil
	}

	tail := l.head
	for {
		next, err := l.next(tail)
		if err != nil {
			return err
		}
		if next == pool.NoAllocation {
			break
		}
		tail = next
	}

	return l.setNext(tail, node)
}

// InsertAfter inserts a new node with the given value immediately after prev.
func (l *List) InsertAfter(prev pool.Allocation, value uint16) error {
	next, err := l.next(prev)
	if err != nil {
		return err
	}

	node, err := l.newNode(value, next)
	if err != nil {
		return err
	}

	return l.setNext(prev, node)
}

// InsertBefore inserts a new node with the given value immediately before target.
func (l *List) InsertBefore(target pool.Allocation, value uint16) error {
	if l.head == target {
		node, err := l.newNode(value, target)
		if err != nil {
			return err
		}
		l.head = node
		return nil
	}

	prev := l.head
	for prev != pool.NoAllocation {
		next, err := l.next(prev)
		if err != nil {
			return err
		}
		if next == target {
			return l.InsertAfter(prev, value)
		}
		prev = next
	}

	return errors.Errorf("node at offset %d is not in the list", int(target))
}

// Remove deletes the first node holding the given value and returns its storage to the
// pool.
func (l *List) Remove(value uint16) error {
	prev := pool.NoAllocation
	current := l.head

	for current != pool.NoAllocation {
		nodeValue, err := l.value(current)
		if err != nil {
			return err
		}

		if nodeValue == value {
			next, err := l.next(current)
			if err != nil {
				return err
			}

			if prev == pool.NoAllocation {
				l.head = next
			} else if err := l.setNext(prev, next); err != nil {
				return err
			}

			return l.pool.Free(current)
		}

		prev = current
		current, err = l.next(current)
		if err != nil {
			return err
		}
	}

	return errors.Errorf("no node with value %d", value)
}

// Search returns a handle to the first node holding the given value. The second return
// value reports whether such a node exists.
func (l *List) Search(value uint16) (pool.Allocation, bool, error) {
	for current := l.head; current != pool.NoAllocation; {
		nodeValue, err := l.value(current)
		if err != nil {
			return pool.NoAllocation, false, err
		}
		if nodeValue == value {
			return current, true, nil
		}

		current, err = l.next(current)
		if err != nil {
			return pool.NoAllocation, false, err
		}
	}

	return pool.NoAllocation, false, nil
}

// Count returns the number of nodes in the list.
func (l *List) Count() (int, error) {
	count := 0
	for current := l.head; current != pool.NoAllocation; {
		count++

		next, err := l.next(current)
		if err != nil {
			return 0, err
		}
		current = next
	}

	return count, nil
}

// Display renders every value in the list in order, e.g. "[1, 2, 3]".
func (l *List) Display() (string, error) {
	return l.DisplayRange(pool.NoAllocation, pool.NoAllocation)
}

// DisplayRange renders values between start and end inclusive. A null start begins at
// the head; a null end runs to the last node.
func (l *List) DisplayRange(start, end pool.Allocation) (string, error) {
	if start == pool.NoAllocation {
		start = l.head
	}

	var builder strings.Builder
	builder.WriteByte('[')

	for current := start; current != pool.NoAllocation; {
		value, err := l.value(current)
		if err != nil {
			return "", err
		}

		if current != start {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%d", value)

		if current == end {
			break
		}

		current, err = l.next(current)
		if err != nil {
			return "", err
		}
	}

	builder.WriteByte(']')
	return builder.String(), nil
}

// Cleanup frees every node and destroys the backing pool. The list must not be used
// afterwards.
func (l *List) Cleanup() error {
	for current := l.head; current != pool.NoAllocation; {
		next, err := l.next(current)
		if err != nil {
			return err
		}
		if err := l.pool.Free(current); err != nil {
			return err
		}
		current = next
	}

	l.head = pool.NoAllocation
	return l.pool.Destroy()
}
