// File: frame/allocator.go
// Author: momentics <momentics@gmail.com>
//
// Reactor-local frame allocator: per-capacity-class free lists, no
// synchronization. Only the owning reactor thread may use it; the
// Parallel variant covers frames that cross reactor boundaries.

package frame

import (
	"go.uber.org/atomic"
)

const (
	minClass = 64

	// DefaultMaxFrameSize bounds a single frame unless configured
	// otherwise.
	DefaultMaxFrameSize = 16 << 20
)

// classFor rounds size up to the next power-of-two capacity class.
func classFor(size int) int {
	c := minClass
	for c < size {
		c <<= 1
	}
	return c
}

// Allocator hands out frames from per-class free lists.
type Allocator struct {
	free map[int][]*Frame

	allocations atomic.Int64
	releases    atomic.Int64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{free: make(map[int][]*Frame)}
}

// Allocate returns a frame with capacity >= size and zeroed cursors.
func (a *Allocator) Allocate(size int) *Frame {
	a.allocations.Inc()
	class := classFor(size)
	list := a.free[class]
	if n := len(list); n > 0 {
		f := list[n-1]
		a.free[class] = list[:n-1]
		return f
	}
	return &Frame{buf: make([]byte, class), alloc: a, class: class}
}

func (a *Allocator) release(f *Frame) {
	a.releases.Inc()
	f.Reset()
	a.free[f.class] = append(a.free[f.class], f)
}

// InFlight returns allocations minus releases; zero once every frame has
// been returned.
func (a *Allocator) InFlight() int64 {
	return a.allocations.Load() - a.releases.Load()
}
