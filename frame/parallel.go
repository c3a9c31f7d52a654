// File: frame/parallel.go
// Author: momentics <momentics@gmail.com>
//
// ParallelAllocator is the thread-safe allocator variant used when
// response frames cross reactor boundaries. Free lists are bounded
// per-class pools; when a class pool overflows, frames are dropped for
// the GC instead of growing without limit.

package frame

import (
	"sync"

	"github.com/wuyongjia/pool"
	"go.uber.org/atomic"
)

// ParallelAllocator may be shared between reactors and producer threads.
type ParallelAllocator struct {
	mu      sync.Mutex
	classes map[int]*pool.Pool
	perPool int

	allocations atomic.Int64
	releases    atomic.Int64
}

// NewParallelAllocator creates an allocator whose per-class pools retain
// up to perClass frames.
func NewParallelAllocator(perClass int) *ParallelAllocator {
	if perClass <= 0 {
		perClass = 1024
	}
	return &ParallelAllocator{
		classes: make(map[int]*pool.Pool),
		perPool: perClass,
	}
}

func (a *ParallelAllocator) classPool(class int) *pool.Pool {
	a.mu.Lock()
	p, ok := a.classes[class]
	if !ok {
		p = pool.New(a.perPool, func() interface{} {
			return &Frame{buf: make([]byte, class), class: class}
		})
		a.classes[class] = p
	}
	a.mu.Unlock()
	return p
}

// Allocate returns a frame with capacity >= size and zeroed cursors.
func (a *ParallelAllocator) Allocate(size int) *Frame {
	a.allocations.Inc()
	class := classFor(size)
	item, err := a.classPool(class).Get()
	if err != nil {
		f := &Frame{buf: make([]byte, class), class: class}
		f.alloc = a
		return f
	}
	f := item.(*Frame)
	f.alloc = a
	return f
}

func (a *ParallelAllocator) release(f *Frame) {
	a.releases.Inc()
	f.Reset()
	a.classPool(f.class).Put(f)
}

// InFlight returns allocations minus releases.
func (a *ParallelAllocator) InFlight() int64 {
	return a.allocations.Load() - a.releases.Load()
}
