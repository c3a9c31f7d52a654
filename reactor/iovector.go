//go:build linux
// +build linux

// File: reactor/iovector.go
// Author: momentics <momentics@gmail.com>
//
// IoVector stages up to IOVMax frames for one gather write and compacts
// itself against partial write results.

package reactor

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/frame"
	"github.com/momentics/tpcnet/internal/concurrency"
)

// IOVMax is the kernel's iovec limit per writev.
const IOVMax = 1024

// IoVector invariants: size <= IOVMax; pending equals the sum of
// Remaining over the staged frames.
type IoVector struct {
	frames  [IOVMax]*frame.Frame
	size    int
	pending int64
}

// Empty reports whether no frame is staged.
func (v *IoVector) Empty() bool { return v.size == 0 }

// Size returns the staged frame count.
func (v *IoVector) Size() int { return v.size }

// Pending returns the staged byte count.
func (v *IoVector) Pending() int64 { return v.pending }

// Add stages one frame; false when the vector is full.
func (v *IoVector) Add(f *frame.Frame) bool {
	if v.size == IOVMax {
		return false
	}
	v.frames[v.size] = f
	v.size++
	v.pending += int64(f.Remaining())
	return true
}

// FillFromMPSC moves frames off an unflushed queue until the vector is
// full or the queue is empty.
func (v *IoVector) FillFromMPSC(q *concurrency.MPSC[*frame.Frame]) {
	for v.size < IOVMax {
		f, ok := q.Pop()
		if !ok {
			return
		}
		v.frames[v.size] = f
		v.size++
		v.pending += int64(f.Remaining())
	}
}

// BuildIovecs appends one (base, len) entry per staged frame to dst and
// returns it. The returned slice must stay live until the WRITEV
// completes.
func (v *IoVector) BuildIovecs(dst []unix.Iovec) []unix.Iovec {
	for k := 0; k < v.size; k++ {
		b := v.frames[k].Bytes()
		var iov unix.Iovec
		iov.Base = (*byte)(unsafe.Pointer(&b[0]))
		iov.SetLen(len(b))
		dst = append(dst, iov)
	}
	return dst
}

// Compact consumes written bytes: fully written frames are released, the
// first partially written frame advances its read cursor, survivors shift
// to the front.
func (v *IoVector) Compact(written int64) {
	if written == v.pending {
		for k := 0; k < v.size; k++ {
			v.frames[k].Release()
			v.frames[k] = nil
		}
		v.size = 0
		v.pending = 0
		return
	}

	w := written
	out := 0
	cached := v.size
	for k := 0; k < cached; k++ {
		f := v.frames[k]
		v.frames[k] = nil
		rem := int64(f.Remaining())
		if w >= rem {
			w -= rem
			f.Release()
			continue
		}
		if w > 0 {
			f.AdvanceRead(int(w))
			w = 0
		}
		v.frames[out] = f
		out++
	}
	v.size = out
	v.pending -= written
}

// Release drops every staged frame back to its allocator; used on channel
// close.
func (v *IoVector) Release() {
	for k := 0; k < v.size; k++ {
		v.frames[k].Release()
		v.frames[k] = nil
	}
	v.size = 0
	v.pending = 0
}
