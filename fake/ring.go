//go:build linux
// +build linux

// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Package fake provides in-process doubles for the reactor's ring
// abstraction. Ring records staged operations, lets tests inject
// completion results, and honors the eventfd wakeup protocol by reading
// the armed eventfd on blocking waits.
package fake

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/api"
)

// Operation is one staged SQE as the reactor submitted it.
type Operation struct {
	Op       uint8
	Fd       int
	Buf      []byte
	Off      int
	Iov      []unix.Iovec
	Accept   *api.AcceptBuf
	UserData uint64
}

// Ring implements api.Ring without a kernel. All Push/Submit/Drain calls
// come from the reactor thread; Feed* methods are for the test thread.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity    int
	staged      []*Operation
	outstanding []*Operation
	completions []api.Completion

	watchingEventfd bool
	closed          bool
}

var _ api.Ring = (*Ring)(nil)

// NewRing returns a fake ring with the given submission capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 4096
	}
	r := &Ring{capacity: capacity}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Ring) push(op *Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.staged)+len(r.outstanding) >= r.capacity {
		return false
	}
	r.staged = append(r.staged, op)
	return true
}

// PushRead implements api.Ring.
func (r *Ring) PushRead(fd int, buf []byte, off int, userData uint64) bool {
	if off >= len(buf) {
		return false
	}
	return r.push(&Operation{Op: opTag(userData), Fd: fd, Buf: buf, Off: off, UserData: userData})
}

// PushWritev implements api.Ring.
func (r *Ring) PushWritev(fd int, iov []unix.Iovec, userData uint64) bool {
	return r.push(&Operation{Op: opTag(userData), Fd: fd, Iov: iov, UserData: userData})
}

// PushAccept implements api.Ring.
func (r *Ring) PushAccept(fd int, ab *api.AcceptBuf, userData uint64) bool {
	return r.push(&Operation{Op: opTag(userData), Fd: fd, Accept: ab, UserData: userData})
}

// Submit moves staged operations to the outstanding set.
func (r *Ring) Submit() (int, error) {
	r.mu.Lock()
	n := len(r.staged)
	r.outstanding = append(r.outstanding, r.staged...)
	r.staged = r.staged[:0]
	r.mu.Unlock()
	return n, nil
}

// SubmitAndWait submits and blocks until a completion is available. While
// blocked it services the armed eventfd read so Wakeup unparks the loop
// exactly as the kernel would.
func (r *Ring) SubmitAndWait() (int, error) {
	n, _ := r.Submit()
	r.mu.Lock()
	for len(r.completions) == 0 && !r.closed {
		r.watchEventfdLocked()
		r.cond.Wait()
	}
	r.mu.Unlock()
	return n, nil
}

// watchEventfdLocked spawns one blocking reader against the armed
// eventfd-read operation, if any.
func (r *Ring) watchEventfdLocked() {
	if r.watchingEventfd {
		return
	}
	var op *Operation
	for _, o := range r.outstanding {
		if o.Op == api.OpEventfdRead {
			op = o
			break
		}
	}
	if op == nil {
		return
	}
	r.watchingEventfd = true
	go func() {
		n, err := unix.Read(op.Fd, op.Buf[op.Off:])
		r.mu.Lock()
		r.watchingEventfd = false
		if err == nil {
			r.removeLocked(op)
			r.completions = append(r.completions, api.Completion{UserData: op.UserData, Res: int32(n)})
			r.cond.Broadcast()
		}
		r.mu.Unlock()
	}()
}

// HasCompletions implements api.Ring.
func (r *Ring) HasCompletions() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completions) > 0
}

// Drain implements api.Ring.
func (r *Ring) Drain(fn func(api.Completion)) int {
	r.mu.Lock()
	pending := append([]api.Completion(nil), r.completions...)
	r.completions = r.completions[:0]
	r.mu.Unlock()
	for _, c := range pending {
		fn(c)
	}
	return len(pending)
}

// Close implements api.Ring.
func (r *Ring) Close() error {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	return nil
}

func (r *Ring) removeLocked(op *Operation) {
	for i, o := range r.outstanding {
		if o == op {
			r.outstanding = append(r.outstanding[:i], r.outstanding[i+1:]...)
			return
		}
	}
}

// Outstanding returns the armed operations carrying the given tag.
func (r *Ring) Outstanding(op uint8) []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Operation
	for _, o := range r.outstanding {
		if o.Op == op {
			out = append(out, o)
		}
	}
	return out
}

// Feed completes a specific armed operation with res.
func (r *Ring) Feed(op *Operation, res int32) {
	r.mu.Lock()
	r.removeLocked(op)
	r.completions = append(r.completions, api.Completion{UserData: op.UserData, Res: res})
	r.cond.Broadcast()
	r.mu.Unlock()
}

// FeedRead copies data into the armed READ for fd and completes it.
// Returns false when no READ is armed on that fd.
func (r *Ring) FeedRead(fd int, data []byte) bool {
	r.mu.Lock()
	var op *Operation
	for _, o := range r.outstanding {
		if o.Op == api.OpRead && o.Fd == fd {
			op = o
			break
		}
	}
	if op == nil {
		r.mu.Unlock()
		return false
	}
	n := copy(op.Buf[op.Off:], data)
	r.removeLocked(op)
	r.completions = append(r.completions, api.Completion{UserData: op.UserData, Res: int32(n)})
	r.cond.Broadcast()
	r.mu.Unlock()
	return n == len(data)
}

// FeedWritev completes the armed WRITEV on fd with res written bytes and
// returns the gathered wire image of the submitted iovecs.
func (r *Ring) FeedWritev(fd int, res int32) ([]byte, bool) {
	r.mu.Lock()
	var op *Operation
	for _, o := range r.outstanding {
		if o.Op == api.OpWritev && o.Fd == fd {
			op = o
			break
		}
	}
	if op == nil {
		r.mu.Unlock()
		return nil, false
	}
	wire := gather(op.Iov)
	r.removeLocked(op)
	r.completions = append(r.completions, api.Completion{UserData: op.UserData, Res: res})
	r.cond.Broadcast()
	r.mu.Unlock()
	return wire, true
}

// FeedAccept completes the armed ACCEPT on listenFd with a new peer fd
// and an IPv4 peer address.
func (r *Ring) FeedAccept(listenFd, newFd int, ip [4]byte, port uint16) bool {
	r.mu.Lock()
	var op *Operation
	for _, o := range r.outstanding {
		if o.Op == api.OpAccept && o.Fd == listenFd {
			op = o
			break
		}
	}
	if op == nil {
		r.mu.Unlock()
		return false
	}
	sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&op.Accept.Storage))
	sa.Family = unix.AF_INET
	sa.Addr = ip
	sa.Port = htons(port)
	r.removeLocked(op)
	r.completions = append(r.completions, api.Completion{UserData: op.UserData, Res: int32(newFd)})
	r.cond.Broadcast()
	r.mu.Unlock()
	return true
}

func gather(iov []unix.Iovec) []byte {
	var out []byte
	for _, v := range iov {
		out = append(out, unsafe.Slice(v.Base, int(v.Len))...)
	}
	return out
}

func opTag(userData uint64) uint8 {
	op, _ := api.UnpackUserData(userData)
	return op
}

// htons stores p so the raw sockaddr holds network byte order.
func htons(p uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], p)
	return binary.NativeEndian.Uint16(b[:])
}
