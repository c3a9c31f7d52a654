//go:build linux
// +build linux

// File: internal/uring/ring.go
// Author: momentics <momentics@gmail.com>
//
// Ring owns one io_uring instance: the mmapped submission and completion
// rings plus the SQE array. All methods except Close are reactor-thread
// only; head/tail words shared with the kernel are accessed with atomics.

package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/api"
)

// Ring implements api.Ring over a real kernel ring.
type Ring struct {
	fd int

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqes      []sqe

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []cqe

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	// staged SQEs not yet handed to the kernel via enter.
	pending uint32

	// asyncThreshold, when positive, marks SQEs with IOSQE_ASYNC once a
	// single submit batch grows past it.
	asyncThreshold uint32
}

var _ api.Ring = (*Ring)(nil)

// New sets up an io_uring of the given entry count.
func New(entries uint32, asyncThreshold int) (*Ring, error) {
	var p setupParams
	fd, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd)}
	if asyncThreshold > 0 {
		r.asyncThreshold = uint32(asyncThreshold)
	}

	sqRingSize := int(p.SQOff.Array + p.SQEntries*4)
	cqRingSize := int(p.CQOff.Cqes + p.CQEntries*uint32(unsafe.Sizeof(cqe{})))

	var err error
	r.sqMem, err = unix.Mmap(r.fd, offSqRing, sqRingSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(r.fd)
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}
	r.cqMem, err = unix.Mmap(r.fd, offCqRing, cqRingSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		unix.Close(r.fd)
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}
	r.sqeMem, err = unix.Mmap(r.fd, offSqes, int(p.SQEntries)*int(unsafe.Sizeof(sqe{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		unix.Close(r.fd)
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqHead = u32ptr(r.sqMem, p.SQOff.Head)
	r.sqTail = u32ptr(r.sqMem, p.SQOff.Tail)
	r.sqMask = *u32ptr(r.sqMem, p.SQOff.RingMask)
	r.sqEntries = p.SQEntries
	r.sqArray = unsafe.Slice(u32ptr(r.sqMem, p.SQOff.Array), p.SQEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqeMem[0])), p.SQEntries)

	r.cqHead = u32ptr(r.cqMem, p.CQOff.Head)
	r.cqTail = u32ptr(r.cqMem, p.CQOff.Tail)
	r.cqMask = *u32ptr(r.cqMem, p.CQOff.RingMask)
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&r.cqMem[p.CQOff.Cqes])), p.CQEntries)

	return r, nil
}

func u32ptr(mem []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// push stages one SQE. Returns false when the submission ring is full.
func (r *Ring) push(op uint8, fd int, addr uint64, length uint32, off uint64, userData uint64) bool {
	head := atomic.LoadUint32(r.sqHead)
	tail := *r.sqTail
	if tail-head >= r.sqEntries {
		return false
	}
	idx := tail & r.sqMask
	e := &r.sqes[idx]
	*e = sqe{
		Opcode:   op,
		Fd:       int32(fd),
		Off:      off,
		Addr:     addr,
		Len:      length,
		UserData: userData,
	}
	if r.asyncThreshold != 0 && r.pending >= r.asyncThreshold {
		e.Flags |= sqeAsync
	}
	r.sqArray[idx] = idx
	atomic.StoreUint32(r.sqTail, tail+1)
	r.pending++
	return true
}

// PushRead stages a READ into buf at offset off.
func (r *Ring) PushRead(fd int, buf []byte, off int, userData uint64) bool {
	if off >= len(buf) {
		return false
	}
	return r.push(opRead, fd,
		uint64(uintptr(unsafe.Pointer(&buf[off]))), uint32(len(buf)-off), 0, userData)
}

// PushWritev stages one gather write over iov.
func (r *Ring) PushWritev(fd int, iov []unix.Iovec, userData uint64) bool {
	if len(iov) == 0 {
		return false
	}
	return r.push(opWritev, fd,
		uint64(uintptr(unsafe.Pointer(&iov[0]))), uint32(len(iov)), 0, userData)
}

// PushAccept stages an ACCEPT; ab receives the peer sockaddr.
func (r *Ring) PushAccept(fd int, ab *api.AcceptBuf, userData uint64) bool {
	ab.Len = uint32(unsafe.Sizeof(ab.Storage))
	return r.push(opAccept, fd,
		uint64(uintptr(unsafe.Pointer(&ab.Storage))), 0,
		uint64(uintptr(unsafe.Pointer(&ab.Len))), userData)
}

func (r *Ring) enter(minComplete uintptr, flags uintptr) (int, error) {
	toSubmit := r.pending
	for {
		n, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(r.fd),
			uintptr(toSubmit), minComplete, flags, 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, fmt.Errorf("io_uring_enter: %w", errno)
		}
		r.pending -= uint32(n)
		return int(n), nil
	}
}

// Submit hands staged SQEs to the kernel without blocking.
func (r *Ring) Submit() (int, error) {
	if r.pending == 0 {
		return 0, nil
	}
	return r.enter(0, 0)
}

// SubmitAndWait hands staged SQEs to the kernel and blocks until at least
// one completion is available.
func (r *Ring) SubmitAndWait() (int, error) {
	return r.enter(1, enterGetevents)
}

// HasCompletions reports whether any CQE is pending.
func (r *Ring) HasCompletions() bool {
	return atomic.LoadUint32(r.cqTail) != atomic.LoadUint32(r.cqHead)
}

// Drain consumes every pending CQE into fn.
func (r *Ring) Drain(fn func(api.Completion)) int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	n := 0
	for ; head != tail; head++ {
		c := &r.cqes[head&r.cqMask]
		fn(api.Completion{UserData: c.UserData, Res: c.Res, Flags: c.Flags})
		n++
	}
	if n > 0 {
		atomic.StoreUint32(r.cqHead, head)
	}
	return n
}

func (r *Ring) unmap() {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.cqMem != nil {
		unix.Munmap(r.cqMem)
		r.cqMem = nil
	}
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
		r.sqMem = nil
	}
}

// Close unmaps the rings and closes the ring fd.
func (r *Ring) Close() error {
	r.unmap()
	return unix.Close(r.fd)
}
