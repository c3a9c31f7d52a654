// File: api/ring.go
// Author: momentics <momentics@gmail.com>
//
// Thin abstraction over an io_uring submission/completion queue pair.
// The reactor only submits four operation kinds and drains completions;
// everything else about the ring (mmap layout, SQE encoding, enter flags)
// stays behind this interface. The production binding lives in
// internal/uring; fake.Ring implements the same contract in-process.

package api

import "golang.org/x/sys/unix"

// Op tags carried in the upper half of an SQE's user data. The completion
// dispatcher branches on these, never on raw kernel opcodes.
const (
	OpRead uint8 = iota + 1
	OpWritev
	OpAccept
	OpEventfdRead
)

// PackUserData encodes an op tag and the target fd into SQE user data.
func PackUserData(op uint8, fd int) uint64 {
	return uint64(op)<<32 | uint64(uint32(fd))
}

// UnpackUserData splits user data back into op tag and fd.
func UnpackUserData(ud uint64) (op uint8, fd int) {
	return uint8(ud >> 32), int(int32(uint32(ud)))
}

// Completion is one drained CQE.
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// AcceptBuf is the kernel-writable accept memory block: a sockaddr_storage
// plus its length field, registered once per listener and reused across
// ACCEPT re-arms.
type AcceptBuf struct {
	Storage unix.RawSockaddrAny
	Len     uint32
}

// Ring is the submission/completion surface the reactor drives. Push
// methods stage one SQE and report false when the submission queue is
// full; the reactor backs off one tick and retries. Only the owning
// reactor thread may call any method except Close.
type Ring interface {
	// PushRead stages a READ of len(buf[off:]) bytes into buf at off.
	PushRead(fd int, buf []byte, off int, userData uint64) bool

	// PushWritev stages one gather write over iov. The iovec slice must
	// stay live and unmodified until the completion arrives.
	PushWritev(fd int, iov []unix.Iovec, userData uint64) bool

	// PushAccept stages an ACCEPT on a listening socket.
	PushAccept(fd int, ab *AcceptBuf, userData uint64) bool

	// Submit flushes staged SQEs without blocking.
	Submit() (int, error)

	// SubmitAndWait flushes staged SQEs and blocks until at least one
	// completion is available.
	SubmitAndWait() (int, error)

	// HasCompletions reports whether the completion queue is non-empty.
	HasCompletions() bool

	// Drain invokes fn for every pending completion and returns the count.
	Drain(fn func(Completion)) int

	// Close tears the ring down. Outstanding SQEs are abandoned.
	Close() error
}
