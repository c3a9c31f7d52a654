// File: frame/frame.go
// Author: momentics <momentics@gmail.com>
//
// Frame is a contiguous message buffer with independent producer and
// consumer cursors. Wire layout: size:u32 BE | flags:u32 BE | payload,
// where size counts the full frame including the 8-byte header.

package frame

import "encoding/binary"

const (
	// HeaderSize is the fixed frame prefix: size word plus flags word.
	HeaderSize = 8

	// FlagOpResponse marks a frame as a response; the parser chains such
	// frames instead of dispatching them to the request handler.
	FlagOpResponse uint32 = 1 << 0
)

// Connection is the logical peer identity bound to a frame. The reactor
// treats it as opaque service state.
type Connection interface {
	// Closed is invoked once by the owning reactor when the channel the
	// connection rides on leaves service. err is nil on a clean close.
	Closed(err error)
}

// releaser recycles a frame's memory. Both allocator variants implement it.
type releaser interface {
	release(f *Frame)
}

// Frame invariants: 0 <= rpos <= wpos <= cap(buf). The flags word is
// read-only once the 8-byte header has been written.
type Frame struct {
	buf   []byte
	wpos  int
	rpos  int
	alloc releaser
	class int

	// Next builds response chains; single-linked, nil-terminated.
	Next *Frame

	// Conn is the logical peer; bound by the parser on inbound frames.
	Conn Connection

	// ChannelID identifies the bound transport inside its owning reactor.
	ChannelID uint32
}

// New returns an unpooled frame with the given capacity. Pooled frames
// come from an Allocator instead.
func New(capacity int) *Frame {
	return &Frame{buf: make([]byte, capacity)}
}

// Capacity returns the size of the backing buffer.
func (f *Frame) Capacity() int { return cap(f.buf) }

// Position returns the producer cursor.
func (f *Frame) Position() int { return f.wpos }

// Remaining returns the bytes written but not yet consumed.
func (f *Frame) Remaining() int { return f.wpos - f.rpos }

// Size returns the declared total frame size, or 0 while fewer than four
// bytes have been written.
func (f *Frame) Size() int {
	if f.wpos < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(f.buf[0:4]))
}

// Flags returns the flags word. Valid once the header is complete.
func (f *Frame) Flags() uint32 {
	if f.wpos < HeaderSize {
		return 0
	}
	return binary.BigEndian.Uint32(f.buf[4:8])
}

// IsFlagRaised reports whether all bits of flag are set.
func (f *Frame) IsFlagRaised(flag uint32) bool {
	return f.Flags()&flag == flag
}

// Complete reports whether the producer cursor reached the declared size.
func (f *Frame) Complete() bool {
	return f.wpos >= HeaderSize && f.wpos == f.Size()
}

// WriteHeader writes the size and flags words and positions the producer
// cursor after them.
func (f *Frame) WriteHeader(size int, flags uint32) {
	binary.BigEndian.PutUint32(f.buf[0:4], uint32(size))
	binary.BigEndian.PutUint32(f.buf[4:8], flags)
	f.wpos = HeaderSize
}

// Write copies p at the producer cursor, bounded by the declared size,
// and returns the number of bytes taken.
func (f *Frame) Write(p []byte) int {
	n := copy(f.buf[f.wpos:f.Size()], p)
	f.wpos += n
	return n
}

// WriteUint32 appends v big-endian at the producer cursor.
func (f *Frame) WriteUint32(v uint32) {
	binary.BigEndian.PutUint32(f.buf[f.wpos:f.wpos+4], v)
	f.wpos += 4
}

// Bytes returns the written, unconsumed region.
func (f *Frame) Bytes() []byte { return f.buf[f.rpos:f.wpos] }

// Payload returns the written bytes after the header.
func (f *Frame) Payload() []byte {
	if f.wpos <= HeaderSize {
		return nil
	}
	return f.buf[HeaderSize:f.wpos]
}

// AdvanceRead moves the consumer cursor forward by n.
func (f *Frame) AdvanceRead(n int) { f.rpos += n }

// Rewind resets the consumer cursor so the full frame is readable again.
// The parser calls this when finalizing an inbound frame for its consumer.
func (f *Frame) Rewind() { f.rpos = 0 }

// Reset clears cursors, chain link and bindings for pool reuse.
func (f *Frame) Reset() {
	f.wpos = 0
	f.rpos = 0
	f.Next = nil
	f.Conn = nil
	f.ChannelID = 0
}

// Release returns the frame to its allocator. Unpooled frames are dropped
// for the GC to collect. The frame must not be touched afterwards.
func (f *Frame) Release() {
	if f.alloc != nil {
		f.alloc.release(f)
	}
}
