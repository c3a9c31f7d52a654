//go:build linux
// +build linux

// File: reactor/channel.go
// Author: momentics <momentics@gmail.com>
//
// Channel is the per-connection transport: one socket fd, the inbound
// parser state, and the outbound queue feeding the gather-write path.
// Cursors, the inbound frame and the staged IoVector are reactor-thread
// only; unflushed and the dirty flag are the shared edge producers
// touch.

package reactor

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/api"
	"github.com/momentics/tpcnet/frame"
	"github.com/momentics/tpcnet/internal/concurrency"
)

// Channel owns one peer socket. Instances are created by the owning
// reactor on accept or connect and must not be constructed directly.
type Channel struct {
	id int
	fd int

	localAddr  net.Addr
	remoteAddr net.Addr

	// Conn is the logical peer the request service bound to this channel.
	Conn frame.Connection

	// receive side; reactor thread only
	recvBuf []byte
	recvW   int
	recvR   int
	inbound *frame.Frame

	// outbound side; the staged IoVector holds the flushed frames until
	// their WRITEV completes
	unflushed *concurrency.MPSC[*frame.Frame] // producer-facing
	dirty     *atomic.Bool                    // true iff scheduled for flush
	iov       IoVector
	inflight  []unix.Iovec // keeps WRITEV memory live until completion
	writing   bool         // one WRITEV outstanding at most

	closed *atomic.Bool

	bytesRead    metrics.Counter
	bytesWritten metrics.Counter
	framesRead   metrics.Counter
	readEvents   metrics.Counter
}

func newChannel(id, fd int, recvSize int, reg metrics.Registry) *Channel {
	ch := &Channel{
		id:        id,
		fd:        fd,
		recvBuf:   make([]byte, recvSize),
		unflushed: concurrency.NewMPSC[*frame.Frame](),
		dirty:     atomic.NewBool(false),
		closed:    atomic.NewBool(false),
	}
	prefix := fmt.Sprintf("channel.%d.", id)
	ch.bytesRead = metrics.NewRegisteredCounter(prefix+"bytesRead", reg)
	ch.bytesWritten = metrics.NewRegisteredCounter(prefix+"bytesWritten", reg)
	ch.framesRead = metrics.NewRegisteredCounter(prefix+"framesRead", reg)
	ch.readEvents = metrics.NewRegisteredCounter(prefix+"readEvents", reg)
	return ch
}

// ID returns the channel's identity handle within its reactor.
func (ch *Channel) ID() uint32 { return uint32(ch.id) }

// Fd returns the socket file descriptor.
func (ch *Channel) Fd() int { return ch.fd }

// LocalAddr returns the bound local address.
func (ch *Channel) LocalAddr() net.Addr { return ch.localAddr }

// RemoteAddr returns the peer address.
func (ch *Channel) RemoteAddr() net.Addr { return ch.remoteAddr }

// Closed reports whether the channel left its reactor's registry.
func (ch *Channel) Closed() bool { return ch.closed.Load() }

// BytesRead returns the total bytes received.
func (ch *Channel) BytesRead() int64 { return ch.bytesRead.Count() }

// BytesWritten returns the total bytes written to the wire.
func (ch *Channel) BytesWritten() int64 { return ch.bytesWritten.Count() }

// FramesRead returns the count of complete inbound frames.
func (ch *Channel) FramesRead() int64 { return ch.framesRead.Count() }

// parse reassembles frames from recvBuf[recvR:recvW]. Complete requests
// dispatch through onRequest; responses accumulate into a chain returned
// to the caller for one batched hand-off. A framing violation returns an
// error and the caller closes the channel.
func (ch *Channel) parse(alloc *frame.Allocator, maxFrame int, onRequest func(*frame.Frame)) (*frame.Frame, error) {
	var responseChain *frame.Frame
	var chainTail *frame.Frame

	for {
		if ch.inbound == nil {
			if ch.recvW-ch.recvR < frame.HeaderSize {
				break
			}
			size := int(binary.BigEndian.Uint32(ch.recvBuf[ch.recvR:]))
			flags := binary.BigEndian.Uint32(ch.recvBuf[ch.recvR+4:])
			if size < frame.HeaderSize {
				return responseChain, fmt.Errorf("inbound frame size %d: %w", size, api.ErrProtocol)
			}
			if size > maxFrame {
				return responseChain, fmt.Errorf("inbound frame size %d: %w", size, api.ErrFrameTooLarge)
			}
			ch.recvR += frame.HeaderSize
			f := alloc.Allocate(size)
			f.WriteHeader(size, flags)
			f.Conn = ch.Conn
			f.ChannelID = uint32(ch.id)
			ch.inbound = f
		}

		n := ch.inbound.Write(ch.recvBuf[ch.recvR:ch.recvW])
		ch.recvR += n

		if !ch.inbound.Complete() {
			break
		}

		f := ch.inbound
		ch.inbound = nil
		f.Rewind()
		ch.framesRead.Inc(1)

		if f.IsFlagRaised(frame.FlagOpResponse) {
			// append so the chain preserves arrival order
			if chainTail == nil {
				responseChain = f
			} else {
				chainTail.Next = f
			}
			chainTail = f
		} else {
			onRequest(f)
		}
	}

	ch.compactRecvBuf()
	return responseChain, nil
}

// compactRecvBuf discards the consumed prefix of the receive buffer.
func (ch *Channel) compactRecvBuf() {
	if ch.recvR == 0 {
		return
	}
	if ch.recvR == ch.recvW {
		ch.recvR = 0
		ch.recvW = 0
		return
	}
	n := copy(ch.recvBuf, ch.recvBuf[ch.recvR:ch.recvW])
	ch.recvR = 0
	ch.recvW = n
}

// releaseOutbound drops every queued outbound frame and the in-flight
// vector on close.
func (ch *Channel) releaseOutbound() {
	ch.iov.Release()
	ch.unflushed.Drain(func(f *frame.Frame) { f.Release() })
	ch.inflight = nil
}
