//go:build linux
// +build linux

// File: reactor/connect.go
// Author: momentics <momentics@gmail.com>
//
// Outbound channels. The connect itself is a blocking connect(2) on the
// caller's thread; registration and the first READ arm happen on the
// reactor thread, completing the returned future.

package reactor

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/api"
	"github.com/momentics/tpcnet/frame"
	"github.com/momentics/tpcnet/transport"
)

// ChannelFuture resolves once an outbound channel is registered on its
// reactor, or fails with the connect error.
type ChannelFuture struct {
	done chan struct{}
	ch   *Channel
	err  error
}

func newChannelFuture() *ChannelFuture {
	return &ChannelFuture{done: make(chan struct{})}
}

func (f *ChannelFuture) complete(ch *Channel, err error) {
	f.ch = ch
	f.err = err
	close(f.done)
}

// Done is closed when the future resolves.
func (f *ChannelFuture) Done() <-chan struct{} { return f.done }

// Await blocks until resolution.
func (f *ChannelFuture) Await() (*Channel, error) {
	<-f.done
	return f.ch, f.err
}

// Connect establishes an outbound TCP channel to addr and binds conn as
// its logical peer. Must not be called from the reactor thread.
func (r *Reactor) Connect(addr string, conn frame.Connection) *ChannelFuture {
	fut := newChannelFuture()
	if !r.running.Load() {
		fut.complete(nil, api.ErrReactorDown)
		return fut
	}

	fd, local, remote, err := transport.ConnectTCP(addr)
	if err != nil {
		fut.complete(nil, err)
		return fut
	}
	sockCfg := transport.SocketConfig{
		TCPNoDelay:        r.cfg.TCPNoDelay,
		TCPQuickAck:       r.cfg.TCPQuickAck,
		ReceiveBufferSize: r.cfg.ReceiveBufferSize,
		SendBufferSize:    r.cfg.SendBufferSize,
	}
	if err := transport.ApplyChannelOptions(fd, sockCfg); err != nil {
		unix.Close(fd)
		fut.complete(nil, err)
		return fut
	}

	r.adopt(fd, local, remote, conn, fut)
	return fut
}

// Adopt registers an already connected socket (for example a vsock fd
// from transport.DialVsock) as a channel on this reactor.
func (r *Reactor) Adopt(fd int, local, remote net.Addr, conn frame.Connection) *ChannelFuture {
	fut := newChannelFuture()
	if !r.running.Load() {
		fut.complete(nil, api.ErrReactorDown)
		return fut
	}
	r.adopt(fd, local, remote, conn, fut)
	return fut
}

func (r *Reactor) adopt(fd int, local, remote net.Addr, conn frame.Connection, fut *ChannelFuture) {
	err := r.Execute(func() {
		ch := newChannel(r.allocID(), fd, r.cfg.ReceiveBufferSize, r.registry)
		ch.localAddr = local
		ch.remoteAddr = remote
		ch.Conn = conn
		r.registerChannel(ch)
		r.log.WithField("remote", remote.String()).Info("channel connected")
		fut.complete(ch, nil)
	})
	if err != nil {
		unix.Close(fd)
		fut.complete(nil, err)
	}
}
