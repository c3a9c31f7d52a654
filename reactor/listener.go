//go:build linux
// +build linux

// File: reactor/listener.go
// Author: momentics <momentics@gmail.com>
//
// Server-socket lifecycle: one listener per bound address, exactly one
// ACCEPT armed per listening socket, re-armed on every completion.

package reactor

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/api"
	"github.com/momentics/tpcnet/transport"
)

// listener is reactor-thread state for one server socket. acceptBuf is
// the kernel-writable sockaddr block reused across ACCEPT re-arms.
type listener struct {
	fd        int
	addr      *net.TCPAddr
	acceptBuf api.AcceptBuf
}

// RegisterAccept binds and listens on addr and arms the first ACCEPT.
// Bind and listen failures surface synchronously; arming happens on the
// reactor thread.
func (r *Reactor) RegisterAccept(addr string) (*net.TCPAddr, error) {
	if !r.running.Load() {
		return nil, api.ErrReactorDown
	}
	fd, bound, err := transport.ListenTCP(addr, r.cfg.ListenBacklog)
	if err != nil {
		return nil, err
	}

	l := &listener{fd: fd, addr: bound}
	if err := r.Execute(func() {
		r.listeners[fd] = l
		r.armAccept(l)
		r.log.WithField("addr", bound.String()).Info("listening")
	}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return bound, nil
}

func (r *Reactor) armAccept(l *listener) {
	if !r.ring.PushAccept(l.fd, &l.acceptBuf, api.PackUserData(api.OpAccept, l.fd)) {
		r.sched.Schedule(func() {
			if _, ok := r.listeners[l.fd]; ok {
				r.armAccept(l)
			}
		})
	}
}

func (r *Reactor) handleAccept(fd int, res int32) {
	l := r.listeners[fd]
	if l == nil {
		return
	}

	if res < 0 {
		r.log.WithFields(logrus.Fields{"fd": fd}).
			WithError(unix.Errno(-res)).Warn("accept failed")
		r.armAccept(l)
		return
	}

	peer := transport.PeerAddr(&l.acceptBuf)
	r.armAccept(l)

	sockCfg := transport.SocketConfig{
		TCPNoDelay:        r.cfg.TCPNoDelay,
		TCPQuickAck:       r.cfg.TCPQuickAck,
		ReceiveBufferSize: r.cfg.ReceiveBufferSize,
		SendBufferSize:    r.cfg.SendBufferSize,
	}
	if err := transport.ApplyChannelOptions(int(res), sockCfg); err != nil {
		r.log.WithError(err).Warn("configure accepted socket")
		unix.Close(int(res))
		return
	}

	ch := newChannel(r.allocID(), int(res), r.cfg.ReceiveBufferSize, r.registry)
	ch.localAddr = l.addr
	ch.remoteAddr = peer
	r.registerChannel(ch)
	r.log.WithFields(logrus.Fields{
		"fd":     ch.fd,
		"remote": fmt.Sprint(peer),
	}).Info("connection accepted")
}
