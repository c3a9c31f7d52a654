//go:build linux
// +build linux

// File: transport/vsock.go
// Author: momentics <momentics@gmail.com>
//
// Vsock dialing for co-located VM peers. The dialed connection's fd is
// duplicated out of the net.Conn so a reactor can adopt it as an
// ordinary channel.

package transport

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

// vsockAddr names a vsock endpoint in logs and channel metadata.
type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a *vsockAddr) Network() string { return "vsock" }
func (a *vsockAddr) String() string  { return fmt.Sprintf("vsock(%d):%d", a.cid, a.port) }

// DialVsock connects to contextID:port and returns an owned duplicate of
// the connection's fd plus its endpoint addresses. The original net.Conn
// is closed before returning.
func DialVsock(contextID, port uint32) (int, *vsockAddr, *vsockAddr, error) {
	conn, err := vsock.Dial(contextID, port, nil)
	if err != nil {
		return -1, nil, nil, fmt.Errorf("vsock dial %d:%d: %w", contextID, port, err)
	}

	sc, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return -1, nil, nil, fmt.Errorf("vsock raw conn: %w", err)
	}

	dup := -1
	var dupErr error
	if err := sc.Control(func(fd uintptr) {
		dup, dupErr = unix.Dup(int(fd))
	}); err != nil {
		conn.Close()
		return -1, nil, nil, fmt.Errorf("vsock control: %w", err)
	}
	if dupErr != nil {
		conn.Close()
		return -1, nil, nil, fmt.Errorf("vsock dup: %w", dupErr)
	}

	local := addrOfVsock(conn.LocalAddr())
	remote := addrOfVsock(conn.RemoteAddr())
	conn.Close()
	return dup, local, remote, nil
}

// LocalContextID returns this machine's vsock context id.
func LocalContextID() (uint32, error) {
	return vsock.ContextID()
}

func addrOfVsock(a net.Addr) *vsockAddr {
	if va, ok := a.(*vsock.Addr); ok {
		return &vsockAddr{cid: va.ContextID, port: va.Port}
	}
	return &vsockAddr{}
}
