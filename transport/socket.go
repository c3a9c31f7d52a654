//go:build linux
// +build linux

// File: transport/socket.go
// Author: momentics <momentics@gmail.com>
//
// Raw TCP socket lifecycle: listen, blocking connect, channel socket
// options, and sockaddr decoding for accept completions.

package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/tpcnet/api"
)

// SocketConfig carries the per-socket options applied at accept and
// connect time.
type SocketConfig struct {
	TCPNoDelay        bool
	TCPQuickAck       bool
	ReceiveBufferSize int
	SendBufferSize    int
}

// ListenTCP binds and listens a blocking TCP socket and returns its fd.
func ListenTCP(addr string, backlog int) (int, *net.TCPAddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	family, sa, err := sockaddrOf(tcpAddr)
	if err != nil {
		return -1, nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	bound, err := localTCPAddr(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, bound, nil
}

// ConnectTCP performs a blocking connect and returns the connected fd
// with its endpoint addresses.
func ConnectTCP(addr string) (int, *net.TCPAddr, *net.TCPAddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	family, sa, err := sockaddrOf(tcpAddr)
	if err != nil {
		return -1, nil, nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	local, err := localTCPAddr(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, nil, err
	}
	return fd, local, tcpAddr, nil
}

// ApplyChannelOptions configures an accepted or connected socket.
func ApplyChannelOptions(fd int, cfg SocketConfig) error {
	if cfg.TCPNoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
		}
	}
	if cfg.TCPQuickAck {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1); err != nil {
			return fmt.Errorf("setsockopt TCP_QUICKACK: %w", err)
		}
	}
	if cfg.ReceiveBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBufferSize); err != nil {
			return fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
		}
	}
	if cfg.SendBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufferSize); err != nil {
			return fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
		}
	}
	return nil
}

// PeerAddr decodes the sockaddr an ACCEPT completion wrote into ab.
func PeerAddr(ab *api.AcceptBuf) net.Addr {
	switch ab.Storage.Addr.Family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&ab.Storage))
		return &net.TCPAddr{
			IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
			Port: int(ntohs(sa.Port)),
		}
	case unix.AF_INET6:
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&ab.Storage))
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: int(ntohs(sa.Port))}
	case unix.AF_VSOCK:
		sa := (*unix.RawSockaddrVM)(unsafe.Pointer(&ab.Storage))
		return &vsockAddr{cid: sa.Cid, port: sa.Port}
	default:
		return nil
	}
}

func sockaddrOf(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, fmt.Errorf("unsupported address %v", addr.IP)
}

func localTCPAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}, nil
	default:
		return nil, fmt.Errorf("unexpected sockaddr %T", sa)
	}
}

// ntohs converts a raw sockaddr port from network order.
func ntohs(p uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], p)
	return binary.BigEndian.Uint16(b[:])
}
