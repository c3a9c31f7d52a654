//go:build linux
// +build linux

// File: internal/uring/eventfd.go
// Author: momentics <momentics@gmail.com>
//
// Blocking eventfd used for cross-thread reactor wakeups. The reactor
// keeps one READ armed against this fd at all times.

package uring

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// NewEventFD returns a blocking eventfd with a zero counter.
func NewEventFD() (int, error) {
	return unix.Eventfd(0, 0)
}

// EventFDWrite adds one to the eventfd counter, completing any armed READ.
func EventFDWrite(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	return err
}
