//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub for unsupported platforms: the thread is locked but not bound.

package affinity

import "runtime"

func pinPlatform(cpuID int) error {
	runtime.LockOSThread()
	return nil
}
