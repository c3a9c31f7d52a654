// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations
// live in separate files guarded by build tags.

package affinity

// Pin locks the calling goroutine's OS thread and binds it to a logical
// CPU. cpuID < 0 locks the thread without binding it to a core.
func Pin(cpuID int) error {
	return pinPlatform(cpuID)
}
