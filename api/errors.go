// File: api/errors.go
// Author: momentics <momentics@gmail.com>
//
// Sentinel errors shared across the reactor packages. Errors wrap these
// with %w so callers branch with errors.Is.

package api

import "errors"

var (
	// ErrChannelClosed is returned when an operation targets a channel
	// that already left the reactor's registry.
	ErrChannelClosed = errors.New("channel closed")

	// ErrPeerClosed names a clean remote close (READ completed with 0).
	// The reactor reports such a close to Connection.Closed as a nil
	// error, not as this value.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrProtocol marks a framing violation; the channel is closed.
	ErrProtocol = errors.New("protocol violation")

	// ErrRingFull signals a full submission queue; the reactor backs off
	// one tick and retries.
	ErrRingFull = errors.New("submission queue full")

	// ErrReactorDown is returned for operations posted to a reactor that
	// is shutting down or already stopped.
	ErrReactorDown = errors.New("reactor is not running")

	// ErrFrameTooLarge marks an inbound frame whose declared size exceeds
	// the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)
