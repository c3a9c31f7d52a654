// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package transport provides the socket plumbing under the reactor:
// listening and connecting TCP sockets, per-channel socket options, peer
// address decoding for ACCEPT completions, and vsock dialing for
// co-located VM peers.
package transport
