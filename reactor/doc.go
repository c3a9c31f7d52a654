// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the thread-per-core event loop: a
// single-threaded reactor pinned to one CPU that owns sockets, drives
// I/O through an io_uring submission/completion pair, reassembles
// length-prefixed frames off the wire and batches outbound frames into
// gather writes. External threads talk to a reactor only through its
// public task queue, channel unflushed queues and the eventfd wakeup.
package reactor
