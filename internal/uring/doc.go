// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package uring is the thin Linux io_uring binding behind api.Ring: ring
// setup and mmap, SQE staging for the four operations the reactor
// submits, enter-based submission, and completion draining. It knows
// nothing about channels or frames.
package uring
