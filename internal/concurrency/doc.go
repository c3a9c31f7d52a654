// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package concurrency provides the lock-free queues shared between
// producer threads and a single consuming reactor.
package concurrency
