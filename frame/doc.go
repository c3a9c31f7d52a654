// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package frame implements the length-prefixed message buffer exchanged
// between reactors and the request service, and the pooled allocators that
// recycle frame memory. A frame is owned by exactly one holder at a time;
// Release hands it back to the allocator it came from.
package frame
