// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package api defines the contracts between the per-core reactor and its
// collaborators: the thin submission/completion ring abstraction, the
// co-located request service, and the sentinel errors shared across the
// reactor packages.
package api
