// File: api/service.go
// Author: momentics <momentics@gmail.com>
//
// Contract for the co-located request service sitting above the reactor.

package api

import "github.com/momentics/tpcnet/frame"

// RequestService correlates responses and dispatches requests. Both
// callbacks run on the reactor thread and must not block; work that needs
// to wait reschedules itself via the reactor's task queue.
type RequestService interface {
	// HandleRequest receives one complete inbound request frame.
	// Ownership of the frame transfers to the service.
	HandleRequest(f *frame.Frame)

	// HandleResponses receives a chain of response frames linked through
	// their Next slots, ordered by arrival of their final bytes.
	HandleResponses(chain *frame.Frame)
}
