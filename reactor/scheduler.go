// File: reactor/scheduler.go
// Author: momentics <momentics@gmail.com>
//
// Cooperative scheduler: a FIFO of deferred work units run with a
// bounded fairness budget per tick. Reactor thread only.

package reactor

import "github.com/eapache/queue"

// Task is a unit of deferred reactor-thread work.
type Task func()

// tickBudget bounds how many units one tick may run before yielding back
// to the event loop.
const tickBudget = 64

// Scheduler holds work units posted by completion handlers and timers.
type Scheduler struct {
	q *queue.Queue
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{q: queue.New()}
}

// Schedule appends a work unit. Reactor thread only; cross-thread work
// goes through the reactor's public queue instead.
func (s *Scheduler) Schedule(t Task) {
	s.q.Add(t)
}

// Tick runs up to tickBudget units and reports whether more remain. The
// reactor uses the result only as a hint to skip the blocking wait.
func (s *Scheduler) Tick() bool {
	for i := 0; i < tickBudget && s.q.Length() > 0; i++ {
		t := s.q.Remove().(Task)
		t()
	}
	return s.q.Length() > 0
}

// Pending returns the number of queued units.
func (s *Scheduler) Pending() int {
	return s.q.Length()
}
