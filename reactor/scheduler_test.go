package reactor

import "testing"

func TestSchedulerTickBudget(t *testing.T) {
	s := NewScheduler()
	ran := 0
	for i := 0; i < tickBudget+10; i++ {
		s.Schedule(func() { ran++ })
	}

	if more := s.Tick(); !more {
		t.Fatal("tick must report more work past the budget")
	}
	if ran != tickBudget {
		t.Fatalf("ran %d units, want %d", ran, tickBudget)
	}

	if more := s.Tick(); more {
		t.Fatal("tick must report no more work once drained")
	}
	if ran != tickBudget+10 {
		t.Fatalf("ran %d units, want %d", ran, tickBudget+10)
	}
}

func TestSchedulerReschedule(t *testing.T) {
	s := NewScheduler()
	hops := 0
	var hop func()
	hop = func() {
		hops++
		if hops < 3 {
			s.Schedule(hop)
		}
	}
	s.Schedule(hop)

	for s.Tick() {
	}
	if hops != 3 {
		t.Fatalf("hops = %d, want 3", hops)
	}
}
