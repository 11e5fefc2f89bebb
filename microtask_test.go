package phaseloop

import "testing"

func TestMicroQueueFIFOAcrossGrowth(t *testing.T) {
	var q microQueue

	var got []int
	for i := 0; i < 200; i++ {
		i := i
		q.Push(func() { got = append(got, i) })
	}
	if q.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", q.Len())
	}

	for {
		fn := q.Pop()
		if fn == nil {
			break
		}
		fn()
	}

	if len(got) != 200 {
		t.Fatalf("drained %d tasks, want 200", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order violated at %d: got %d", i, v)
		}
	}
}

func TestMicroQueueWrapAround(t *testing.T) {
	var q microQueue

	// Interleave pushes and pops so head/tail wrap the ring repeatedly.
	next := 0
	expect := 0
	for round := 0; round < 50; round++ {
		for i := 0; i < 7; i++ {
			v := next
			next++
			q.Push(func() { _ = v })
		}
		for i := 0; i < 5; i++ {
			if fn := q.Pop(); fn == nil {
				t.Fatalf("round %d: queue unexpectedly empty", round)
			}
			expect++
		}
	}
	if q.Len() != next-expect {
		t.Errorf("Len() = %d, want %d", q.Len(), next-expect)
	}
}

func TestMicroQueuePopEmpty(t *testing.T) {
	var q microQueue
	if fn := q.Pop(); fn != nil {
		t.Error("Pop on empty queue returned a task")
	}
	if !q.Empty() {
		t.Error("Empty() = false for empty queue")
	}
}

func TestMicrotaskBudgetCarriesOver(t *testing.T) {
	// A checkpoint drains at most the budget; the remainder must survive to
	// the next checkpoint rather than being dropped.
	l, err := New(WithMicrotaskBudget(4))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ran := 0
	for i := 0; i < 10; i++ {
		l.micro.Push(func() { ran++ })
	}

	l.drainMicrotasks()
	if ran != 4 {
		t.Fatalf("first checkpoint ran %d, want 4", ran)
	}
	if n := l.micro.Len(); n != 6 {
		t.Fatalf("remainder = %d, want 6", n)
	}

	l.drainMicrotasks()
	l.drainMicrotasks()
	if ran != 10 {
		t.Errorf("total ran = %d, want 10", ran)
	}
}
