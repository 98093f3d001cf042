package engine

import (
	"testing"
	"time"
)

func TestDelayQueue_Order(t *testing.T) {
	var q delayQueue
	base := time.Now()

	q.push(&ScheduledTask{ResourceID: 1, Due: base.Add(30 * time.Millisecond)})
	q.push(&ScheduledTask{ResourceID: 2, Due: base.Add(10 * time.Millisecond)})
	q.push(&ScheduledTask{ResourceID: 3, Due: base.Add(10 * time.Millisecond)})
	q.push(&ScheduledTask{ResourceID: 4, Due: base})

	if got := q.peek().ResourceID; got != 4 {
		t.Fatalf("peek() = %d, want 4", got)
	}

	// Equal due times pop in submission order.
	want := []ResourceID{4, 2, 3, 1}
	for i, id := range want {
		task := q.pop()
		if task == nil || task.ResourceID != id {
			t.Fatalf("pop() #%d = %v, want %d", i, task, id)
		}
	}
	if q.pop() != nil || q.peek() != nil {
		t.Error("empty queue should return nil")
	}
}

func TestDelayQueue_Remove(t *testing.T) {
	var q delayQueue
	base := time.Now()

	tasks := make([]*ScheduledTask, 5)
	for i := range tasks {
		tasks[i] = &ScheduledTask{ResourceID: ResourceID(i + 1), Due: base.Add(time.Duration(i) * time.Millisecond)}
		q.push(tasks[i])
	}

	if !q.remove(tasks[2]) {
		t.Fatal("remove() of queued task = false")
	}
	if q.remove(tasks[2]) {
		t.Error("second remove() = true, want false")
	}
	if q.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", q.Len())
	}

	popped := q.pop()
	if q.remove(popped) {
		t.Error("remove() of popped task = true, want false")
	}

	want := []ResourceID{2, 4, 5}
	for _, id := range want {
		if got := q.pop().ResourceID; got != id {
			t.Errorf("pop() = %d, want %d", got, id)
		}
	}
}

func TestDelayQueue_Clear(t *testing.T) {
	var q delayQueue
	first := &ScheduledTask{ResourceID: 1, Due: time.Now()}
	q.push(first)
	q.push(&ScheduledTask{ResourceID: 2, Due: time.Now()})

	cleared := q.clear()
	if len(cleared) != 2 || q.Len() != 0 {
		t.Fatalf("clear() returned %d tasks, Len() = %d", len(cleared), q.Len())
	}
	if q.remove(first) {
		t.Error("remove() after clear() = true, want false")
	}
}
