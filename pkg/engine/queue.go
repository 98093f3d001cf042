package engine

import "container/heap"

// delayQueue is a min-heap of scheduled tasks ordered by due time, then by
// submission order. It is not safe for concurrent use; the scheduler guards
// it with its mutex.
type delayQueue struct {
	tasks []*ScheduledTask
	seq   uint64
}

var _ heap.Interface = (*delayQueue)(nil)

func (q *delayQueue) Len() int { return len(q.tasks) }

func (q *delayQueue) Less(i, j int) bool {
	a, b := q.tasks[i], q.tasks[j]
	if a.Due.Equal(b.Due) {
		return a.seq < b.seq
	}
	return a.Due.Before(b.Due)
}

func (q *delayQueue) Swap(i, j int) {
	q.tasks[i], q.tasks[j] = q.tasks[j], q.tasks[i]
	q.tasks[i].index = i
	q.tasks[j].index = j
}

func (q *delayQueue) Push(x interface{}) {
	t := x.(*ScheduledTask)
	t.index = len(q.tasks)
	q.tasks = append(q.tasks, t)
}

func (q *delayQueue) Pop() interface{} {
	old := q.tasks
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	q.tasks = old[:n-1]
	return t
}

// push adds a task and stamps its submission order.
func (q *delayQueue) push(t *ScheduledTask) {
	q.seq++
	t.seq = q.seq
	heap.Push(q, t)
}

// peek returns the earliest task without removing it.
func (q *delayQueue) peek() *ScheduledTask {
	if len(q.tasks) == 0 {
		return nil
	}
	return q.tasks[0]
}

// pop removes and returns the earliest task.
func (q *delayQueue) pop() *ScheduledTask {
	if len(q.tasks) == 0 {
		return nil
	}
	return heap.Pop(q).(*ScheduledTask)
}

// remove deletes t from the queue if it is still queued.
func (q *delayQueue) remove(t *ScheduledTask) bool {
	if t.index < 0 || t.index >= len(q.tasks) || q.tasks[t.index] != t {
		return false
	}
	heap.Remove(q, t.index)
	return true
}

// clear drops every queued task and returns them.
func (q *delayQueue) clear() []*ScheduledTask {
	out := q.tasks
	for _, t := range out {
		t.index = -1
	}
	q.tasks = nil
	return out
}
