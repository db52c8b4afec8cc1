// Package completion carries flash operation results from the device worker
// to the store's poll loop.
package completion

import (
	"sync"
	"sync/atomic"
	"time"
)

// Op identifies the kind of page operation.
type Op int

const (
	// OpStore is a queued erase+program of the primary page.
	OpStore Op = iota

	// OpProgram is a direct program that bypasses the queue.
	OpProgram
)

// String returns the string representation of the op.
func (o Op) String() string {
	switch o {
	case OpStore:
		return "store"
	case OpProgram:
		return "program"
	default:
		return "unknown"
	}
}

// Event is the result of one page operation.
type Event struct {
	Seq      uint64
	Op       Op
	Size     int
	Swapped  bool // a swap snapshot was taken before the write
	Duration time.Duration
	Err      error
}

// Failed reports whether the operation failed.
func (e Event) Failed() bool {
	return e.Err != nil
}

// Queue is a bounded FIFO of events. One producer (the device worker) and
// one consumer (the poll loop) share it.
type Queue struct {
	mu       sync.Mutex
	data     []Event
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64
	capacity int64

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// New creates a new Queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 16
	}
	return &Queue{
		data:     make([]Event, capacity),
		capacity: int64(capacity),
	}
}

// Push adds an event to the queue.
// Returns false if the queue is full and the event was dropped.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		q.dropCount.Add(1)
		return false
	}

	idx := q.head % q.capacity
	q.data[idx] = ev
	q.head++
	q.count++
	q.pushCount.Add(1)

	return true
}

// Pop removes and returns the oldest event.
// Returns false if the queue is empty.
func (q *Queue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return Event{}, false
	}

	idx := q.tail % q.capacity
	ev := q.data[idx]
	q.data[idx] = Event{}
	q.tail++
	q.count--
	q.popCount.Add(1)

	return ev, true
}

// Drain pops every queued event, oldest first, and passes it to fn.
// Returns the number of events drained.
func (q *Queue) Drain(fn func(Event)) int {
	n := 0
	for {
		ev, ok := q.Pop()
		if !ok {
			return n
		}
		fn(ev)
		n++
	}
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Capacity:  int(q.capacity),
		Count:     int(q.count),
		PushCount: q.pushCount.Load(),
		PopCount:  q.popCount.Load(),
		DropCount: q.dropCount.Load(),
	}
}

// Stats holds queue statistics.
type Stats struct {
	Capacity  int
	Count     int
	PushCount int64
	PopCount  int64
	DropCount int64
}
