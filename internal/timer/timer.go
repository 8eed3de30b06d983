package timer

import (
	"container/heap"
	"time"
)

// ID identifies a timer entry. The zero ID is never issued.
type ID uint64

type entry struct {
	id        ID
	deadline  time.Time
	interval  time.Duration
	fn        func()
	seq       uint64
	cancelled bool
}

// entryHeap is a min-heap ordered by deadline, then by insertion sequence so that
// entries sharing a deadline fire in the order they were added.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Table is a process-wide table of deadline -> callback.
// It is not safe for concurrent use; the owning event loop serializes access.
type Table struct {
	now     func() time.Time
	heap    entryHeap
	live    map[ID]*entry
	lastID  ID
	lastSeq uint64
}

// New returns an empty table. A nil clock defaults to time.Now.
func New(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{now: now, live: make(map[ID]*entry)}
}

// Add schedules fn to run after d. When repeat is true the entry is re-armed
// every d until cancelled; a repeating entry requires d > 0.
func (t *Table) Add(d time.Duration, repeat bool, fn func()) ID {
	if d < 0 {
		d = 0
	}
	t.lastID++
	t.lastSeq++
	e := &entry{
		id:       t.lastID,
		deadline: t.now().Add(d),
		fn:       fn,
		seq:      t.lastSeq,
	}
	if repeat && d > 0 {
		e.interval = d
	}
	t.live[e.id] = e
	heap.Push(&t.heap, e)
	return e.id
}

// Cancel removes the entry. It reports whether the entry was still pending.
// A cancelled entry never fires, even if it is already due in the current Fire pass.
func (t *Table) Cancel(id ID) bool {
	e, ok := t.live[id]
	if !ok {
		return false
	}
	e.cancelled = true
	delete(t.live, id)
	return true
}

// Len returns the number of pending entries.
func (t *Table) Len() int { return len(t.live) }

// Clear cancels every pending entry.
func (t *Table) Clear() {
	for id, e := range t.live {
		e.cancelled = true
		delete(t.live, id)
	}
	t.heap = t.heap[:0]
}

// Next returns the earliest pending deadline.
func (t *Table) Next() (time.Time, bool) {
	for t.heap.Len() > 0 {
		top := t.heap[0]
		if !top.cancelled {
			return top.deadline, true
		}
		heap.Pop(&t.heap)
	}
	return time.Time{}, false
}

// Until returns how long until the earliest deadline, clamped at zero.
func (t *Table) Until() (time.Duration, bool) {
	next, ok := t.Next()
	if !ok {
		return 0, false
	}
	d := next.Sub(t.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Fire runs every entry due at now, in non-decreasing deadline order, and returns
// how many callbacks ran. Callbacks may add or cancel entries.
func (t *Table) Fire(now time.Time) int {
	fired := 0
	for t.heap.Len() > 0 {
		top := t.heap[0]
		if top.cancelled {
			heap.Pop(&t.heap)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&t.heap)
		if top.interval > 0 {
			next := top.deadline.Add(top.interval)
			if !next.After(now) {
				next = now.Add(top.interval)
			}
			top.deadline = next
			t.lastSeq++
			top.seq = t.lastSeq
			heap.Push(&t.heap, top)
		} else {
			delete(t.live, top.id)
		}
		fired++
		top.fn()
	}
	return fired
}
