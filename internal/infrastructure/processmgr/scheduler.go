package processmgr

import (
	"container/heap"
	"time"
)

// schedEvent represents one scheduled restart-backoff wakeup for a lineage.
// index is required for heap.Fix + O(log n) removals.
type schedEvent struct {
	lineage string
	when    time.Time
	index   int
}

// Scheduler is a heap-ordered set of pending restart-backoff wakeups, one
// per lineage (spec.md §4.4.4: `delay = BASE_BACKOFF * 2^attempts`). It
// mirrors the teacher's scheduler.go, re-keyed from int64 PID to the
// string lineage (project_path) the Instance Manager's restart path uses.
type Scheduler struct {
	h       eventHeap
	entries map[string]*schedEvent
}

// NewScheduler constructs an empty scheduler.
func NewScheduler() *Scheduler {
	h := eventHeap{}
	heap.Init(&h)
	return &Scheduler{
		h:       h,
		entries: make(map[string]*schedEvent),
	}
}

// Push schedules (or reschedules) a wakeup for lineage at when.
func (s *Scheduler) Push(lineage string, when time.Time) {
	if old, ok := s.entries[lineage]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, lineage)
	}
	ev := &schedEvent{lineage: lineage, when: when}
	s.entries[lineage] = ev
	heap.Push(&s.h, ev)
}

// Next returns the soonest pending event without removing it.
func (s *Scheduler) Next() (lineage string, when time.Time, ok bool) {
	if len(s.h) == 0 {
		return "", time.Time{}, false
	}
	ev := s.h[0]
	return ev.lineage, ev.when, true
}

// Pop removes the head event unconditionally.
func (s *Scheduler) Pop() {
	if len(s.h) == 0 {
		return
	}
	ev := heap.Pop(&s.h).(*schedEvent)
	delete(s.entries, ev.lineage)
}

// Remove deletes the pending event for lineage, if any.
func (s *Scheduler) Remove(lineage string) {
	ev, ok := s.entries[lineage]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, lineage)
}

// --- heap internals ---------------------------------------------------------

type eventHeap []*schedEvent

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	ev := x.(*schedEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}
