package pipeline

import (
	"container/heap"
	"sync"
)

// FlushSeq identifies one dispatched flush. Sequence numbers are assigned in
// dispatch order, which is the protocol order of the records they carry.
type FlushSeq uint64

// seqHeap implements heap.Interface for FlushSeq.
type seqHeap []FlushSeq

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) {
	*h = append(*h, x.(FlushSeq))
}

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Tracker records which flushes have committed. The safe sequence only
// advances over a contiguous run of completed flushes, so a checkpoint can
// never pass a failed or still-running flush even when flushes for
// different streams complete out of order.
type Tracker struct {
	mu       sync.Mutex
	inflight seqHeap
	done     map[FlushSeq]bool
	lastSafe FlushSeq
	next     FlushSeq
}

func NewTracker() *Tracker {
	t := &Tracker{
		inflight: make(seqHeap, 0),
		done:     make(map[FlushSeq]bool),
	}
	heap.Init(&t.inflight)
	return t
}

// Begin assigns and tracks the next flush sequence.
func (t *Tracker) Begin() FlushSeq {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	heap.Push(&t.inflight, t.next)
	return t.next
}

// Complete marks a flush as committed and advances the safe sequence over
// any contiguous completed prefix.
func (t *Tracker) Complete(seq FlushSeq) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done[seq] = true

	for t.inflight.Len() > 0 {
		min := t.inflight[0]
		if !t.done[min] {
			break
		}
		heap.Pop(&t.inflight)
		delete(t.done, min)
		t.lastSafe = min
	}
}

// SafeSeq returns the highest sequence up to which every flush committed.
func (t *Tracker) SafeSeq() FlushSeq {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSafe
}

// LastAssigned returns the most recently assigned sequence.
func (t *Tracker) LastAssigned() FlushSeq {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// AllCommitted reports whether every dispatched flush has committed.
func (t *Tracker) AllCommitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSafe == t.next
}
