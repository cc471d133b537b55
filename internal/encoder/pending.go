package encoder

import (
	"sync"
	"sync/atomic"
)

// pendingFrame is the metadata of a submitted frame whose output has not
// been drained yet.
type pendingFrame struct {
	captureTimeNs int64
	ptsUs         int64
	rotation      int
	width         int
	height        int
}

// pendingQueue is a fixed-capacity FIFO of submitted frames, shared by the
// encode goroutine (push) and the drain goroutine (pop). Depth is readable
// without the lock.
type pendingQueue struct {
	mu    sync.Mutex
	slots []pendingFrame
	head  int
	size  int

	depth atomic.Int32
}

func newPendingQueue(capacity int) *pendingQueue {
	return &pendingQueue{slots: make([]pendingFrame, capacity)}
}

func (q *pendingQueue) capacity() int { return len(q.slots) }

func (q *pendingQueue) len() int { return int(q.depth.Load()) }

// push appends f, reporting false when the queue is full.
func (q *pendingQueue) push(f pendingFrame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.slots) {
		return false
	}
	q.slots[(q.head+q.size)%len(q.slots)] = f
	q.size++
	q.depth.Store(int32(q.size))
	return true
}

// dropNewest undoes the last push after a failed submission.
func (q *pendingQueue) dropNewest() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return false
	}
	q.size--
	q.slots[(q.head+q.size)%len(q.slots)] = pendingFrame{}
	q.depth.Store(int32(q.size))
	return true
}

// clear empties the queue and returns how many entries were discarded.
func (q *pendingQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	for i := range q.slots {
		q.slots[i] = pendingFrame{}
	}
	q.head, q.size = 0, 0
	q.depth.Store(0)
	return n
}

// popFor removes and returns the entry for an output with the given
// presentation time. Older entries whose output never arrived are skipped.
// An output older than the head belongs to a discarded entry and matches
// nothing.
func (q *pendingQueue) popFor(ptsUs int64) (f pendingFrame, skipped int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size > 0 {
		head := q.slots[q.head]
		if head.ptsUs > ptsUs {
			break
		}
		q.slots[q.head] = pendingFrame{}
		q.head = (q.head + 1) % len(q.slots)
		q.size--
		if head.ptsUs == ptsUs {
			q.depth.Store(int32(q.size))
			return head, skipped, true
		}
		skipped++
	}
	q.depth.Store(int32(q.size))
	return pendingFrame{}, skipped, false
}
