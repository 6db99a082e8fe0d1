// Package queue provides the driver's bounded, priority-ordered request
// queue. Requests dequeue in priority order, FIFO within a priority band.
// Enqueue fails fast when the queue is at capacity, providing backpressure
// to callers, and queued requests which outlive their own timeout are
// reported by Expire rather than silently processed late.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lanedb/lane/wire"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("request queue is full")

// DefaultMaxSize bounds the queue when no explicit capacity is given.
const DefaultMaxSize = 1024

// QueuedRequest is a Request which has been accepted into the Queue,
// stamped with its enqueue time and a monotone sequence used as the FIFO
// tie-break within a priority band.
type QueuedRequest struct {
	*wire.Request
	EnqueuedAt time.Time

	seq   uint64
	index int // Heap index, maintained by heap.Interface.
}

// Stats is a point-in-time snapshot of Queue state.
type Stats struct {
	// Size is the total number of queued requests.
	Size int
	// PerPriority counts queued requests by priority.
	PerPriority map[wire.Priority]int
	// OldestAge is the age of the oldest queued request, or zero if empty.
	OldestAge time.Duration
}

// Queue is a thread-safe bounded priority queue of requests.
type Queue struct {
	mu      sync.Mutex
	items   requestHeap
	byID    map[uuid.UUID]*QueuedRequest
	maxSize int
	nextSeq uint64

	timeNow func() time.Time // Test hook.
}

// New returns an empty Queue bounded to |maxSize| requests.
// A |maxSize| of zero uses DefaultMaxSize.
func New(maxSize int) *Queue {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{
		byID:    make(map[uuid.UUID]*QueuedRequest),
		maxSize: maxSize,
		timeNow: time.Now,
	}
}

// Enqueue accepts |req| into the Queue, or returns ErrQueueFull.
func (q *Queue) Enqueue(req *wire.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	if _, ok := q.byID[req.ID]; ok {
		return errors.Errorf("request %s is already queued", req.ID)
	}

	var qr = &QueuedRequest{
		Request:    req,
		EnqueuedAt: q.timeNow(),
		seq:        q.nextSeq,
	}
	q.nextSeq++

	heap.Push(&q.items, qr)
	q.byID[req.ID] = qr
	return nil
}

// Dequeue removes and returns the highest-priority, oldest-enqueued request,
// or returns false if the Queue is empty.
func (q *Queue) Dequeue() (*QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	var qr = heap.Pop(&q.items).(*QueuedRequest)
	delete(q.byID, qr.ID)
	return qr, true
}

// Remove removes the queued request of |id|, returning false if it is not
// queued (it may have already dispatched).
func (q *Queue) Remove(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var qr, ok = q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, qr.index)
	delete(q.byID, id)
	return true
}

// Expire removes and returns all queued requests whose age at |now| exceeds
// their own Timeout. Callers resolve each with a timeout error, so a request
// which could only be processed late is failed instead.
func (q *Queue) Expire(now time.Time) []*QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*QueuedRequest
	for _, qr := range q.items {
		if qr.Timeout > 0 && now.Sub(qr.EnqueuedAt) > qr.Timeout {
			expired = append(expired, qr)
		}
	}
	for _, qr := range expired {
		heap.Remove(&q.items, qr.index)
		delete(q.byID, qr.ID)
	}
	return expired
}

// Stats returns a snapshot of current Queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s = Stats{
		Size:        len(q.items),
		PerPriority: make(map[wire.Priority]int),
	}
	var oldest time.Time
	for _, qr := range q.items {
		s.PerPriority[qr.Priority]++
		if oldest.IsZero() || qr.EnqueuedAt.Before(oldest) {
			oldest = qr.EnqueuedAt
		}
	}
	if !oldest.IsZero() {
		s.OldestAge = q.timeNow().Sub(oldest)
	}
	return s
}

// requestHeap implements heap.Interface, ordering by descending Priority
// and then by ascending sequence (FIFO within a band).
type requestHeap []*QueuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	var qr = x.(*QueuedRequest)
	qr.index = len(*h)
	*h = append(*h, qr)
}

func (h *requestHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var qr = old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qr
}
