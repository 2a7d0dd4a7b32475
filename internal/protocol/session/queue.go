package session

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
)

var ErrQueueFull = errors.New("session: outbound queue full")

// Priority orders outbound messages. The zero value is PriorityNormal.
type Priority int8

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// OutboundMessage is one queued wire message awaiting transmission.
// Done, when set, is called once with the transmission outcome.
type OutboundMessage struct {
	Message  Message
	Priority Priority
	Done     func(error)

	arrival uint64
}

// OutboundQueue is a bounded priority queue. Higher priorities dequeue
// first; equal priorities dequeue in arrival order. It never evicts.
type OutboundQueue struct {
	mu      sync.Mutex
	max     int
	arrival uint64
	items   outboundHeap
	ready   chan struct{}
}

func NewOutboundQueue(max int) *OutboundQueue {
	return &OutboundQueue{
		max:   max,
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues m or returns ErrQueueFull when the queue already holds max
// messages.
func (q *OutboundQueue) Push(m OutboundMessage) error {
	q.mu.Lock()
	if len(q.items) >= q.max {
		n := len(q.items)
		q.mu.Unlock()
		return fmt.Errorf("%w: %d/%d", ErrQueueFull, n, q.max)
	}
	q.arrival++
	m.arrival = q.arrival
	heap.Push(&q.items, m)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *OutboundQueue) Pop() (OutboundMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return OutboundMessage{}, false
	}
	return heap.Pop(&q.items).(OutboundMessage), true
}

// Ready is signalled after a Push; receivers should Pop until empty.
func (q *OutboundQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *OutboundQueue) Cap() int {
	return q.max
}

// Drain removes and returns every queued message in dequeue order.
func (q *OutboundQueue) Drain() []OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]OutboundMessage, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(OutboundMessage))
	}
	return out
}

type outboundHeap []OutboundMessage

func (h outboundHeap) Len() int { return len(h) }

func (h outboundHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].arrival < h[j].arrival
}

func (h outboundHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *outboundHeap) Push(x any) { *h = append(*h, x.(OutboundMessage)) }

func (h *outboundHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = OutboundMessage{}
	*h = old[:n-1]
	return item
}
