package packet

import "errors"

// ErrQueueFull is returned by PushNew when the queue is at capacity.
// Nothing was queued; the caller backs off or drops the data.
var ErrQueueFull = errors.New("packet queue full")

// Queue is a bounded FIFO of packets. Packets come out in exactly the order
// they went in, and ownership moves with them: Push transfers the packet to
// the queue, Pop transfers it to the caller.
//
// Queues are confined to the mainloop goroutine; handlers touch them only
// during their own tick, so no locking is needed.
type Queue struct {
	pkts []*Packet
	// pop index into pkts; the live window is pkts[head:]
	head int
	max  int
}

// NewQueue returns an empty queue holding at most max packets.
// max <= 0 means unbounded.
func NewQueue(max int) *Queue {
	return &Queue{max: max}
}

// Push appends p at the tail. A packet the caller already owns is always
// accepted, even past the PushNew bound; flow control elsewhere keeps
// re-queued packets rare.
func (q *Queue) Push(p *Packet) {
	q.pkts = append(q.pkts, p)
}

// PushNew copies b into a fresh packet and appends it, or returns
// ErrQueueFull without queueing anything.
func (q *Queue) PushNew(b []byte) error {
	if q.max > 0 && q.Len() >= q.max {
		return ErrQueueFull
	}
	q.Push(Outgoing(b))
	return nil
}

// Pop removes and returns the head packet, or nil when empty.
func (q *Queue) Pop() *Packet {
	if q.head >= len(q.pkts) {
		return nil
	}
	p := q.pkts[q.head]
	q.pkts[q.head] = nil
	q.head++
	// reclaim the slice once the consumed prefix dominates
	if q.head > 32 && q.head*2 >= len(q.pkts) {
		n := copy(q.pkts, q.pkts[q.head:])
		q.pkts = q.pkts[:n]
		q.head = 0
	}
	return p
}

// Peek returns the head packet without removing it, or nil when empty.
func (q *Queue) Peek() *Packet {
	if q.head >= len(q.pkts) {
		return nil
	}
	return q.pkts[q.head]
}

// Len reports how many packets are queued.
func (q *Queue) Len() int { return len(q.pkts) - q.head }

// Flush releases every queued packet and empties the queue.
func (q *Queue) Flush() {
	for p := q.Pop(); p != nil; p = q.Pop() {
		p.Release()
	}
}
