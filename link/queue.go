package link

import "github.com/Alia5/kvmlink/protocol"

// leakyQueue is a bounded FIFO that drops its oldest entry when full.
type leakyQueue struct {
	buf     []protocol.Frame
	head    int
	n       int
	dropped uint64
}

func newLeakyQueue(size int) *leakyQueue {
	if size < 1 {
		size = 1
	}
	return &leakyQueue{buf: make([]protocol.Frame, size)}
}

func (q *leakyQueue) push(f protocol.Frame) {
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
}

// drain removes and returns every queued frame, oldest first.
func (q *leakyQueue) drain() []protocol.Frame {
	out := make([]protocol.Frame, 0, q.n)
	for q.n > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = protocol.Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
	}
	q.head = 0
	return out
}

func (q *leakyQueue) len() int { return q.n }
