package notifier

import "sync"

// queue is an unbounded FIFO drained into out by its own goroutine, so a
// producer never waits on a slow consumer and nothing is dropped.
type queue struct {
	mu     sync.Mutex
	items  []Snapshot
	closed bool

	wake chan struct{}
	out  chan Snapshot
	done chan struct{}
	// exited is closed when run returns.
	exited   chan struct{}
	stopOnce sync.Once
}

func newQueue() *queue {
	q := &queue{
		wake:   make(chan struct{}, 1),
		out:    make(chan Snapshot),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

// push appends s and reports whether the queue still accepts items.
func (q *queue) push(s Snapshot) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, s)
	q.mu.Unlock()
	q.signal()
	return true
}

// finish stops accepting items; out is closed once the backlog is drained.
func (q *queue) finish() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// stop closes out without draining.
func (q *queue) stop() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run blocks on out while a consumer is slow; only stop releases it early.
func (q *queue) run() {
	defer close(q.exited)
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			next := q.items[0]
			q.items[0] = Snapshot{}
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case q.out <- next:
			case <-q.done:
				return
			}
			continue
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
