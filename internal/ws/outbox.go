package ws

import (
	"sync"

	"kampus/internal/models"
)

// Outbox is a bounded queue of events waiting to be written to one
// connection. When full, the oldest event is dropped so a stalled client
// never blocks the sender.
type Outbox struct {
	size    int
	queue   []models.ServerEvent
	dropped int
	closed  bool

	ready chan struct{}
	done  chan struct{}

	mu sync.Mutex
}

func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		size:  size,
		queue: make([]models.ServerEvent, 0, size),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push enqueues ev. It never blocks and fails only once the outbox is closed.
func (o *Outbox) Push(ev models.ServerEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return models.ErrTransportUnreachable
	}
	if len(o.queue) == o.size {
		copy(o.queue, o.queue[1:])
		o.queue = o.queue[:len(o.queue)-1]
		o.dropped++
	}
	o.queue = append(o.queue, ev)

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns everything queued, oldest first.
func (o *Outbox) Drain() []models.ServerEvent {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		return nil
	}
	events := o.queue
	o.queue = make([]models.ServerEvent, 0, o.size)
	return events
}

// Ready fires after a Push. Drain may still return nothing if another
// reader got there first.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Done is closed together with the outbox.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	close(o.done)
}

// Dropped returns how many events were discarded on overflow.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
