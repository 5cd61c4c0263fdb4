package connection

import "sync"

// Mailbox is an unbounded, ordered notification queue.
//
// Push never blocks, so it is safe to call from a read loop or while holding
// a store lock. A pump goroutine hands queued notifications to C in order.
// C is closed after Close, once the pump exits; queued notifications not yet
// received are dropped.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Notification
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan Notification
}

func NewMailbox() *Mailbox {
	m := &Mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Notification),
	}
	go m.pump()
	return m
}

// Push enqueues n. It reports false if the mailbox is closed.
func (m *Mailbox) Push(n Notification) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, n)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *Mailbox) C() <-chan Notification {
	return m.out
}

// Len reports how many notifications are waiting to be received.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
}

func (m *Mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}
		n := m.queue[0]
		m.queue[0] = Notification{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- n:
		case <-m.done:
			return
		}
	}
}
