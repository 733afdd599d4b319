package connmgr

import "sync"

// Event is one record on the notification channel. The concrete types
// are StateChanged, PeerIdentified, DataReceived, DataSent and Notice.
type Event interface {
	event()
}

// StateChanged is emitted on every state transition.
type StateChanged struct {
	State State
}

// PeerIdentified is emitted once per successful connection.
type PeerIdentified struct {
	Name string
}

// DataReceived is emitted per inbound read. Data is owned by the receiver.
type DataReceived struct {
	Data   []byte
	Length int
}

// DataSent is emitted per successful write with a copy of the packed
// bytes owned by the receiver.
type DataSent struct {
	Data []byte
}

// Notice carries a user-visible condition such as a lost connection.
type Notice struct {
	Message string
}

func (StateChanged) event()   {}
func (PeerIdentified) event() {}
func (DataReceived) event()   {}
func (DataSent) event()       {}
func (Notice) event()         {}

// NoticeConnectionLost is the Notice message emitted when a session's
// read side fails.
const NoticeConnectionLost = "connection lost"

// Notifier receives events from the manager. Notify is called with the
// manager's lock held, so it must not block and must not call back into
// the manager.
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(e Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(e Event) { f(e) }

// Queue is an ordered, unbounded, asynchronous Notifier. Events are
// delivered on the channel returned by Events in the order Notify was
// called; Notify never blocks.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	out     chan Event
}

// NewQueue creates a Queue and starts its delivery goroutine.
func NewQueue() *Queue {
	q := &Queue{out: make(chan Event)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Notify implements Notifier. Events after Close are dropped.
func (q *Queue) Notify(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, e)
	q.cond.Signal()
}

// Events returns the delivery channel. It is closed after Close once all
// pending events have been received.
func (q *Queue) Events() <-chan Event {
	return q.out
}

// Close stops accepting events. It does not block.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Signal()
}

func (q *Queue) pump() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.out <- e
	}
}
