package connmgr

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

var errFakeListenerClosed = errors.New("fake listener closed")

// pipeConn is the manager's end of a net.Pipe.
type pipeConn struct {
	net.Conn
	name   string
	closed atomic.Bool
}

func (c *pipeConn) RemotePeerName() string { return c.name }

func (c *pipeConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// failWriteConn reads normally but every Write fails.
type failWriteConn struct {
	*pipeConn
}

func (c *failWriteConn) Write([]byte) (int, error) { return 0, errors.New("link busy") }

// newPipe returns the manager side and the remote peer side of a link.
func newPipe(name string) (*pipeConn, net.Conn) {
	local, remote := net.Pipe()
	return &pipeConn{Conn: local, name: name}, remote
}

type fakeListener struct {
	conns chan Conn
	fail  chan error
	done  chan struct{}
	once  sync.Once
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		conns: make(chan Conn),
		fail:  make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (l *fakeListener) Accept() (Conn, error) {
	select {
	case <-l.done:
		return nil, errFakeListenerClosed
	case err := <-l.fail:
		return nil, err
	case c := <-l.conns:
		return c, nil
	}
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *fakeListener) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// push simulates an inbound peer. It reports whether Accept took it.
func (l *fakeListener) push(c Conn) bool {
	select {
	case l.conns <- c:
		return true
	case <-l.done:
		return false
	case <-time.After(waitTimeout):
		return false
	}
}

type dialResult struct {
	conn Conn
	err  error
}

type fakeDial struct {
	target string
	ctx    context.Context
	result chan dialResult
}

func (d *fakeDial) succeed(c Conn)  { d.result <- dialResult{conn: c} }
func (d *fakeDial) fail(err error)  { d.result <- dialResult{err: err} }
func (d *fakeDial) cancelled() bool { return d.ctx.Err() != nil }

type fakeTransport struct {
	mu        sync.Mutex
	listeners []*fakeListener
	listenErr error

	dials chan *fakeDial
	// ignoreCtx makes Dial wait for a result even after cancellation,
	// modelling a connect that completes after being superseded.
	ignoreCtx bool
	panicDial bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dials: make(chan *fakeDial, 1024)}
}

func (t *fakeTransport) Listen() (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	l := newFakeListener()
	t.listeners = append(t.listeners, l)
	return l, nil
}

func (t *fakeTransport) Dial(ctx context.Context, target string) (Conn, error) {
	if t.panicDial {
		panic("dial exploded")
	}
	d := &fakeDial{target: target, ctx: ctx, result: make(chan dialResult, 1)}
	t.dials <- d
	if t.ignoreCtx {
		r := <-d.result
		return r.conn, r.err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-d.result:
		return r.conn, r.err
	}
}

func (t *fakeTransport) listenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *fakeTransport) lastListener(tb testing.TB) *fakeListener {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	require.NotEmpty(tb, t.listeners, "no listener opened")
	return t.listeners[len(t.listeners)-1]
}

func (t *fakeTransport) nextDial(tb testing.TB) *fakeDial {
	tb.Helper()
	select {
	case d := <-t.dials:
		return d
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for a dial attempt")
		return nil
	}
}

// recorder reads events off a Queue in order.
type recorder struct {
	q *Queue
}

func (r *recorder) next(tb testing.TB) Event {
	tb.Helper()
	select {
	case e := <-r.q.Events():
		return e
	case <-time.After(waitTimeout):
		tb.Fatal("timed out waiting for an event")
		return nil
	}
}

func (r *recorder) expect(tb testing.TB, want ...Event) {
	tb.Helper()
	for i, w := range want {
		got := r.next(tb)
		assert.Equal(tb, w, got, "event %d", i)
	}
}

func (r *recorder) expectNone(tb testing.TB, within time.Duration) {
	tb.Helper()
	select {
	case e := <-r.q.Events():
		tb.Fatalf("unexpected event %#v", e)
	case <-time.After(within):
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport, *recorder) {
	t.Helper()
	tr := newFakeTransport()
	q := NewQueue()
	m := New(tr, q, Options{})
	t.Cleanup(func() {
		m.Stop()
		q.Close()
	})
	return m, tr, &recorder{q: q}
}

// failingMessage cannot be packed.
type failingMessage struct{}

func (failingMessage) Pack() ([]byte, error) { return nil, errors.New("unpackable") }
