// Package tcp is a connmgr.Transport over plain TCP, used for development
// and tests on machines without a Bluetooth adapter.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"btserial/internal/connmgr"
)

// Transport listens on Addr and dials host:port targets.
type Transport struct {
	Addr    string
	Timeout time.Duration // per-dial bound on top of the caller's context
}

var _ connmgr.Transport = (*Transport)(nil)

// New returns a Transport listening on addr.
func New(addr string, timeout time.Duration) *Transport {
	return &Transport{Addr: addr, Timeout: timeout}
}

// Listen binds Addr.
func (t *Transport) Listen() (connmgr.Listener, error) {
	ln, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", t.Addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Dial connects to address over TCP.
func (t *Transport) Dial(ctx context.Context, address string) (connmgr.Conn, error) {
	dialer := net.Dialer{Timeout: t.Timeout}
	c, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", address, err)
	}
	return wrap(c), nil
}

// Close is a no-op; listeners and connections are closed by their owners.
func (t *Transport) Close() error { return nil }

// Listener wraps a net.Listener.
type Listener struct {
	ln   net.Listener
	once sync.Once
}

// Addr is the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Accept() (connmgr.Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("tcp: accept: %w", err)
	}
	return wrap(c), nil
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() { err = l.ln.Close() })
	return err
}

type conn struct {
	net.Conn
	once sync.Once
	err  error
}

func wrap(c net.Conn) *conn { return &conn{Conn: c} }

// RemotePeerName is the remote host:port.
func (c *conn) RemotePeerName() string { return c.RemoteAddr().String() }

func (c *conn) Close() error {
	c.once.Do(func() { c.err = c.Conn.Close() })
	return c.err
}
