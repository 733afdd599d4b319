// Package connmgr runs the lifecycle of a single point-to-point serial
// link: it listens for one peer or dials one, then pumps the established
// stream and reports state changes and data to a Notifier.
//
// Thread-safety: every exported method of Manager is safe for concurrent
// use. Role goroutines (listener, dialer, session) call back into the
// manager; a callback from a role that has been superseded is ignored.
package connmgr

import (
	"context"
	"errors"
	"io"
)

// ErrTargetRequired is returned by Connect when the target address is empty.
var ErrTargetRequired = errors.New("connmgr: target address required")

// State is the single source of truth for which role is active.
type State int

const (
	// StateIdle: no role active.
	StateIdle State = iota
	// StateListening: listener active, no peer yet.
	StateListening
	// StateConnecting: dialer active, attempt in flight.
	StateConnecting
	// StateConnected: session active with exactly one peer.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Conn is an established bidirectional byte stream to one peer.
// Close must not block and must be safe to call more than once; closing
// unblocks a pending Read with an error.
type Conn interface {
	io.ReadWriteCloser

	// RemotePeerName returns the display name of the remote peer.
	RemotePeerName() string
}

// Listener is a passive endpoint registered under the transport's
// well-known service identifier.
type Listener interface {
	// Accept blocks until a peer connects or the listener is closed.
	Accept() (Conn, error)

	// Close unregisters the endpoint and unblocks Accept. It must not
	// block and must be idempotent.
	Close() error
}

// Transport opens passive endpoints and outbound connections.
type Transport interface {
	Listen() (Listener, error)

	// Dial connects to target. Cancelling ctx aborts the attempt and
	// releases the socket under construction.
	Dial(ctx context.Context, target string) (Conn, error)
}

// Message is an opaque outgoing payload. The manager never interprets the
// packed bytes.
type Message interface {
	Pack() ([]byte, error)
}

// Raw is a Message whose packed form is the bytes themselves.
type Raw []byte

// Pack implements Message.
func (r Raw) Pack() ([]byte, error) { return r, nil }

// Mgr is the control surface exposed to the owning application.
type Mgr interface {
	// Start cancels any dial attempt and any session, (re)opens the
	// listener if it is not running and moves to StateListening. If the
	// passive endpoint cannot be opened the state becomes StateIdle and
	// the error is returned; call Start again to retry.
	Start() error

	// Connect starts an outbound attempt to target, cancelling any
	// previous attempt and any session. A running listener is kept so
	// that an inbound peer may still win the race.
	Connect(target string) error

	// Stop cancels every role and moves to StateIdle without restarting.
	Stop()

	// Write packs msg and sends it on the active session. When no session
	// is active the message is dropped without error or event.
	Write(msg Message)

	// State returns the current state.
	State() State
}

var _ Mgr = (*Manager)(nil)
