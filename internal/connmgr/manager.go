package connmgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"btserial/internal/logger"
)

const defaultReadBufferSize = 1024

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	// ReadBufferSize is the size of the session's read chunk (default 1024).
	ReadBufferSize int
	// DialTimeout bounds each outbound attempt; zero means no bound beyond
	// the transport's own.
	DialTimeout time.Duration
	Logger      logger.Logger
}

// Manager orchestrates the listener, dialer and session roles against a
// single State. All state reads and role swaps happen under mu, which is
// never held across Accept, Dial or Read.
type Manager struct {
	tr     Transport
	notify Notifier
	opts   Options
	log    logger.Logger

	mu       sync.Mutex
	state    State
	listener *listener
	dialer   *dialer
	session  *session
}

// New returns an idle Manager. Nothing is opened until Start or Connect.
func New(tr Transport, n Notifier, opts Options) *Manager {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if n == nil {
		n = NotifierFunc(func(Event) {})
	}
	return &Manager{
		tr:     tr,
		notify: n,
		opts:   opts,
		log:    opts.Logger.With(logger.Field{Key: "component", Value: "connmgr"}),
		state:  StateIdle,
	}
}

// State implements Mgr.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start implements Mgr.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	m.log.Debug("start")

	m.cancelDialerLocked()
	m.cancelSessionLocked()

	if m.listener == nil {
		ln, err := m.tr.Listen()
		if err != nil {
			m.log.Error("listen failed", logger.Field{Key: "error", Value: err.Error()})
			m.setStateLocked(StateIdle)
			return fmt.Errorf("connmgr: listen: %w", err)
		}
		l := newListener(m, ln)
		m.listener = l
		m.spawn("listener", l.run, func(err error) { m.onListenerClosed(l, err) })
	}
	m.setStateLocked(StateListening)
	return nil
}

// Connect implements Mgr.
func (m *Manager) Connect(target string) error {
	if target == "" {
		return ErrTargetRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Info("connect", logger.Field{Key: "target", Value: target})

	m.cancelDialerLocked()
	m.cancelSessionLocked()

	d := newDialer(m, target, m.opts.DialTimeout)
	m.dialer = d
	m.setStateLocked(StateConnecting)
	m.spawn("dialer", d.run, func(err error) { m.onDialFailed(d, err) })
	return nil
}

// Stop implements Mgr.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Info("stop")

	m.cancelDialerLocked()
	m.cancelSessionLocked()
	m.cancelListenerLocked()
	m.setStateLocked(StateIdle)
}

// Write implements Mgr. Only the session snapshot is taken under the
// lock; the write itself may race a teardown and then simply fails.
func (m *Manager) Write(msg Message) {
	m.mu.Lock()
	var s *session
	if m.state == StateConnected {
		s = m.session
	}
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.write(msg)
}

// onAccepted is called by the listener for every accepted connection.
func (m *Manager) onAccepted(l *listener, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l != m.listener || (m.state != StateListening && m.state != StateConnecting) {
		// Single-peer policy: not an error, the extra peer is dropped.
		m.log.Debug("rejecting inbound connection",
			logger.Field{Key: "state", Value: m.state.String()},
			logger.Field{Key: "peer", Value: conn.RemotePeerName()})
		_ = conn.Close()
		return
	}
	m.promoteLocked(conn, "inbound")
}

// onConnected is called by a dialer whose attempt succeeded.
func (m *Manager) onConnected(d *dialer, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d != m.dialer || (m.state != StateListening && m.state != StateConnecting) {
		m.log.Debug("discarding superseded outbound connection",
			logger.Field{Key: "target", Value: d.target})
		_ = conn.Close()
		return
	}
	// The winning dialer hands its socket over; it must not be cancelled.
	m.dialer = nil
	d.release()
	m.promoteLocked(conn, "outbound")
}

// onDialFailed reverts to listening after an organic dial failure.
func (m *Manager) onDialFailed(d *dialer, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d != m.dialer {
		return
	}
	m.dialer = nil
	d.release()
	m.log.Warn("dial failed",
		logger.Field{Key: "target", Value: d.target},
		logger.Field{Key: "error", Value: err.Error()})
	_ = m.startLocked()
}

// onSessionLost reports the loss and reverts to listening.
func (m *Manager) onSessionLost(s *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s != m.session {
		return
	}
	m.log.Warn("connection lost",
		logger.Field{Key: "handle", Value: s.h.ID},
		logger.Field{Key: "error", Value: err.Error()})
	m.cancelSessionLocked()
	m.notify.Notify(Notice{Message: NoticeConnectionLost})
	_ = m.startLocked()
}

// onListenerClosed handles an accept failure that was not caused by
// cancellation. The listener is gone; if nothing else is active the
// manager goes idle.
func (m *Manager) onListenerClosed(l *listener, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l != m.listener {
		return
	}
	m.log.Warn("listener closed", logger.Field{Key: "error", Value: err.Error()})
	m.cancelListenerLocked()
	if m.state == StateListening {
		m.setStateLocked(StateIdle)
	}
}

// promoteLocked turns conn into the active session, tearing down every
// other role.
func (m *Manager) promoteLocked(conn Conn, direction string) {
	m.cancelDialerLocked()
	m.cancelListenerLocked()
	m.cancelSessionLocked()

	h := newHandle(conn)
	s := newSession(m, h, m.opts.ReadBufferSize)
	m.session = s

	m.log.Info("connected",
		logger.Field{Key: "handle", Value: h.ID},
		logger.Field{Key: "peer", Value: h.Peer},
		logger.Field{Key: "direction", Value: direction})

	m.setStateLocked(StateConnected)
	m.notify.Notify(PeerIdentified{Name: h.Peer})

	// Started last so that every DataReceived follows the events above.
	m.spawn("session", s.run, func(err error) { m.onSessionLost(s, err) })
}

func (m *Manager) setStateLocked(s State) {
	m.log.Debug("state change",
		logger.Field{Key: "from", Value: m.state.String()},
		logger.Field{Key: "to", Value: s.String()})
	m.state = s
	m.notify.Notify(StateChanged{State: s})
}

func (m *Manager) cancelListenerLocked() {
	if m.listener != nil {
		m.listener.cancel()
		m.listener = nil
	}
}

func (m *Manager) cancelDialerLocked() {
	if m.dialer != nil {
		m.dialer.cancel()
		m.dialer = nil
	}
}

func (m *Manager) cancelSessionLocked() {
	if m.session != nil {
		m.session.cancel()
		m.session = nil
	}
}

// spawn runs a role on its own goroutine. A panic inside the role is
// recovered and reported through failed so the manager can return to a
// known state.
func (m *Manager) spawn(role string, run func(), failed func(error)) {
	go func() {
		var pc panics.Catcher
		pc.Try(run)
		if r := pc.Recovered(); r != nil {
			m.log.Error("role panicked",
				logger.Field{Key: "role", Value: role},
				logger.Field{Key: "panic", Value: r.String()})
			failed(r.AsError())
		}
	}()
}

// roles reports which roles are currently alive, for tests and logging.
func (m *Manager) roles() (listening, dialing, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener != nil, m.dialer != nil, m.session != nil
}
