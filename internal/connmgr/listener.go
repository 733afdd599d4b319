package connmgr

import (
	"sync/atomic"

	"btserial/internal/logger"
)

// listener owns the passive endpoint and feeds accepted connections to
// the manager until it is cancelled.
type listener struct {
	m         *Manager
	ln        Listener
	log       logger.Logger
	cancelled atomic.Bool
}

func newListener(m *Manager, ln Listener) *listener {
	return &listener{
		m:   m,
		ln:  ln,
		log: m.log.With(logger.Field{Key: "role", Value: "listener"}),
	}
}

func (l *listener) run() {
	l.log.Debug("accept loop started")
	for !l.cancelled.Load() {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.cancelled.Load() {
				l.log.Debug("accept loop stopped")
				return
			}
			l.m.onListenerClosed(l, err)
			return
		}
		l.m.onAccepted(l, conn)
	}
	l.log.Debug("accept loop stopped")
}

// cancel closes the endpoint, unblocking Accept. It never waits for run.
func (l *listener) cancel() {
	if l.cancelled.Swap(true) {
		return
	}
	if err := l.ln.Close(); err != nil {
		l.log.Warn("close listener", logger.Field{Key: "error", Value: err.Error()})
	}
}
