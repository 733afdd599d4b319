package connmgr

import (
	"sync"
	"sync/atomic"

	"btserial/internal/logger"
)

// session owns an established Handle: it pumps inbound chunks to the
// notifier and writes packed outbound messages.
type session struct {
	m       *Manager
	h       *Handle
	bufSize int
	log     logger.Logger

	writeMu   sync.Mutex
	cancelled atomic.Bool
}

func newSession(m *Manager, h *Handle, bufSize int) *session {
	return &session{
		m:       m,
		h:       h,
		bufSize: bufSize,
		log: m.log.With(
			logger.Field{Key: "role", Value: "session"},
			logger.Field{Key: "handle", Value: h.ID},
			logger.Field{Key: "peer", Value: h.Peer}),
	}
}

// run is the inbound pump and the only path that detects peer loss.
func (s *session) run() {
	buf := make([]byte, s.bufSize)
	for {
		n, err := s.h.Conn.Read(buf)
		if s.cancelled.Load() {
			return
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.m.notify.Notify(DataReceived{Data: data, Length: n})
		}
		if err != nil {
			s.m.onSessionLost(s, err)
			return
		}
	}
}

// write packs and sends msg. Failures are logged and never end the
// session; only the inbound side drives the lifecycle.
func (s *session) write(msg Message) {
	b, err := msg.Pack()
	if err != nil {
		s.log.Warn("pack message", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.cancelled.Load() {
		return
	}
	if _, err := s.h.Conn.Write(b); err != nil {
		s.log.Warn("write failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}
	sent := make([]byte, len(b))
	copy(sent, b)
	s.m.notify.Notify(DataSent{Data: sent})
}

// cancel closes the socket, unblocking a pending Read. It never waits
// for run.
func (s *session) cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	if err := s.h.Conn.Close(); err != nil {
		s.log.Debug("close connection", logger.Field{Key: "error", Value: err.Error()})
	}
}
