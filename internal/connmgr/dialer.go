package connmgr

import (
	"context"
	"sync/atomic"
	"time"

	"btserial/internal/logger"
)

// dialer makes a single outbound attempt to one target.
type dialer struct {
	m      *Manager
	target string
	log    logger.Logger

	ctx       context.Context
	stop      context.CancelFunc
	cancelled atomic.Bool
}

func newDialer(m *Manager, target string, timeout time.Duration) *dialer {
	var (
		ctx  context.Context
		stop context.CancelFunc
	)
	if timeout > 0 {
		ctx, stop = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, stop = context.WithCancel(context.Background())
	}
	return &dialer{
		m:      m,
		target: target,
		log:    m.log.With(logger.Field{Key: "role", Value: "dialer"}, logger.Field{Key: "target", Value: target}),
		ctx:    ctx,
		stop:   stop,
	}
}

func (d *dialer) run() {
	d.log.Debug("dialing")
	conn, err := d.m.tr.Dial(d.ctx, d.target)
	if err != nil {
		// A cancelled attempt was superseded by stop, connect or an
		// accepted peer; only organic failures revert to listening.
		if d.cancelled.Load() {
			d.log.Debug("dial cancelled")
			return
		}
		d.m.onDialFailed(d, err)
		return
	}
	d.m.onConnected(d, conn)
}

// cancel aborts the attempt in flight. It never waits for run.
func (d *dialer) cancel() {
	d.cancelled.Store(true)
	d.stop()
}

// release frees the attempt's context once the manager has taken over the
// result.
func (d *dialer) release() {
	d.stop()
}
