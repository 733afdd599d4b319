//go:build !linux

package bluez

import (
	"context"

	"btserial/internal/connmgr"
)

// Transport is unavailable outside Linux.
type Transport struct{}

var _ connmgr.Transport = (*Transport)(nil)

func New(Options) *Transport { return &Transport{} }

func (*Transport) Listen() (connmgr.Listener, error) { return nil, ErrNotSupported }

func (*Transport) Dial(context.Context, string) (connmgr.Conn, error) {
	return nil, ErrNotSupported
}

func (*Transport) Discover(context.Context) ([]Device, error) { return nil, ErrNotSupported }

func (*Transport) Close() error { return nil }
