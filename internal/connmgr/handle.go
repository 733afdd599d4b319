package connmgr

import "github.com/rs/xid"

// Handle wraps an established Conn with the identity of the remote peer.
// It is owned by the role that produced it until promoted to a session.
type Handle struct {
	// ID is unique per connection and only used to correlate log entries.
	ID   string
	Peer string
	Conn Conn
}

func newHandle(conn Conn) *Handle {
	return &Handle{
		ID:   xid.New().String(),
		Peer: conn.RemotePeerName(),
		Conn: conn,
	}
}
