package connmgr

import (
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quiet = 100 * time.Millisecond

func assertRoles(t *testing.T, m *Manager, listening, dialing, connected bool) {
	t.Helper()
	l, d, c := m.roles()
	assert.Equal(t, listening, l, "listener alive")
	assert.Equal(t, dialing, d, "dialer alive")
	assert.Equal(t, connected, c, "session alive")
}

// connectInbound drives a fresh manager to StateConnected through the
// listener and returns the remote end of the link.
func connectInbound(t *testing.T, m *Manager, tr *fakeTransport, rec *recorder, name string) (*pipeConn, io.ReadWriteCloser) {
	t.Helper()
	require.NoError(t, m.Start())
	rec.expect(t, StateChanged{State: StateListening})

	local, remote := newPipe(name)
	require.True(t, tr.lastListener(t).push(local))
	rec.expect(t,
		StateChanged{State: StateConnected},
		PeerIdentified{Name: name})
	return local, remote
}

func TestManager_NewIsIdle(t *testing.T) {
	m, tr, rec := newTestManager(t)

	assert.Equal(t, StateIdle, m.State())
	assertRoles(t, m, false, false, false)
	assert.Zero(t, tr.listenCount())
	rec.expectNone(t, quiet)
}

func TestManager_StartThenInboundConnection(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Start())
	rec.expect(t, StateChanged{State: StateListening})
	assert.Equal(t, StateListening, m.State())
	assertRoles(t, m, true, false, false)

	l := tr.lastListener(t)
	local, remote := newPipe("robot")
	defer remote.Close()
	require.True(t, l.push(local))

	rec.expect(t,
		StateChanged{State: StateConnected},
		PeerIdentified{Name: "robot"})
	assert.Equal(t, StateConnected, m.State())
	assertRoles(t, m, false, false, true)
	assert.True(t, l.isClosed(), "listener must be cancelled on promotion")
}

func TestManager_StartIsIdempotent(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())

	rec.expect(t,
		StateChanged{State: StateListening},
		StateChanged{State: StateListening})
	assert.Equal(t, 1, tr.listenCount(), "a running listener is reused")
	assertRoles(t, m, true, false, false)
}

func TestManager_StartListenFailure(t *testing.T) {
	m, tr, rec := newTestManager(t)
	bindErr := errors.New("channel in use")
	tr.listenErr = bindErr

	err := m.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, bindErr)

	rec.expect(t, StateChanged{State: StateIdle})
	assert.Equal(t, StateIdle, m.State())
	assertRoles(t, m, false, false, false)

	// Retrying once the endpoint is available recovers.
	tr.listenErr = nil
	require.NoError(t, m.Start())
	rec.expect(t, StateChanged{State: StateListening})
}

func TestManager_ConnectEmptyTarget(t *testing.T) {
	m, _, rec := newTestManager(t)

	assert.ErrorIs(t, m.Connect(""), ErrTargetRequired)
	assert.Equal(t, StateIdle, m.State())
	rec.expectNone(t, quiet)
}

func TestManager_DialFailureRevertsToListening(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Connect("00:11:22:33:44:55"))
	rec.expect(t, StateChanged{State: StateConnecting})

	d := tr.nextDial(t)
	assert.Equal(t, "00:11:22:33:44:55", d.target)
	d.fail(errors.New("host is down"))

	rec.expect(t, StateChanged{State: StateListening})
	rec.expectNone(t, quiet)
	assert.Equal(t, StateListening, m.State())
	assertRoles(t, m, true, false, false)

	// The new listener accepts.
	local, remote := newPipe("late")
	defer remote.Close()
	require.True(t, tr.lastListener(t).push(local))
	rec.expect(t,
		StateChanged{State: StateConnected},
		PeerIdentified{Name: "late"})
}

func TestManager_DialSuccess(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Connect("robot-addr"))
	rec.expect(t, StateChanged{State: StateConnecting})

	local, remote := newPipe("robot")
	defer remote.Close()
	d := tr.nextDial(t)
	d.succeed(local)

	rec.expect(t,
		StateChanged{State: StateConnected},
		PeerIdentified{Name: "robot"})
	assertRoles(t, m, false, false, true)
	assert.False(t, local.closed.Load(), "winning socket must stay open")
}

func TestManager_ConnectTwiceKeepsOnlyLatestDialer(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Connect("A"))
	dA := tr.nextDial(t)
	require.NoError(t, m.Connect("B"))
	dB := tr.nextDial(t)
	rec.expect(t,
		StateChanged{State: StateConnecting},
		StateChanged{State: StateConnecting})

	assert.Equal(t, "A", dA.target)
	assert.Equal(t, "B", dB.target)

	require.Eventually(t, dA.cancelled, waitTimeout, 10*time.Millisecond)
	assert.False(t, dB.cancelled())

	// Cancelling A must not trigger the revert-to-listening path.
	rec.expectNone(t, quiet)
	assert.Equal(t, StateConnecting, m.State())
	assertRoles(t, m, false, true, false)

	local, remote := newPipe("B")
	defer remote.Close()
	dB.succeed(local)
	rec.expect(t,
		StateChanged{State: StateConnected},
		PeerIdentified{Name: "B"})
}

func TestManager_SupersededDialSuccessIsClosed(t *testing.T) {
	m, tr, rec := newTestManager(t)
	tr.ignoreCtx = true

	require.NoError(t, m.Connect("A"))
	dA := tr.nextDial(t)
	require.NoError(t, m.Connect("B"))
	dB := tr.nextDial(t)
	rec.expect(t,
		StateChanged{State: StateConnecting},
		StateChanged{State: StateConnecting})

	localA, remoteA := newPipe("A")
	defer remoteA.Close()
	dA.succeed(localA)

	require.Eventually(t, localA.closed.Load, waitTimeout, 10*time.Millisecond)
	rec.expectNone(t, quiet)
	assert.Equal(t, StateConnecting, m.State())

	dB.fail(errors.New("unreachable"))
	rec.expect(t, StateChanged{State: StateListening})
}

func TestManager_AcceptWhileConnectingPromotes(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Start())
	require.NoError(t, m.Connect("X"))
	rec.expect(t,
		StateChanged{State: StateListening},
		StateChanged{State: StateConnecting})
	assertRoles(t, m, true, true, false)

	d := tr.nextDial(t)

	local, remote := newPipe("inbound")
	defer remote.Close()
	require.True(t, tr.lastListener(t).push(local))

	rec.expect(t,
		StateChanged{State: StateConnected},
		PeerIdentified{Name: "inbound"})
	require.Eventually(t, d.cancelled, waitTimeout, 10*time.Millisecond)

	// The cancelled dialer must not revert the state.
	rec.expectNone(t, quiet)
	assert.Equal(t, StateConnected, m.State())
	assertRoles(t, m, false, false, true)
}

func TestManager_SessionReadFailure(t *testing.T) {
	m, tr, rec := newTestManager(t)
	_, remote := connectInbound(t, m, tr, rec, "robot")

	require.NoError(t, remote.Close())

	rec.expect(t,
		Notice{Message: NoticeConnectionLost},
		StateChanged{State: StateListening})
	rec.expectNone(t, quiet)
	assert.Equal(t, StateListening, m.State())
	assertRoles(t, m, true, false, false)
	assert.Equal(t, 2, tr.listenCount(), "a fresh listener replaces the cancelled one")
}

func TestManager_DataReceived(t *testing.T) {
	m, tr, rec := newTestManager(t)
	_, remote := connectInbound(t, m, tr, rec, "robot")
	defer remote.Close()

	_, err := remote.Write([]byte("ping"))
	require.NoError(t, err)

	rec.expect(t, DataReceived{Data: []byte("ping"), Length: 4})
}

func TestManager_WriteWhenConnected(t *testing.T) {
	m, tr, rec := newTestManager(t)
	_, remote := connectInbound(t, m, tr, rec, "robot")
	defer remote.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := remote.Read(buf)
		got <- buf[:n]
	}()

	m.Write(Raw("pong"))

	rec.expect(t, DataSent{Data: []byte("pong")})
	select {
	case b := <-got:
		assert.Equal(t, []byte("pong"), b)
	case <-time.After(waitTimeout):
		t.Fatal("peer never received the write")
	}
}

func TestManager_WriteWhenNotConnectedIsDropped(t *testing.T) {
	m, _, rec := newTestManager(t)

	assert.NotPanics(t, func() { m.Write(Raw("idle")) })
	rec.expectNone(t, quiet)

	require.NoError(t, m.Start())
	rec.expect(t, StateChanged{State: StateListening})
	m.Write(Raw("listening"))
	rec.expectNone(t, quiet)

	require.NoError(t, m.Connect("X"))
	rec.expect(t, StateChanged{State: StateConnecting})
	m.Write(Raw("connecting"))
	rec.expectNone(t, quiet)
}

func TestManager_PackFailureKeepsSession(t *testing.T) {
	m, tr, rec := newTestManager(t)
	_, remote := connectInbound(t, m, tr, rec, "robot")
	defer remote.Close()

	m.Write(failingMessage{})

	rec.expectNone(t, quiet)
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_WriteFailureKeepsSession(t *testing.T) {
	m, tr, rec := newTestManager(t)
	require.NoError(t, m.Start())
	rec.expect(t, StateChanged{State: StateListening})

	local, remote := newPipe("robot")
	defer remote.Close()
	require.True(t, tr.lastListener(t).push(&failWriteConn{pipeConn: local}))
	rec.expect(t,
		StateChanged{State: StateConnected},
		PeerIdentified{Name: "robot"})

	m.Write(Raw("x"))

	rec.expectNone(t, quiet)
	assert.Equal(t, StateConnected, m.State())
	assertRoles(t, m, false, false, true)
	assert.False(t, local.closed.Load(), "a failed write must not close the link")
}

func TestManager_DataSentIsACopy(t *testing.T) {
	m, tr, rec := newTestManager(t)
	_, remote := connectInbound(t, m, tr, rec, "robot")
	defer remote.Close()

	go func() { _, _ = io.Copy(io.Discard, remote) }()

	buf := []byte("pong")
	m.Write(Raw(buf))
	buf[0] = 'X'

	rec.expect(t, DataSent{Data: []byte("pong")})
}

func TestManager_ExtraPeerRejected(t *testing.T) {
	m, tr, rec := newTestManager(t)
	first, remote := connectInbound(t, m, tr, rec, "first")
	defer remote.Close()

	// A connection surfacing from a listener that is no longer current,
	// e.g. accepted just before promotion cancelled it.
	stale := newListener(m, newFakeListener())
	extra, extraRemote := newPipe("second")
	defer extraRemote.Close()
	m.onAccepted(stale, extra)

	assert.True(t, extra.closed.Load(), "extra peer must be closed")
	assert.False(t, first.closed.Load())
	rec.expectNone(t, quiet)
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_StopWhileConnected(t *testing.T) {
	m, tr, rec := newTestManager(t)
	local, remote := connectInbound(t, m, tr, rec, "robot")
	defer remote.Close()

	m.Stop()

	rec.expect(t, StateChanged{State: StateIdle})
	rec.expectNone(t, quiet)
	assert.True(t, local.closed.Load())
	assertRoles(t, m, false, false, false)

	_, err := remote.Read(make([]byte, 1))
	assert.Error(t, err, "peer sees the link go down")
}

func TestManager_StopWhileListeningAndConnecting(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Start())
	require.NoError(t, m.Connect("X"))
	d := tr.nextDial(t)
	rec.expect(t,
		StateChanged{State: StateListening},
		StateChanged{State: StateConnecting})

	m.Stop()

	rec.expect(t, StateChanged{State: StateIdle})
	require.Eventually(t, d.cancelled, waitTimeout, 10*time.Millisecond)
	assert.True(t, tr.lastListener(t).isClosed())
	rec.expectNone(t, quiet)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, tr.listenCount(), "stop never restarts listening")
}

func TestManager_ConnectWhileConnectedCancelsSession(t *testing.T) {
	m, tr, rec := newTestManager(t)
	local, remote := connectInbound(t, m, tr, rec, "old")
	defer remote.Close()

	require.NoError(t, m.Connect("new"))

	rec.expect(t, StateChanged{State: StateConnecting})
	rec.expectNone(t, quiet) // no spurious connection-lost notice
	assert.True(t, local.closed.Load())
	assertRoles(t, m, false, true, false)
	assert.Equal(t, "new", tr.nextDial(t).target)
}

func TestManager_OrganicAcceptFailureGoesIdle(t *testing.T) {
	m, tr, rec := newTestManager(t)

	require.NoError(t, m.Start())
	rec.expect(t, StateChanged{State: StateListening})

	tr.lastListener(t).fail <- errors.New("adapter removed")

	rec.expect(t, StateChanged{State: StateIdle})
	assertRoles(t, m, false, false, false)
}

func TestManager_DialPanicIsContained(t *testing.T) {
	m, tr, rec := newTestManager(t)
	tr.panicDial = true

	require.NoError(t, m.Connect("boom"))

	rec.expect(t,
		StateChanged{State: StateConnecting},
		StateChanged{State: StateListening})
	assertRoles(t, m, true, false, false)
}

// TestManager_RolesMatchState drives random control sequences and checks
// after every call that the live roles agree with the reported state.
func TestManager_RolesMatchState(t *testing.T) {
	m, _, _ := newTestManager(t)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		switch rng.Intn(3) {
		case 0:
			require.NoError(t, m.Start())
		case 1:
			require.NoError(t, m.Connect("peer"))
		case 2:
			m.Stop()
		}

		l, d, c := m.roles()
		switch st := m.State(); st {
		case StateIdle:
			assert.False(t, l || d || c, "step %d: idle with live roles", i)
		case StateListening:
			assert.True(t, l && !d && !c, "step %d: listening roles", i)
		case StateConnecting:
			assert.True(t, d && !c, "step %d: connecting roles", i)
		case StateConnected:
			assert.True(t, c && !l && !d, "step %d: connected roles", i)
		default:
			t.Fatalf("step %d: unexpected state %v", i, st)
		}
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(42).String())
}
