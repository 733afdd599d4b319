//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"btserial/internal/connmgr"
	"btserial/internal/logger"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"

	profilePathPrefix = "/org/btserial/profile/"

	// unregisterWait bounds how long Listen waits for the previous server
	// profile to be released before registering a new one.
	unregisterWait = 3 * time.Second
)

var (
	pathCounter uint64
	errNoBus    = errors.New("bluez: no system bus")
)

func rejected(reason string) *dbus.Error {
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

// Transport is a connmgr.Transport backed by BlueZ. The system bus is
// connected lazily on first use.
type Transport struct {
	opts  Options
	log   logger.Logger
	names *nameResolver

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	client *clientProfile
	// released is closed once the last server profile is unregistered.
	released chan struct{}

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var _ connmgr.Transport = (*Transport)(nil)

// New returns a Transport. No D-Bus traffic happens until Listen, Dial or
// Discover.
func New(opts Options) *Transport {
	opts = opts.withDefaults()
	t := &Transport{
		opts: opts,
		log:  opts.Logger.With(logger.Field{Key: "component", Value: "bluez"}),
	}
	t.names = newNameResolver(opts.NameCacheTTL, t.lookupName)
	return t
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
	if t.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	t.bus = c
	// Close the bus last during cleanup.
	t.cleanup = append(t.cleanup, func() { _ = c.Close() })
	return nil
}

func (t *Transport) profileManager() dbus.BusObject {
	return t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
}

func nextProfilePath(kind string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath(profilePathPrefix + kind + "/p" + strconv.FormatUint(id, 10))
}

// Listen registers the server profile. Each call registers a fresh object
// path; Close on the returned listener unregisters it. t.mu is only held
// to read and update fields, never across a D-Bus round trip.
func (t *Transport) Listen() (connmgr.Listener, error) {
	// BlueZ refuses a second server record for the same UUID.
	t.awaitReleased()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if err := t.ensureBusLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	bus := t.bus
	t.mu.Unlock()

	prof := &serverProfile{
		t:     t,
		conns: make(chan connmgr.Conn),
		done:  make(chan struct{}),
	}
	path := nextProfilePath("server")
	if err := bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export server profile: %w", err)
	}

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(t.opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel":               dbus.MakeVariant(t.opts.Channel),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.opts.UUID, optsMap); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
	}

	released := make(chan struct{})
	t.mu.Lock()
	t.released = released
	t.mu.Unlock()

	t.log.Info("server profile registered",
		logger.Field{Key: "name", Value: t.opts.ServiceName},
		logger.Field{Key: "uuid", Value: t.opts.UUID},
		logger.Field{Key: "channel", Value: t.opts.Channel},
		logger.Field{Key: "path", Value: string(path)})

	return &listener{t: t, prof: prof, path: path, released: released}, nil
}

// awaitReleased waits, without holding t.mu, for the previous server
// profile to be unregistered.
func (t *Transport) awaitReleased() {
	t.mu.Lock()
	released := t.released
	t.mu.Unlock()
	if released == nil {
		return
	}
	select {
	case <-released:
	case <-time.After(unregisterWait):
		t.log.Warn("previous server profile still registered")
	}
}

// Dial connects to target, a MAC address on the configured adapter or a
// device object path. An unpaired device is paired first.
func (t *Transport) Dial(ctx context.Context, target string) (connmgr.Conn, error) {
	path, err := devicePath(t.opts.Adapter, target)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if err := t.ensureBusLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if err := t.ensureClientLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	bus, cli := t.bus, t.client
	t.mu.Unlock()

	devPath := dbus.ObjectPath(path)
	ch := cli.expect(devPath)
	defer cli.abandon(devPath, ch)

	devObj := bus.Object(bluezService, devPath)
	if v, err := devObj.GetProperty(deviceIface + ".Paired"); err == nil {
		if paired, ok := v.Value().(bool); ok && !paired {
			t.log.Info("pairing", logger.Field{Key: "device", Value: path})
			if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
				return nil, dialErr(ctx, "Pair", err)
			}
		}
	}

	if err := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, t.opts.DialUUID).Err; err != nil {
		if ctx.Err() != nil {
			t.disconnectProfile(devObj)
		}
		return nil, dialErr(ctx, "ConnectProfile", err)
	}

	select {
	case <-ctx.Done():
		t.disconnectProfile(devObj)
		return nil, dialErr(ctx, "ConnectProfile", ctx.Err())
	case c := <-ch:
		return c, nil
	}
}

func dialErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("bluez: %s canceled: %w", op, ctxErr)
	}
	return fmt.Errorf("bluez: %s: %w", op, err)
}

// disconnectProfile tears down a half-established link in the background.
func (t *Transport) disconnectProfile(devObj dbus.BusObject) {
	uuid := t.opts.DialUUID
	go func() {
		_ = devObj.Call(deviceIface+".DisconnectProfile", 0, uuid).Err
	}()
}

func (t *Transport) ensureClientLocked() error {
	if t.client != nil {
		return nil
	}
	cli := &clientProfile{t: t, waiters: make(map[dbus.ObjectPath]chan connmgr.Conn)}
	path := nextProfilePath("client")
	if err := t.bus.Export(cli, path, profileInterfaceName); err != nil {
		return fmt.Errorf("bluez: export client profile: %w", err)
	}
	pm := t.profileManager()
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.opts.DialUUID, optsMap); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
	}
	bus := t.bus
	t.cleanup = append(t.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	t.client = cli
	return nil
}

// Discover scans every adapter until ctx is done and returns the devices
// that advertise the dial UUID, ordered by MAC.
func (t *Transport) Discover(ctx context.Context) ([]Device, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if err := t.ensureBusLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	bus := t.bus
	t.mu.Unlock()

	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}

	// Start discovery on all adapters (best-effort); stop when done.
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; !ok {
			continue
		}
		_ = bus.Object(bluezService, path).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) {
			_ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err
		}(path)
	}

	found := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, t.opts.DialUUID); ok {
			found[dev.Path] = dev
		}
	}

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces, t.opts.DialUUID); ok {
				t.log.Debug("device found",
					logger.Field{Key: "mac", Value: dev.MAC},
					logger.Field{Key: "name", Value: dev.Display()})
				found[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(found))
	for _, d := range found {
		t.names.remember(d.Path, d.Display())
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out, nil
}

// Close unregisters the client profile and closes the bus. It is safe for
// concurrent and redundant calls. Listeners should be closed first.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	released := t.released
	t.mu.Unlock()

	if released != nil {
		select {
		case <-released:
		case <-time.After(unregisterWait):
		}
	}

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// lookupName reads the device's Alias, which BlueZ derives from the
// remote name when no alias is set.
func (t *Transport) lookupName(path string) (string, error) {
	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus == nil {
		return "", errNoBus
	}
	obj := bus.Object(bluezService, dbus.ObjectPath(path))
	for _, prop := range []string{"Alias", "Name"} {
		v, err := obj.GetProperty(deviceIface + "." + prop)
		if err != nil {
			continue
		}
		if s, ok := v.Value().(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("bluez: no name for %s", path)
}

// newConn wraps an RFCOMM socket handed over by BlueZ. The fd is switched
// to non-blocking mode so that Close unblocks a pending Read.
func (t *Transport) newConn(fd dbus.UnixFD, dev dbus.ObjectPath) (*conn, error) {
	if err := syscall.SetNonblock(int(fd), true); err != nil {
		_ = syscall.Close(int(fd))
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fd), "rfcomm:"+macFromPath(string(dev)))
	return &conn{File: f, peer: t.names.name(string(dev))}, nil
}

type conn struct {
	*os.File
	peer string
	once sync.Once
	err  error
}

func (c *conn) RemotePeerName() string { return c.peer }

func (c *conn) Close() error {
	c.once.Do(func() { c.err = c.File.Close() })
	return c.err
}

// serverProfile implements org.bluez.Profile1 for the listening side and
// hands each socket to a waiting Accept.
type serverProfile struct {
	t     *Transport
	conns chan connmgr.Conn
	done  chan struct{}
}

// Release is called by BlueZ when the profile is being released.
func (p *serverProfile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *serverProfile) Cancel() *dbus.Error { return nil }

func (p *serverProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the socket only if an Accept is waiting; an
// extra peer is rejected and its socket closed.
func (p *serverProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	c, err := p.t.newConn(fd, dev)
	if err != nil {
		return rejected(err.Error())
	}
	select {
	case <-p.done:
	default:
		select {
		case p.conns <- c:
			return nil
		default:
		}
	}
	p.t.log.Debug("rejecting inbound connection", logger.Field{Key: "device", Value: string(dev)})
	_ = c.Close()
	return rejected("not accepting")
}

type listener struct {
	t        *Transport
	prof     *serverProfile
	path     dbus.ObjectPath
	released chan struct{}
	once     sync.Once
}

func (l *listener) Accept() (connmgr.Conn, error) {
	select {
	case <-l.prof.done:
		return nil, ErrListenerClosed
	case c := <-l.prof.conns:
		return c, nil
	}
}

// Close unblocks Accept immediately and unregisters the profile in the
// background.
func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.prof.done)
		l.t.mu.Lock()
		bus := l.t.bus
		l.t.mu.Unlock()
		go func() {
			defer close(l.released)
			if bus == nil {
				return
			}
			pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
			if err := pm.Call(profileManagerIface+".UnregisterProfile", 0, l.path).Err; err != nil {
				l.t.log.Warn("unregister server profile",
					logger.Field{Key: "path", Value: string(l.path)},
					logger.Field{Key: "error", Value: err.Error()})
			}
			_ = bus.Export(nil, l.path, profileInterfaceName)
		}()
	})
	return nil
}

// clientProfile implements org.bluez.Profile1 for outbound connections.
// Sockets are matched to the Dial waiting on the same device.
type clientProfile struct {
	t *Transport

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan connmgr.Conn
}

func (p *clientProfile) Release() *dbus.Error { return nil }

func (p *clientProfile) Cancel() *dbus.Error { return nil }

func (p *clientProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

func (p *clientProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	c, err := p.t.newConn(fd, dev)
	if err != nil {
		return rejected(err.Error())
	}
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	if !ok {
		_ = c.Close()
		return rejected("no pending dial")
	}
	ch <- c
	return nil
}

// expect registers interest in the next socket for dev. A newer Dial to
// the same device replaces an older waiter.
func (p *clientProfile) expect(dev dbus.ObjectPath) chan connmgr.Conn {
	ch := make(chan connmgr.Conn, 1)
	p.mu.Lock()
	p.waiters[dev] = ch
	p.mu.Unlock()
	return ch
}

// abandon drops the waiter and closes a socket that arrived after the
// Dial gave up.
func (p *clientProfile) abandon(dev dbus.ObjectPath, ch chan connmgr.Conn) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	select {
	case c := <-ch:
		_ = c.Close()
	default:
	}
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, uuid string) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, uuid) {
		return Device{}, false
	}
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(string(path))
	}
	return Device{
		Path:  string(path),
		MAC:   mac,
		Name:  name,
		Alias: alias,
	}, true
}
