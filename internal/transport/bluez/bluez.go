// Package bluez implements connmgr.Transport on top of the BlueZ D-Bus
// API. The listener registers an org.bluez.Profile1 server profile on a
// fixed RFCOMM channel and receives connected sockets through
// NewConnection; the dialer registers a client profile once and asks the
// remote device to ConnectProfile.
//
// Only Linux is supported; on other platforms every operation returns
// ErrNotSupported.
package bluez

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"btserial/internal/config"
	"btserial/internal/logger"
)

var (
	// ErrListenerClosed is returned by Accept once the listener is closed.
	ErrListenerClosed = errors.New("bluez: listener closed")
	// ErrNotSupported is returned on platforms without BlueZ.
	ErrNotSupported = errors.New("bluez: not supported on this platform")
	// ErrClosed is returned after the transport has been closed.
	ErrClosed = errors.New("bluez: transport closed")
)

// Options configures the service record and the adapter used for dialing.
type Options struct {
	ServiceName string
	// UUID identifies the listening service record.
	UUID string
	// DialUUID is the profile requested from remote devices; it defaults
	// to UUID.
	DialUUID     string
	Channel      uint16
	Adapter      string
	NameCacheTTL time.Duration
	Logger       logger.Logger
}

// OptionsFromConfig maps the service section of a config.
func OptionsFromConfig(c config.ServiceConfig, log logger.Logger) Options {
	return Options{
		ServiceName:  c.Name,
		UUID:         c.UUID,
		DialUUID:     c.DialUUID,
		Channel:      c.Channel,
		Adapter:      c.Adapter,
		NameCacheTTL: c.NameCacheTTL,
		Logger:       log,
	}
}

func (o Options) withDefaults() Options {
	if o.ServiceName == "" {
		o.ServiceName = config.DefaultServiceName
	}
	if o.UUID == "" {
		o.UUID = config.SPPUUID
	}
	o.UUID = strings.ToLower(o.UUID)
	if o.DialUUID == "" {
		o.DialUUID = o.UUID
	}
	o.DialUUID = strings.ToLower(o.DialUUID)
	if o.Channel == 0 {
		o.Channel = config.DefaultRFCOMMChannel
	}
	if o.Adapter == "" {
		o.Adapter = config.DefaultAdapter
	}
	if o.NameCacheTTL <= 0 {
		o.NameCacheTTL = config.DefaultNameCacheTTL
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// Device is a remote device known to BlueZ. Path is always set.
type Device struct {
	Path  string
	MAC   string
	Name  string
	Alias string
}

// Display returns the best human-readable label for d.
func (d Device) Display() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	default:
		return d.MAC
	}
}

// devicePath resolves a dial target to a BlueZ object path. The target
// is either an object path (/org/bluez/hci0/dev_...) or a MAC address on
// the given adapter.
func devicePath(adapter, target string) (string, error) {
	if strings.HasPrefix(target, "/") {
		if macFromPath(target) == "" {
			return "", fmt.Errorf("bluez: %q is not a device path", target)
		}
		return target, nil
	}
	hw, err := net.ParseMAC(target)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("bluez: invalid target %q: want a MAC address or device path", target)
	}
	mac := strings.ToUpper(hw.String())
	return "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(mac, ":", "_"), nil
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p string) string {
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
