package config

import "time"

// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the config file and environment loading.
const (
	// DefaultServiceName is the SDP service record name.
	DefaultServiceName = "btserial"

	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint16 = 22

	DefaultAdapter = "hci0"

	// DefaultNameCacheTTL is how long a resolved peer display name is reused.
	DefaultNameCacheTTL = 5 * time.Minute

	DefaultTCPListenAddr = "127.0.0.1:7070"

	// DefaultReadBufferSize is the per-read chunk size of a session.
	DefaultReadBufferSize = 1024

	DefaultLogLevel = "info"
)

// Default returns a Config populated with the defaults above, using the
// BlueZ transport.
func Default() *Config {
	return &Config{
		Transport: TransportBlueZ,
		Service: ServiceConfig{
			Name:         DefaultServiceName,
			UUID:         SPPUUID,
			Channel:      DefaultRFCOMMChannel,
			Adapter:      DefaultAdapter,
			NameCacheTTL: DefaultNameCacheTTL,
		},
		TCP: TCPConfig{
			ListenAddr: DefaultTCPListenAddr,
		},
		Session: SessionConfig{
			ReadBufferSize: DefaultReadBufferSize,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}
