package config

// Precedence order (highest wins):
//   1. CLI flags  (cmd/btserial)
//   2. Environment variables  (this file)
//   3. YAML file
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv overlays BTSERIAL_* environment variables onto cfg. Only
// non-empty, parseable values override the existing value.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BTSERIAL_TRANSPORT"); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("BTSERIAL_SERVICE_NAME"); v != "" {
		cfg.Service.Name = v
	}
	if v := os.Getenv("BTSERIAL_SERVICE_UUID"); v != "" {
		cfg.Service.UUID = strings.ToLower(v)
	}
	if v := os.Getenv("BTSERIAL_DIAL_UUID"); v != "" {
		cfg.Service.DialUUID = strings.ToLower(v)
	}
	if v := envInt("BTSERIAL_CHANNEL"); v > 0 {
		cfg.Service.Channel = uint16(v)
	}
	if v := os.Getenv("BTSERIAL_ADAPTER"); v != "" {
		cfg.Service.Adapter = v
	}
	if v := envDuration("BTSERIAL_NAME_CACHE_TTL"); v > 0 {
		cfg.Service.NameCacheTTL = v
	}
	if v := os.Getenv("BTSERIAL_TCP_LISTEN"); v != "" {
		cfg.TCP.ListenAddr = v
	}
	if v := envInt("BTSERIAL_READ_BUFFER_SIZE"); v > 0 {
		cfg.Session.ReadBufferSize = v
	}
	if v := envDuration("BTSERIAL_DIAL_TIMEOUT"); v > 0 {
		cfg.Session.DialTimeout = v
	}
	if v := os.Getenv("BTSERIAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
