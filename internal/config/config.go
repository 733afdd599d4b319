// Package config defines the runtime configuration for btserial and
// loads it from a YAML file and BTSERIAL_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	TransportBlueZ = "bluez"
	TransportTCP   = "tcp"
)

// Config holds every tuneable for a btserial process.
type Config struct {
	Transport string        `yaml:"transport" validate:"required,oneof=bluez tcp"`
	Service   ServiceConfig `yaml:"service"`
	TCP       TCPConfig     `yaml:"tcp"`
	Session   SessionConfig `yaml:"session"`
	Log       LogConfig     `yaml:"log"`
}

// ServiceConfig describes the RFCOMM service record the listener
// registers and the profile dialed on the remote side. DialUUID defaults
// to UUID when empty.
type ServiceConfig struct {
	Name         string        `yaml:"name" validate:"required"`
	UUID         string        `yaml:"uuid" validate:"required,uuid"`
	DialUUID     string        `yaml:"dial_uuid" validate:"omitempty,uuid"`
	Channel      uint16        `yaml:"channel" validate:"min=1,max=30"`
	Adapter      string        `yaml:"adapter" validate:"required"`
	NameCacheTTL time.Duration `yaml:"name_cache_ttl"`
}

// TCPConfig is used by the loopback transport.
type TCPConfig struct {
	ListenAddr string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// SessionConfig tunes the established session.
type SessionConfig struct {
	ReadBufferSize int `yaml:"read_buffer_size" validate:"min=1,max=65536"`
	// DialTimeout bounds a single outbound attempt; zero leaves it to the
	// transport.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// validate is shared; building a validator is expensive.
var validate = validator.New()

// Load returns the defaults overlaid with the YAML file at path (if any)
// and then with BTSERIAL_* environment variables. The result is not
// validated so that CLI flags can still be applied on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	LoadFromEnv(cfg)
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Transport == TransportTCP && c.TCP.ListenAddr == "" {
		return fmt.Errorf("config: tcp transport requires tcp.listen")
	}
	return nil
}
