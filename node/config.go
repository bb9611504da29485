package node

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/RAttab/slick-network/discovery"
	"github.com/RAttab/slick-network/transport"
)

// Default configuration constants.
const (
	DefaultName = "node-1"
	DefaultPort = discovery.DefaultPort
)

// Config holds the configuration for a discovery node. The Name is a human
// label for logs and the TUI; the node's cluster identity is the UUID the
// engine generates at start.
type Config struct {
	Name string

	// Port is the listen port; 0 binds an ephemeral port.
	Port uint16

	// Seeds are bootstrap addresses ("host:port").
	Seeds []string

	TTL           time.Duration
	Period        time.Duration
	ConnExpThresh time.Duration

	// MetricsAddr, when non-empty, serves prometheus metrics on that
	// address.
	MetricsAddr string
}

// DefaultConfig returns a config with the engine defaults.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:          name,
		Port:          DefaultPort,
		Seeds:         []string{},
		TTL:           discovery.DefaultTTL,
		Period:        discovery.DefaultPeriod,
		ConnExpThresh: discovery.DefaultConnExpThresh,
	}
}

// LoadFile overlays config values from a viper-readable file (yaml, json,
// toml) onto the receiver. Only keys present in the file are applied.
func (c *Config) LoadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if v.IsSet("name") {
		c.Name = v.GetString("name")
	}
	if v.IsSet("port") {
		c.Port = uint16(v.GetUint32("port"))
	}
	if v.IsSet("seeds") {
		c.Seeds = v.GetStringSlice("seeds")
	}
	if v.IsSet("ttl") {
		c.TTL = v.GetDuration("ttl")
	}
	if v.IsSet("period") {
		c.Period = v.GetDuration("period")
	}
	if v.IsSet("conn-expiration") {
		c.ConnExpThresh = v.GetDuration("conn-expiration")
	}
	if v.IsSet("metrics-addr") {
		c.MetricsAddr = v.GetString("metrics-addr")
	}
	return nil
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}
	if c.TTL <= 0 {
		return ErrInvalidTTL
	}
	if c.Period <= 0 {
		return ErrInvalidPeriod
	}
	if c.ConnExpThresh <= 0 {
		return ErrInvalidConnExp
	}
	if _, err := c.SeedAddrs(); err != nil {
		return err
	}
	return nil
}

// SeedAddrs parses the seed list.
func (c *Config) SeedAddrs() ([]transport.Address, error) {
	return transport.ParseAddresses(c.Seeds)
}
