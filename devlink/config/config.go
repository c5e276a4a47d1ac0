// Package config loads the TOML configuration of the devlink command.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/TheusHen/devlink/devlink/crypto"
	"github.com/TheusHen/devlink/devlink/log"
	"github.com/TheusHen/devlink/devlink/transfer"
)

const (
	defaultAddress  = "[::1]:4433"
	defaultLogLevel = "NOTICE"
)

// Logging configures the log backend.
type Logging struct {
	// File is the log file; empty logs to stdout.
	File    string
	Level   string
	Disable bool
}

// Transport configures the QUIC endpoint.
type Transport struct {
	// Address is the listen address for serve and the peer for send.
	Address string
	// MaxFragmentBody bounds the body carried by one envelope. Zero selects
	// the largest body an envelope can hold.
	MaxFragmentBody int
	// Compression is one of "none", "fast", "default" or "best".
	Compression string
}

// CompressionLevel returns the configured level.
func (t *Transport) CompressionLevel() (transfer.CompressionLevel, error) {
	switch strings.ToLower(t.Compression) {
	case "", "none":
		return transfer.CompressionNone, nil
	case "fast":
		return transfer.CompressionFast, nil
	case "default":
		return transfer.CompressionDefault, nil
	case "best":
		return transfer.CompressionBest, nil
	}
	return transfer.CompressionNone, fmt.Errorf("config: Transport: unknown Compression %q", t.Compression)
}

// Metrics configures the Prometheus endpoint of serve.
type Metrics struct {
	// Address is the HTTP listen address; empty disables the endpoint.
	Address string
}

// Keys holds the pre-shared session secret.
type Keys struct {
	// SecretHex is the hex-encoded session secret, at least 64 bytes.
	SecretHex string
}

// Config is the top level configuration.
type Config struct {
	Logging   *Logging
	Transport *Transport
	Metrics   *Metrics
	Keys      *Keys
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: Logging: %w", err)
	}

	if c.Transport == nil {
		c.Transport = &Transport{}
	}
	if c.Transport.Address == "" {
		c.Transport.Address = defaultAddress
	}
	if c.Transport.MaxFragmentBody < 0 || c.Transport.MaxFragmentBody > crypto.MaxBodySize {
		return fmt.Errorf("config: Transport: MaxFragmentBody must be in [0, %d]", crypto.MaxBodySize)
	}
	if _, err := c.Transport.CompressionLevel(); err != nil {
		return err
	}

	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	if c.Keys == nil || c.Keys.SecretHex == "" {
		return errors.New("config: no Keys block was present")
	}
	if _, err := c.KeyMaterial(); err != nil {
		return err
	}
	return nil
}

// KeyMaterial decodes the configured secret.
func (c *Config) KeyMaterial() (crypto.KeyMaterial, error) {
	if c.Keys == nil {
		return crypto.KeyMaterial{}, errors.New("config: no Keys block was present")
	}
	secret, err := hex.DecodeString(c.Keys.SecretHex)
	if err != nil {
		return crypto.KeyMaterial{}, fmt.Errorf("config: Keys: SecretHex: %w", err)
	}
	km, err := crypto.NewKeyMaterial(secret)
	clear(secret)
	if err != nil {
		return crypto.KeyMaterial{}, fmt.Errorf("config: Keys: %w", err)
	}
	return km, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
