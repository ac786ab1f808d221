// Package config loads the bridge daemon's TOML configuration.
//
// Every key is optional; keys that are absent keep their Default value.
// The message size limit, alignment, and client flags are compiled in and cannot be configured.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rflandau/qmp/qmp"
	"github.com/rs/zerolog"
)

// Transport names the mailbox transport the daemon reaches the remote over.
type Transport string

const (
	TransportUDP  Transport = "udp"
	TransportCoAP Transport = "coap"
	// In-process mailbox with nothing draining it. Useful only for exercising the admin endpoint.
	TransportRing Transport = "ring"
)

var (
	ErrUnknownTransport = errors.New("transport must be one of udp, coap, ring")
	ErrNoRemote         = errors.New("remote address is required for network transports")
	ErrUnknownKeys      = errors.New("unknown configuration keys")
	ErrTimeoutConflict  = errors.New("tx_timeout and tx_timeout_ms are mutually exclusive")
)

// Config is the daemon's resolved configuration.
type Config struct {
	Admin        netip.AddrPort
	Transport    Transport
	Remote       netip.AddrPort
	Device       string
	TxTimeout    time.Duration
	MaxBodyBytes int64
	LogLevel     zerolog.Level
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Admin:        netip.MustParseAddrPort("127.0.0.1:8080"),
		Transport:    TransportUDP,
		Remote:       netip.MustParseAddrPort("127.0.0.1:5683"),
		Device:       qmp.Device,
		TxTimeout:    qmp.TxTimeout,
		MaxBodyBytes: 4096,
		LogLevel:     zerolog.InfoLevel,
	}
}

type fileConfig struct {
	Admin        string `toml:"admin"`
	Transport    string `toml:"transport"`
	Remote       string `toml:"remote"`
	Device       string `toml:"device"`
	TxTimeout    string `toml:"tx_timeout"`
	TxTimeoutMS  int64  `toml:"tx_timeout_ms"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
	LogLevel     string `toml:"log_level"`
}

// Load reads the TOML file at path over the defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return resolve(raw, meta)
}

// Parse is Load for configuration already in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownKeys, strings.Join(keys, ", "))
	}

	if meta.IsDefined("tx_timeout") && meta.IsDefined("tx_timeout_ms") {
		return Config{}, ErrTimeoutConflict
	}

	cfg := Default()
	var err error

	if meta.IsDefined("admin") {
		if cfg.Admin, err = netip.ParseAddrPort(strings.TrimSpace(raw.Admin)); err != nil {
			return Config{}, fmt.Errorf("parse admin: %w", err)
		}
	}

	if meta.IsDefined("transport") {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Transport)))
	}

	if meta.IsDefined("remote") {
		if cfg.Remote, err = netip.ParseAddrPort(strings.TrimSpace(raw.Remote)); err != nil {
			return Config{}, fmt.Errorf("parse remote: %w", err)
		}
	}

	if meta.IsDefined("device") {
		if d := strings.TrimSpace(raw.Device); d != "" {
			cfg.Device = d
		}
	}

	if meta.IsDefined("tx_timeout") {
		if cfg.TxTimeout, err = time.ParseDuration(strings.TrimSpace(raw.TxTimeout)); err != nil {
			return Config{}, fmt.Errorf("parse tx_timeout: %w", err)
		}
	}

	if meta.IsDefined("tx_timeout_ms") {
		cfg.TxTimeout = time.Duration(raw.TxTimeoutMS) * time.Millisecond
	}

	if meta.IsDefined("max_body_bytes") {
		cfg.MaxBodyBytes = raw.MaxBodyBytes
	}

	if meta.IsDefined("log_level") {
		if cfg.LogLevel, err = zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel)); err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	var errs []error
	if !c.Admin.IsValid() {
		errs = append(errs, fmt.Errorf("admin address %v is not a valid ip:port", c.Admin))
	}
	switch c.Transport {
	case TransportUDP, TransportCoAP:
		if !c.Remote.IsValid() {
			errs = append(errs, ErrNoRemote)
		}
	case TransportRing:
	default:
		errs = append(errs, fmt.Errorf("%w (given %q)", ErrUnknownTransport, c.Transport))
	}
	if c.TxTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tx timeout must be greater than 0 (given %v)", c.TxTimeout))
	}
	if c.MaxBodyBytes < int64(qmp.MaxMsgSize) {
		errs = append(errs, fmt.Errorf("max body bytes must be at least %d (given %d)", qmp.MaxMsgSize, c.MaxBodyBytes))
	}
	return errors.Join(errs...)
}

// Zerolog attaches the configuration to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (c Config) Zerolog(ev *zerolog.Event) {
	ev.Str("admin", c.Admin.String()).
		Str("transport", string(c.Transport)).
		Str("remote", c.Remote.String()).
		Str("device", c.Device).
		Dur("tx timeout", c.TxTimeout).
		Int64("max body bytes", c.MaxBodyBytes).
		Str("log level", c.LogLevel.String())
}
