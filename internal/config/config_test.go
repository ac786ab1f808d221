package config_test

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rflandau/qmp/internal/config"
	. "github.com/rflandau/qmp/internal/testsupport"
	"github.com/rflandau/qmp/qmp"
	"github.com/rs/zerolog"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal("defaults do not validate: ", err)
	}
	if cfg.TxTimeout != qmp.TxTimeout {
		t.Error(ExpectedActual(qmp.TxTimeout, cfg.TxTimeout))
	}
	if cfg.Device != qmp.Device {
		t.Error(ExpectedActual(qmp.Device, cfg.Device))
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		check   func(*testing.T, config.Config)
		wantErr error // nil means no error; errAny means any error
	}{
		{"empty", "", func(t *testing.T, c config.Config) {
			if c != config.Default() {
				t.Error("empty config did not yield defaults", ExpectedActual(config.Default(), c))
			}
		}, nil},
		{"full", `
admin = "0.0.0.0:9000"
transport = "CoAP"
remote = "10.0.0.2:5683"
device = "modem"
tx_timeout = "250ms"
max_body_bytes = 1024
log_level = "debug"
`, func(t *testing.T, c config.Config) {
			want := config.Config{
				Admin:        netip.MustParseAddrPort("0.0.0.0:9000"),
				Transport:    config.TransportCoAP,
				Remote:       netip.MustParseAddrPort("10.0.0.2:5683"),
				Device:       "modem",
				TxTimeout:    250 * time.Millisecond,
				MaxBodyBytes: 1024,
				LogLevel:     zerolog.DebugLevel,
			}
			if c != want {
				t.Error(ExpectedActual(want, c))
			}
		}, nil},
		{"timeout in ms", "tx_timeout_ms = 40", func(t *testing.T, c config.Config) {
			if c.TxTimeout != 40*time.Millisecond {
				t.Error(ExpectedActual(40*time.Millisecond, c.TxTimeout))
			}
		}, nil},
		{"blank device keeps default", `device = "  "`, func(t *testing.T, c config.Config) {
			if c.Device != qmp.Device {
				t.Error(ExpectedActual(qmp.Device, c.Device))
			}
		}, nil},
		{"ring needs no remote", "transport = \"ring\"", nil, nil},
		{"unknown transport", `transport = "serial"`, nil, config.ErrUnknownTransport},
		{"unknown key", `colour = "blue"`, nil, config.ErrUnknownKeys},
		{"both timeouts", "tx_timeout = \"40ms\"\ntx_timeout_ms = 40", nil, config.ErrTimeoutConflict},
		{"bad admin", `admin = "localhost"`, nil, errAny},
		{"bad timeout", `tx_timeout = "soon"`, nil, errAny},
		{"zero timeout", `tx_timeout_ms = 0`, nil, errAny},
		{"tiny body cap", `max_body_bytes = 8`, nil, errAny},
		{"bad level", `log_level = "loud"`, nil, errAny},
		{"malformed toml", `admin = `, nil, errAny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Parse(tt.data)
			switch {
			case tt.wantErr == nil && err != nil:
				t.Fatal("unexpected error: ", err)
			case tt.wantErr == errAny && err == nil, tt.wantErr != nil && tt.wantErr != errAny && !errors.Is(err, tt.wantErr):
				t.Fatal(ExpectedActual(tt.wantErr, err))
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmpd.toml")
	if err := os.WriteFile(path, []byte("transport = \"udp\"\nremote = \"127.0.0.1:7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := netip.MustParseAddrPort("127.0.0.1:7000"); cfg.Remote != want {
		t.Error(ExpectedActual(want, cfg.Remote))
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
