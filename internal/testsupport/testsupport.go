// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/rs/zerolog"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

var (
	usedPorts   = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostAddrPort returns an addrport on the IPv4 loopback with a random port >= 1024.
// Maintains a map of ports that it has given out to ensure no duplicates within a test binary.
func RandomLocalhostAddrPort() netip.AddrPort {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	var port uint16
	for {
		port = uint16(1024 + rand.Uint32N(math.MaxUint16-1024))
		if !usedPorts[port] {
			usedPorts[port] = true
			break
		}
	}

	return netip.MustParseAddrPort("127.0.0.1:" + strconv.FormatUint(uint64(port), 10))
}

// Logger returns a console logger at debug level, tagged with the test's name.
func Logger(name string) *zerolog.Logger {
	l := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.TimeFormat = "15:04:05"
	})).With().Str("test", name).Timestamp().Logger().Level(zerolog.DebugLevel)
	return &l
}

// CoAPPing is a helper function that sends a CoAP ping to the given address.
func CoAPPing(addr string, timeout time.Duration) error {
	conn, err := udp.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return conn.Ping(ctx)
}
