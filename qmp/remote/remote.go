// Package remote emulates the co-processor at the far end of the mailbox.
//
// A Coprocessor listens for packets (framed datagrams by default, CoAP when built WithCoAP),
// refuses anything the real firmware would refuse, and keeps a bounded history of what it accepted.
// It exists to exercise the bridge end to end without hardware; see aopemu/ for a standalone binary.
package remote

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/rflandau/qmp/qmp"
	"github.com/rflandau/qmp/qmp/packet"
	"github.com/rflandau/qmp/qmp/protocol"
	"github.com/rs/zerolog"
)

// DefaultHistoryDepth is the number of accepted packets a Coprocessor remembers.
const DefaultHistoryDepth = 64

// A Received packet, as recorded by the Coprocessor.
type Received struct {
	Payload []byte
	At      time.Time
}

// A Coprocessor is an emulated remote.
// Build one with New; it does nothing until it is .Start()'d.
type Coprocessor struct {
	log    *zerolog.Logger
	addr   netip.AddrPort
	device string
	coap   bool
	delay  atomic.Int64 // nanoseconds to wait before answering

	net struct {
		accepting atomic.Bool
		mu        sync.Mutex // held while starting/stopping
		bound     netip.AddrPort
		pconn     net.PacketConn // UDP mode
		coapSrv   *server.Server // CoAP mode
		coapL     *coapnet.UDPConn
		done      chan struct{}  // closed when the serving goroutine exits
		cancel    context.CancelFunc
	}
	router *mux.Router

	history struct {
		mu    sync.Mutex
		depth int
		recv  []Received
		total uint64
	}
}

// Option configures a Coprocessor.
// Uses defaults if an option is not set.
type Option func(*Coprocessor)

// WithLogger replaces the default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Coprocessor) { c.log = l }
}

// WithCoAP causes the Coprocessor to serve CoAP instead of framed datagrams.
func WithCoAP() Option {
	return func(c *Coprocessor) { c.coap = true }
}

// WithDevice sets the CoAP resource packets are accepted on (/<device>). Defaults to qmp.Device.
func WithDevice(device string) Option {
	return func(c *Coprocessor) { c.device = device }
}

// WithHistoryDepth sets how many accepted packets are remembered.
func WithHistoryDepth(depth int) Option {
	return func(c *Coprocessor) {
		if depth > 0 {
			c.history.depth = depth
		}
	}
}

// WithDelay causes the Coprocessor to wait d before answering each request.
func WithDelay(d time.Duration) Option {
	return func(c *Coprocessor) { c.delay.Store(int64(d)) }
}

// New returns a Coprocessor that will listen on addr.
// Port 0 selects a free port on Start; see Addr.
func New(addr netip.AddrPort, opts ...Option) (*Coprocessor, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("address %v is not a valid ip:port", addr)
	}
	c := &Coprocessor{addr: addr, device: qmp.Device}
	c.history.depth = DefaultHistoryDepth
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"remote"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("remote", addr.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		c.log = &l
	}
	if c.coap {
		c.buildRouter()
	}
	c.log.Debug().Func(c.Zerolog).Msg("coprocessor created")
	return c, nil
}

//#region getters

// Addr returns the address the Coprocessor is bound to.
// Before Start, it returns the address given to New.
func (c *Coprocessor) Addr() netip.AddrPort {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.bound.IsValid() {
		return c.net.bound
	}
	return c.addr
}

// Received returns a copy of the accepted packets still in history, oldest first.
func (c *Coprocessor) Received() []Received {
	c.history.mu.Lock()
	defer c.history.mu.Unlock()
	out := make([]Received, len(c.history.recv))
	copy(out, c.history.recv)
	return out
}

// Total returns the number of packets accepted over the Coprocessor's lifetime.
func (c *Coprocessor) Total() uint64 {
	c.history.mu.Lock()
	defer c.history.mu.Unlock()
	return c.history.total
}

// SetDelay changes how long the Coprocessor waits before answering.
func (c *Coprocessor) SetDelay(d time.Duration) {
	c.delay.Store(int64(d))
}

//#endregion getters

// accept applies the firmware's acceptance rules to payload and records it.
// Returns the fault to answer with if payload is refused.
func (c *Coprocessor) accept(payload []byte) *protocol.FaultBody {
	switch {
	case len(payload) == 0:
		return &protocol.FaultBody{Errno: protocol.ErrnoMalformed, Reason: "empty payload"}
	case len(payload) > packet.Capacity:
		return &protocol.FaultBody{Errno: protocol.ErrnoTooLarge, Reason: fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), packet.Capacity)}
	case len(payload)%qmp.Alignment != 0:
		return &protocol.FaultBody{Errno: protocol.ErrnoMisaligned, Reason: fmt.Sprintf("payload of %d bytes is not %d byte aligned", len(payload), qmp.Alignment)}
	}

	r := Received{Payload: append([]byte(nil), payload...), At: time.Now()}
	c.history.mu.Lock()
	c.history.recv = append(c.history.recv, r)
	if over := len(c.history.recv) - c.history.depth; over > 0 {
		c.history.recv = c.history.recv[over:]
	}
	c.history.total++
	c.history.mu.Unlock()
	c.log.Debug().Int("size", len(payload)).Hex("payload", payload).Msg("packet accepted")
	return nil
}

// stall waits out the configured delay, returning early if ctx is done.
func (c *Coprocessor) stall(ctx context.Context) {
	d := time.Duration(c.delay.Load())
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Start causes the Coprocessor to begin listening.
// Ineffectual if already listening.
func (c *Coprocessor) Start() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if !c.net.accepting.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.coap {
		err = c.startCoAP()
	} else {
		err = c.startUDP()
	}
	if err != nil {
		c.net.accepting.Store(false)
		return err
	}
	c.log.Info().Str("local address", c.net.bound.String()).Bool("coap", c.coap).Msg("accepting packets")
	return nil
}

// Stop causes the Coprocessor to stop listening and waits for its serving goroutine to exit.
// Ineffectual if not listening.
func (c *Coprocessor) Stop() {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if !c.net.accepting.CompareAndSwap(true, false) {
		return
	}
	c.log.Info().Msg("shuttering coprocessor...")
	c.net.cancel()
	if c.coap {
		c.stopCoAP()
	} else {
		c.stopUDP()
	}
	<-c.net.done
	c.net.bound = netip.AddrPort{}
}

// Zerolog pretty prints the state of the coprocessor into the given zerolog event.
// Intended to be given to *zerolog.Event.Func().
func (c *Coprocessor) Zerolog(e *zerolog.Event) {
	e.Str("address", c.addr.String()).
		Bool("coap", c.coap).
		Str("device", c.device).
		Dur("delay", time.Duration(c.delay.Load())).
		Int("history depth", c.history.depth)
}
