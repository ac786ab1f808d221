// Package bridge exposes a Dispatcher over HTTP.
//
// A Bridge owns the process's mailbox channel and the admin endpoint in front of it.
// Start runs the initialization sub-protocol: acquire the channel, then register the endpoint.
// If registration fails, the channel is released before Start returns.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rflandau/qmp/qmp/dispatch"
	"github.com/rflandau/qmp/qmp/mailbox"
	"github.com/rs/zerolog"
)

const (
	_API_NAME    string = "QMP Bridge"
	_API_VERSION string = "1.0.0"
)

// DefaultMaxBodyBytes caps the size of a request body the admin endpoint will read.
// Bodies under the cap but over qmp.MaxMsgSize are read and dropped.
const DefaultMaxBodyBytes int64 = 4096

// How long Stop waits for in-flight requests before closing connections outright.
const shutdownGrace = 2 * time.Second

// ErrStarted is returned when Start is called on a bridge that has already been started.
var ErrStarted = errors.New("bridge has already been started")

/*
A Bridge accepts messages on its admin endpoint and hands them to its Dispatcher.
Should be constructed via New().
*/
type Bridge struct {
	log  *zerolog.Logger
	addr netip.AddrPort
	ctrl mailbox.Controller
	disp *dispatch.Dispatcher

	dispOpts     []dispatch.Option
	maxBodyBytes int64

	mu      sync.Mutex // held while starting/stopping
	started bool
	endpoint struct {
		api   huma.API
		mux   *http.ServeMux
		http  *http.Server
		bound netip.AddrPort
		done  chan struct{} // closed when Serve returns
	}
}

// Function to set various options on the bridge.
// Uses defaults if an option is not set.
type Option func(*Bridge)

//#region options

// Override the default, verbose logger.
// To disable logging, pass a disabled zerolog logger.
func WithLogger(l *zerolog.Logger) Option {
	if l == nil {
		panic("cannot set logger to nil")
	}
	return func(b *Bridge) {
		b.log = l
	}
}

// Pass options through to the bridge's dispatcher.
// The dispatcher's logger is always derived from the bridge's.
func WithDispatcherOptions(opts ...dispatch.Option) Option {
	return func(b *Bridge) {
		b.dispOpts = append(b.dispOpts, opts...)
	}
}

// Set the largest request body the admin endpoint will read.
func WithMaxBodyBytes(n int64) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxBodyBytes = n
		}
	}
}

//#endregion options

// New returns a bridge that will request its channel from ctrl and listen on addr once started.
// Port 0 selects a free port on Start; see AddrPort.
func New(addr netip.AddrPort, ctrl mailbox.Controller, opts ...Option) (*Bridge, error) {
	if !addr.IsValid() {
		return nil, mailbox.ErrBadAddr(addr)
	} else if ctrl == nil {
		return nil, dispatch.ErrNilController
	}

	b := &Bridge{
		addr:         addr,
		ctrl:         ctrl,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"bridge"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("bridge", addr.String()).
			Timestamp().
			Caller().
			Logger().Level(zerolog.DebugLevel)
		b.log = &l
	}
	dl := b.log.With().Str("sublogger", "dispatcher").Logger()
	b.disp = dispatch.New(append(b.dispOpts, dispatch.WithLogger(&dl))...)

	b.endpoint.mux = http.NewServeMux()
	b.endpoint.api = humago.New(b.endpoint.mux, huma.DefaultConfig(_API_NAME, _API_VERSION))
	b.buildEndpoints()

	b.log.Debug().Func(b.Zerolog).Msg("new bridge created")
	return b, nil
}

//#region getters

// AddrPort returns the address the admin endpoint is bound to.
// Before Start, it returns the address given to New.
func (b *Bridge) AddrPort() netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoint.bound.IsValid() {
		return b.endpoint.bound
	}
	return b.addr
}

// URL returns the base URL of the admin endpoint.
func (b *Bridge) URL() string {
	return "http://" + b.AddrPort().String()
}

// Dispatcher returns the bridge's dispatcher.
func (b *Bridge) Dispatcher() *dispatch.Dispatcher {
	return b.disp
}

//#endregion getters

// Start acquires the mailbox channel and then exposes the admin endpoint.
//
// If the channel cannot be acquired, no listener is opened and the error wraps dispatch.ErrChannelAcquisition.
// If the endpoint cannot be registered, the channel is released and the error wraps ErrEndpointRegistration.
// Either way the dispatcher is left Failed; a bridge can only be started once.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrStarted
	}
	b.started = true

	if err := b.disp.Open(ctx, b.ctrl); err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", b.addr.String())
	if err != nil {
		b.disp.Abort()
		b.log.Error().Err(err).Str("address", b.addr.String()).Msg("failed to register admin endpoint; channel released")
		return fmt.Errorf("%w: %w", ErrEndpointRegistration, err)
	}
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		bound := ta.AddrPort()
		b.endpoint.bound = netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())
	}

	b.endpoint.http = &http.Server{
		Handler:           b.endpoint.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	b.endpoint.done = make(chan struct{})
	go func(srv *http.Server, done chan<- struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error().Err(err).Msg("admin endpoint exited")
		}
	}(b.endpoint.http, b.endpoint.done)

	b.log.Info().Str("address", b.endpoint.bound.String()).Msg("listening...")
	return nil
}

// Stop closes the admin endpoint and releases the mailbox channel.
// Ineffectual if already stopped.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.endpoint.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		err := b.endpoint.http.Shutdown(ctx)
		cancel()
		if err != nil {
			b.endpoint.http.Close()
		}
		<-b.endpoint.done
		b.log.Info().Str("address", b.endpoint.bound.String()).AnErr("shutdown error", err).Msg("killed http server")
		b.endpoint.http = nil
		b.endpoint.bound = netip.AddrPort{}
	}
	return b.disp.Close()
}

// Zerolog pretty prints the state of the bridge into the given zerolog event.
// Intended to be given to *zerolog.Event.Func().
func (b *Bridge) Zerolog(e *zerolog.Event) {
	e.Str("address", b.addr.String()).
		Int64("max body bytes", b.maxBodyBytes).
		Func(b.disp.Zerolog)
}
