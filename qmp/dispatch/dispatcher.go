// Package dispatch owns the bridge's single mailbox channel and pushes packets through it.
//
// A Dispatcher is created Uninitialized, becomes Ready once Open acquires a channel, and stays Ready for the rest of its life,
// whatever individual submissions do. Submissions are serialized: the mailbox supports one outstanding message.
//
// The write path (Write and Deliver) never surfaces per-message failures to its caller.
// Every outcome is logged and counted instead, so the admin endpoint stays writable while the remote misbehaves.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rflandau/qmp/internal/observability"
	"github.com/rflandau/qmp/qmp"
	"github.com/rflandau/qmp/qmp/mailbox"
	"github.com/rflandau/qmp/qmp/packet"
	"github.com/rs/zerolog"
)

// State of a Dispatcher.
type State uint32

const (
	Uninitialized State = iota
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

//#region errors

var (
	ErrChannelAcquisition = errors.New("failed to acquire a mailbox channel")
	ErrSubmit             = errors.New("failed to send qmp request")
	ErrNotReady           = errors.New("dispatcher does not hold a channel")
	ErrAlreadyOpened      = errors.New("dispatcher has already been opened")
	ErrNilController      = errors.New("controller must not be nil")
)

//#endregion errors

// Stats counts the outcomes of every message delivered to a Dispatcher.
type Stats struct {
	Sent           uint64 `json:"sent" doc:"messages accepted by the mailbox"`
	Rejected       uint64 `json:"rejected" doc:"messages dropped for being empty or too large"`
	CopyFailures   uint64 `json:"copy_failures" doc:"messages dropped because they could not be read from the caller"`
	SubmitFailures uint64 `json:"submit_failures" doc:"packets the mailbox refused or timed out on"`
}

// A Dispatcher submits packets over a single mailbox channel.
// Build one with New.
type Dispatcher struct {
	log    *zerolog.Logger
	client mailbox.Client
	state  atomic.Uint32

	mu sync.Mutex // held for the whole of a submission; guards ch
	ch mailbox.Channel

	stats struct {
		sent, rejected, copyFailures, submitFailures atomic.Uint64
	}
}

// Option sets various options on the dispatcher.
// Uses defaults if an option is not set.
type Option func(*Dispatcher)

// WithLogger replaces the dispatcher's default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithTxTimeout overrides qmp.TxTimeout as the bound on each blocking submission.
func WithTxTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.client.TxTimeout = t
		}
	}
}

// WithDevice overrides the device name the channel is requested under.
func WithDevice(device string) Option {
	return func(d *Dispatcher) {
		if device != "" {
			d.client.Device = device
		}
	}
}

// New returns an Uninitialized dispatcher. Call Open to acquire its channel.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{client: mailbox.DefaultClient()}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"device"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("device", d.client.Device).
			Timestamp().
			Caller().
			Logger().Level(zerolog.InfoLevel)
		d.log = &l
	}
	return d
}

//#region getters

// State returns the current state of the dispatcher.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Client returns the parameters the dispatcher requests its channel with.
func (d *Dispatcher) Client() mailbox.Client {
	return d.client
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:           d.stats.sent.Load(),
		Rejected:       d.stats.rejected.Load(),
		CopyFailures:   d.stats.copyFailures.Load(),
		SubmitFailures: d.stats.submitFailures.Load(),
	}
}

//#endregion getters

// Open runs the initialization sub-protocol: it requests a channel from ctrl using the dispatcher's fixed client parameters.
// On success the dispatcher is Ready.
// On failure the dispatcher is Failed and the error wraps ErrChannelAcquisition.
//
// A dispatcher can only be opened once.
func (d *Dispatcher) Open(ctx context.Context, ctrl mailbox.Controller) error {
	if ctx == nil {
		return qmp.ErrNilCtx
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != Uninitialized {
		return ErrAlreadyOpened
	}
	if ctrl == nil {
		d.state.Store(uint32(Failed))
		return fmt.Errorf("%w: %w", ErrChannelAcquisition, ErrNilController)
	}

	ch, err := ctrl.RequestChannel(ctx, d.client)
	if err != nil {
		d.state.Store(uint32(Failed))
		d.log.Error().Err(err).Func(d.client.Zerolog).Msg("failed to acquire mailbox channel")
		return fmt.Errorf("%w: %w", ErrChannelAcquisition, err)
	}
	d.ch = ch
	d.state.Store(uint32(Ready))
	observability.SetChannelUp(d.client.Device, true)
	d.log.Debug().Func(d.Zerolog).Msg("channel acquired")
	return nil
}

// Abort releases the channel and marks the dispatcher Failed.
// Used when a later initialization step fails after Open succeeded.
func (d *Dispatcher) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release()
	d.state.Store(uint32(Failed))
}

// Close releases the channel as part of teardown.
// Ineffectual if already closed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Closed {
		return nil
	}
	err := d.release()
	d.state.Store(uint32(Closed))
	return err
}

// release frees the channel, if one is held.
// Caller must hold d.mu.
func (d *Dispatcher) release() error {
	if d.ch == nil {
		return nil
	}
	err := d.ch.Free()
	d.ch = nil
	observability.SetChannelUp(d.client.Device, false)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to free channel")
	} else {
		d.log.Debug().Msg("channel freed")
	}
	return err
}

// Submit sends pkt over the channel, blocking until the mailbox accepts it or the client's TxTimeout elapses.
// Only one submission is in flight at a time; concurrent callers queue on the dispatcher's lock.
//
// Failures wrap ErrSubmit and are not retried. The dispatcher remains Ready regardless of the outcome.
func (d *Dispatcher) Submit(ctx context.Context, pkt *packet.Packet) error {
	if ctx == nil {
		return fmt.Errorf("%w: %w", ErrSubmit, qmp.ErrNilCtx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != Ready || d.ch == nil {
		return fmt.Errorf("%w: %w (state %v)", ErrSubmit, ErrNotReady, d.State())
	}

	ctx, cancel := context.WithTimeout(ctx, d.client.TxTimeout)
	defer cancel()
	start := time.Now()
	err := d.ch.Send(ctx, pkt)
	observability.RecordSubmit(d.client.Device, time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	return nil
}

// Deliver reads a length-byte message out of src, packs it, and submits it.
//
// Every outcome is logged and counted; the returned error exists for callers (and tests) that care to look.
// It wraps packet.ErrRejected, packet.ErrCopy, or ErrSubmit.
func (d *Dispatcher) Deliver(ctx context.Context, src io.Reader, length int) error {
	return d.deliver(ctx, length, func() (packet.Packet, error) { return packet.Read(src, length) })
}

// Write implements io.Writer for the admin endpoint.
//
// It always reports the full length of p as written, even when p is dropped (oversized, empty, or refused by the mailbox).
// Callers that need to know what happened should consult Stats or use Deliver.
func (d *Dispatcher) Write(p []byte) (int, error) {
	_ = d.deliver(context.Background(), len(p), func() (packet.Packet, error) { return packet.Pack(p) })
	return len(p), nil
}

func (d *Dispatcher) deliver(ctx context.Context, length int, pack func() (packet.Packet, error)) error {
	l := d.log.With().Str("msgid", ulid.Make().String()).Int("length", length).Logger()

	pkt, err := pack()
	if err != nil {
		if errors.Is(err, packet.ErrRejected) {
			d.stats.rejected.Add(1)
			observability.RecordMessage(d.client.Device, observability.OutcomeRejected)
			l.Warn().Err(err).Int("max", qmp.MaxMsgSize).Msg("message dropped")
		} else {
			d.stats.copyFailures.Add(1)
			observability.RecordMessage(d.client.Device, observability.OutcomeCopyFailed)
			l.Error().Err(err).Msg("copy from caller failed")
		}
		return err
	}

	if err := d.Submit(ctx, &pkt); err != nil {
		d.stats.submitFailures.Add(1)
		observability.RecordMessage(d.client.Device, observability.OutcomeSubmitFailed)
		l.Error().Err(err).Func(pkt.Zerolog).Msg("failed to send qmp request")
		return err
	}
	d.stats.sent.Add(1)
	observability.RecordMessage(d.client.Device, observability.OutcomeSent)
	l.Debug().Func(pkt.Zerolog).Msg("message sent")
	return nil
}

// Zerolog pretty prints the state of the dispatcher into the given zerolog event.
// Intended to be given to *zerolog.Event.Func().
func (d *Dispatcher) Zerolog(e *zerolog.Event) {
	s := d.Stats()
	e.Str("state", d.State().String()).
		Func(d.client.Zerolog).
		Uint64("sent", s.Sent).
		Uint64("rejected", s.Rejected).
		Uint64("copy failures", s.CopyFailures).
		Uint64("submit failures", s.SubmitFailures)
}
