// Package mailbox defines the contract between the dispatcher and the transport that carries packets to the remote,
// and provides the transports the bridge ships with: an in-process Ring, framed datagrams over UDP, and CoAP.
//
// A Controller hands out Channels. A Channel accepts one packet at a time and reports whether the remote side accepted it.
// Channels never retry; that is the caller's decision (and the dispatcher decides not to).
package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/rflandau/qmp/qmp"
	"github.com/rflandau/qmp/qmp/packet"
	"github.com/rs/zerolog"
)

//#region errors

var (
	// ErrTimeout is wrapped by Send when the packet was not accepted before the caller's deadline.
	ErrTimeout = errors.New("mailbox: timed out waiting for the remote to accept the packet")
	// ErrFreed is returned when a channel is used after Free.
	ErrFreed = errors.New("mailbox: channel has been freed")
	// ErrBusy is returned by controllers that only support a single outstanding channel.
	ErrBusy = errors.New("mailbox: channel is already in use")
	// ErrNilPacket is returned by Send when it is given nothing to send.
	ErrNilPacket = errors.New("mailbox: nil packet")
)

//#endregion errors

// Client describes the party requesting a channel and how it expects the channel to behave.
type Client struct {
	// Name of the requesting device. Transports may use it to address the remote.
	Device string
	// Callers block in Send until the remote accepts the packet or TxTimeout elapses.
	TxBlock bool
	// Upper bound on a blocking Send.
	TxTimeout time.Duration
	// The client is told when the remote finishes processing (as opposed to merely accepting).
	// Not supported by any shipped transport.
	KnowsTxDone bool
}

// DefaultClient returns the client parameters the bridge has always used:
// blocking sends bounded by qmp.TxTimeout and no completion notifications.
func DefaultClient() Client {
	return Client{
		Device:      qmp.Device,
		TxBlock:     true,
		TxTimeout:   qmp.TxTimeout,
		KnowsTxDone: false,
	}
}

// Zerolog attaches the client's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (cl Client) Zerolog(ev *zerolog.Event) {
	ev.Str("device", cl.Device).
		Bool("tx block", cl.TxBlock).
		Dur("tx timeout", cl.TxTimeout).
		Bool("knows tx done", cl.KnowsTxDone)
}

// A Controller hands out channels to the remote.
type Controller interface {
	// RequestChannel acquires a channel for the given client.
	// The returned channel must eventually be released with Free.
	RequestChannel(ctx context.Context, cl Client) (Channel, error)
}

// A Channel carries packets to the remote.
type Channel interface {
	// Send submits pkt, blocking until the remote accepts it or ctx is done.
	// Expiry of ctx is reported as an error wrapping ErrTimeout.
	Send(ctx context.Context, pkt *packet.Packet) error
	// Free releases the channel.
	// Subsequent Sends return ErrFreed; subsequent Frees are no-ops.
	Free() error
}

// aLongTimeAgo is a non-zero time in the past, used to wake blocked reads immediately.
var aLongTimeAgo = time.Unix(1, 0)

// deadline returns ctx's deadline, or now+fallback if ctx does not have one.
func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

// timeoutErr converts context expiry into ErrTimeout, leaving other errors alone.
func timeoutErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Join(ErrTimeout, ctxErr)
	}
	return err
}
