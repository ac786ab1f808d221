package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"
	"github.com/rflandau/qmp/qmp/packet"
	"github.com/rflandau/qmp/qmp/protocol"
	"github.com/rs/zerolog"
)

// File coap.go implements a transport that POSTs each packet, as an octet stream, to /<device> on a CoAP server.
// The remote accepts a packet by answering 2.04 Changed.
// Refusals should carry a fault body (see protocol.FaultBody); any other refusal is reported with its response code.

// AcceptCode is the response code a CoAP remote answers with when it accepts a packet.
const AcceptCode = codes.Changed

// CoAP is a Controller that reaches the remote over CoAP (UDP).
type CoAP struct {
	log    *zerolog.Logger
	remote netip.AddrPort
}

// NewCoAP returns a controller for the CoAP remote listening at the given address.
// A nil logger disables logging.
func NewCoAP(remote netip.AddrPort, log *zerolog.Logger) (*CoAP, error) {
	if !remote.IsValid() {
		return nil, ErrBadAddr(remote)
	}
	if log == nil {
		l := zerolog.Nop()
		log = &l
	}
	sub := log.With().Str("sublogger", "coap mailbox").Str("remote", remote.String()).Logger()
	return &CoAP{log: &sub, remote: remote}, nil
}

// RequestChannel dials the remote and pings it, bounded by cl.TxTimeout.
func (c *CoAP) RequestChannel(ctx context.Context, cl Client) (Channel, error) {
	conn, err := udp.Dial(c.remote.String())
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cl.TxTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote did not answer ping: %w", timeoutErr(pingCtx, err))
	}
	c.log.Debug().Func(cl.Zerolog).Msg("channel established")
	return &coapChannel{log: c.log, conn: conn, client: cl, path: "/" + cl.Device}, nil
}

// coapChannel is the handle given out by CoAP.RequestChannel.
type coapChannel struct {
	log    *zerolog.Logger
	conn   *udpclient.Conn
	client Client
	path   string

	mu    sync.Mutex
	freed bool
}

func (c *coapChannel) Send(ctx context.Context, pkt *packet.Packet) error {
	if pkt == nil {
		return ErrNilPacket
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}

	ctx, cancel := context.WithDeadline(ctx, deadline(ctx, c.client.TxTimeout))
	defer cancel()
	resp, err := c.conn.Post(ctx, c.path, message.AppOctets, bytes.NewReader(pkt.Bytes()))
	if err != nil {
		return timeoutErr(ctx, err)
	}
	if resp.Code() == AcceptCode {
		return nil
	}
	body, err := resp.ReadBody()
	if err != nil || len(body) == 0 {
		return fmt.Errorf("remote refused the packet (%v)", resp.Code())
	}
	if f, err := protocol.UnmarshalFault(body); err == nil {
		return fmt.Errorf("remote refused the packet (%v): %w", resp.Code(), f)
	}
	return fmt.Errorf("remote refused the packet (%v): %s", resp.Code(), body)
}

func (c *coapChannel) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return nil
	}
	c.freed = true
	return c.conn.Close()
}
