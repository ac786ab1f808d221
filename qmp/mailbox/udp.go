package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/rflandau/qmp/qmp/packet"
	"github.com/rflandau/qmp/qmp/protocol"
	"github.com/rs/zerolog"
)

// File udp.go implements a transport that frames each packet into a single datagram (see package protocol).
// The remote must ACK each MESSAGE, echoing its sequence number, before Send returns.

// ErrBadAddr returns an error to indicate that the given netip.AddrPort was invalid.
func ErrBadAddr(ap netip.AddrPort) error {
	return fmt.Errorf("address %v is not a valid ip:port", ap)
}

// UDP is a Controller that reaches the remote over framed datagrams.
type UDP struct {
	log    *zerolog.Logger
	remote netip.AddrPort
}

// NewUDP returns a controller for the remote listening at the given address.
// A nil logger disables logging.
func NewUDP(remote netip.AddrPort, log *zerolog.Logger) (*UDP, error) {
	if !remote.IsValid() {
		return nil, ErrBadAddr(remote)
	}
	if log == nil {
		l := zerolog.Nop()
		log = &l
	}
	sub := log.With().Str("sublogger", "udp mailbox").Str("remote", remote.String()).Logger()
	return &UDP{log: &sub, remote: remote}, nil
}

// RequestChannel dials the remote and confirms it is listening with a HELLO exchange bounded by cl.TxTimeout.
func (u *UDP) RequestChannel(ctx context.Context, cl Client) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.remote.String())
	if err != nil {
		return nil, err
	}
	ch := &udpChannel{log: u.log, conn: conn, client: cl}

	helloCtx, cancel := context.WithTimeout(ctx, cl.TxTimeout)
	defer cancel()
	if err := ch.exchange(helloCtx, protocol.Hello, nil, protocol.HelloAck); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote did not answer HELLO: %w", err)
	}
	u.log.Debug().Func(cl.Zerolog).Msg("channel established")
	return ch, nil
}

// udpChannel is the handle given out by UDP.RequestChannel.
// mu serializes exchanges so each owns the sequence number and receive buffer.
type udpChannel struct {
	log    *zerolog.Logger
	conn   net.Conn
	client Client

	mu    sync.Mutex
	seq   uint16
	freed bool
	rxBuf [protocol.MaxDatagramSize]byte
}

func (c *udpChannel) Send(ctx context.Context, pkt *packet.Packet) error {
	if pkt == nil {
		return ErrNilPacket
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return ErrFreed
	}
	return c.exchange(ctx, protocol.Message, pkt.Bytes(), protocol.Ack)
}

// exchange sends a datagram of type typ and waits for a response of type want bearing the same sequence number.
// Responses to earlier (abandoned) exchanges are discarded.
// A FAULT answering this exchange is returned as a protocol.FaultBody.
//
// Caller must hold c.mu, unless c has not been handed out yet.
func (c *udpChannel) exchange(ctx context.Context, typ protocol.Type, payload []byte, want protocol.Type) error {
	c.seq++
	seq := c.seq
	dgram, err := protocol.Frame(typ, seq, payload)
	if err != nil {
		return err
	}

	if err := c.conn.SetDeadline(deadline(ctx, c.client.TxTimeout)); err != nil {
		return err
	}
	// wake the read early if ctx is cancelled without a deadline
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	if n, err := c.conn.Write(dgram); err != nil {
		return c.readErr(ctx, err)
	} else if n != len(dgram) {
		return fmt.Errorf("short write (%d of %d bytes)", n, len(dgram))
	}

	for {
		n, err := c.conn.Read(c.rxBuf[:])
		if err != nil {
			return c.readErr(ctx, err)
		}
		hdr, body, err := protocol.Split(c.rxBuf[:n])
		if err != nil {
			c.log.Debug().Err(err).Msg("discarding malformed datagram")
			continue
		}
		if hdr.Seq != seq {
			c.log.Debug().Func(hdr.Zerolog).Uint16("expected seq", seq).Msg("discarding stale response")
			continue
		}
		if hdr.Type == want {
			return nil
		}
		f, err := protocol.FaultFrom(hdr, body)
		if errors.Is(err, protocol.ErrNotFault) {
			c.log.Debug().Func(hdr.Zerolog).Str("expected type", want.String()).Msg("discarding unexpected response")
			continue
		} else if err != nil {
			return fmt.Errorf("undecodable FAULT: %w", err)
		}
		return f
	}
}

// readErr classifies an I/O error, converting deadline expiry into ErrTimeout.
func (c *udpChannel) readErr(ctx context.Context, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if ctx.Err() != nil {
			return errors.Join(ErrTimeout, ctx.Err())
		}
		return errors.Join(ErrTimeout, err)
	}
	return err
}

func (c *udpChannel) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return nil
	}
	c.freed = true
	return c.conn.Close()
}
