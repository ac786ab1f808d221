package remote

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"

	"github.com/rflandau/qmp/qmp/protocol"
)

// File udp.go serves the framed datagram protocol (see package protocol).
// Datagrams are handled one at a time, in arrival order, like the firmware's mailbox.

func (c *Coprocessor) startUDP() error {
	pconn, err := net.ListenPacket("udp", c.addr.String())
	if err != nil {
		return err
	}
	ua, ok := pconn.LocalAddr().(*net.UDPAddr)
	if !ok {
		pconn.Close()
		return errors.New("listener is not bound to a UDP address")
	}
	bound := ua.AddrPort()
	c.net.bound = netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())
	c.net.pconn = pconn

	var ctx context.Context
	ctx, c.net.cancel = context.WithCancel(context.Background())
	c.net.done = make(chan struct{})
	go c.serveUDP(ctx, pconn, c.net.done)
	return nil
}

func (c *Coprocessor) stopUDP() {
	if err := c.net.pconn.Close(); err != nil {
		c.log.Warn().Err(err).Msg("failed to close listener")
	}
	c.net.pconn = nil
}

// serveUDP reads datagrams off pconn until it is closed, answering each.
func (c *Coprocessor) serveUDP(ctx context.Context, pconn net.PacketConn, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, sender, err := pconn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				c.log.Debug().Msg("listener closed, serving goroutine exiting")
				return
			}
			c.log.Warn().Err(err).Msg("packet read error")
			continue
		}
		resp := c.handleDatagram(ctx, buf[:n])
		if resp == nil {
			continue
		}
		if _, err := pconn.WriteTo(resp, sender); err != nil {
			c.log.Warn().Err(err).Str("target address", sender.String()).Msg("failed to respond")
		}
	}
}

// handleDatagram returns the datagram to answer dgram with, or nil if it cannot be answered.
func (c *Coprocessor) handleDatagram(ctx context.Context, dgram []byte) []byte {
	hdr, payload, err := protocol.Split(dgram)
	if errors.Is(err, protocol.ErrShortHeader) {
		c.log.Debug().Int("size", len(dgram)).Msg("datagram too short to answer")
		return nil
	} else if err != nil {
		return c.faultFrame(hdr.Seq, protocol.FaultBody{Errno: protocol.ErrnoMalformed, Reason: err.Error()})
	}
	c.log.Debug().Func(hdr.Zerolog).Msg("datagram received")
	if errs := hdr.Validate(); len(errs) > 0 {
		f := protocol.FaultBody{Errno: protocol.ErrnoBadType, Reason: errors.Join(errs...).Error()}
		if slices.Contains(errs, protocol.ErrUnsupportedVersion) {
			f.Errno = protocol.ErrnoUnsupportedVersion
		}
		return c.faultFrame(hdr.Seq, f)
	}

	c.stall(ctx)
	switch hdr.Type {
	case protocol.Hello:
		return c.frame(protocol.HelloAck, hdr.Seq, nil)
	case protocol.Message:
		if f := c.accept(payload); f != nil {
			return c.faultFrame(hdr.Seq, *f)
		}
		return c.frame(protocol.Ack, hdr.Seq, nil)
	}
	return c.faultFrame(hdr.Seq, protocol.FaultBody{Errno: protocol.ErrnoBadType, Reason: hdr.Type.String()})
}

func (c *Coprocessor) faultFrame(seq uint16, f protocol.FaultBody) []byte {
	c.log.Debug().Str("errno", f.Errno.String()).Str("reason", f.Reason).Uint16("seq", seq).Msg("refusing datagram")
	return c.frame(protocol.Fault, seq, f.Marshal())
}

func (c *Coprocessor) frame(typ protocol.Type, seq uint16, payload []byte) []byte {
	b, err := protocol.Frame(typ, seq, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", typ.String()).Msg("failed to frame response")
		return nil
	}
	return b
}
