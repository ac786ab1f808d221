package mailbox_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"

	. "github.com/rflandau/qmp/internal/testsupport"
	"github.com/rflandau/qmp/qmp/mailbox"
	"github.com/rflandau/qmp/qmp/packet"
	"github.com/rflandau/qmp/qmp/protocol"
)

// scriptedPeer answers the HELLO, then answers the first MESSAGE with each of replies in order.
// Replies are framed with the MESSAGE's sequence number.
func scriptedPeer(t *testing.T, replies ...func(seq uint16) []byte) netip.AddrPort {
	t.Helper()
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pconn.Close() })
	go func() {
		buf := make([]byte, protocol.MaxDatagramSize)
		for {
			n, sender, err := pconn.ReadFrom(buf)
			if err != nil {
				return
			}
			hdr, _, err := protocol.Split(buf[:n])
			if err != nil {
				continue
			}
			switch hdr.Type {
			case protocol.Hello:
				b, _ := protocol.Frame(protocol.HelloAck, hdr.Seq, nil)
				pconn.WriteTo(b, sender)
			case protocol.Message:
				for _, r := range replies {
					pconn.WriteTo(r(hdr.Seq), sender)
				}
			}
		}
	}()
	return pconn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestUDP_Responses(t *testing.T) {
	helloAck := func(seq uint16) []byte {
		b, _ := protocol.Frame(protocol.HelloAck, seq, nil)
		return b
	}
	fault := func(body []byte) func(uint16) []byte {
		return func(seq uint16) []byte {
			b, _ := protocol.Frame(protocol.Fault, seq, body)
			return b
		}
	}

	send := func(t *testing.T, ap netip.AddrPort) error {
		t.Helper()
		ctrl, err := mailbox.NewUDP(ap, Logger(t.Name()))
		if err != nil {
			t.Fatal(err)
		}
		ch, err := ctrl.RequestChannel(context.Background(), mailbox.DefaultClient())
		if err != nil {
			t.Fatal(err)
		}
		defer ch.Free()
		pkt, _ := packet.Pack([]byte("ping"))
		return ch.Send(context.Background(), &pkt)
	}

	t.Run("unexpected type is skipped", func(t *testing.T) {
		ap := scriptedPeer(t, helloAck, fault(protocol.FaultBody{Errno: protocol.ErrnoBusy}.Marshal()))
		err := send(t, ap)
		if want := (protocol.FaultBody{Errno: protocol.ErrnoBusy}); !errors.Is(err, want) {
			t.Fatal(ExpectedActual(error(want), err))
		}
	})
	t.Run("undecodable fault", func(t *testing.T) {
		ap := scriptedPeer(t, fault([]byte{0xff}))
		err := send(t, ap)
		if err == nil {
			t.Fatal("expected an error")
		}
		var f protocol.FaultBody
		if errors.As(err, &f) {
			t.Error("undecodable body surfaced as a fault", ExpectedActual("", f.Error()))
		}
		if !strings.Contains(err.Error(), "undecodable FAULT") {
			t.Error("unexpected error: ", err)
		}
		if errors.Is(err, mailbox.ErrTimeout) {
			t.Error("undecodable fault was reported as a timeout")
		}
	})
}
