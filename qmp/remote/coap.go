package remote

import (
	"bytes"
	"context"
	"io"
	"net/netip"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/server"
	"github.com/rflandau/qmp/qmp/protocol"
)

// File coap.go serves packets POSTed to /<device> over CoAP.
// Accepted packets are answered with 2.04 Changed; refusals with 4.00 Bad Request and a fault body.

// buildRouter installs the logging middleware and the device handler.
func (c *Coprocessor) buildRouter() {
	c.router = mux.NewRouter()
	c.router.Use(func(next mux.Handler) mux.Handler {
		return mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
			sz, szErr := r.BodySize()
			path, pathErr := r.Path()
			c.log.Debug().
				Str("token", r.Token().String()).
				Str("code", r.Code().String()).
				Int64("body size", sz).AnErr("body size", szErr).
				Str("path", path).AnErr("path", pathErr).
				Msg("request received")
			next.ServeCOAP(w, r)
		})
	})
	c.router.Handle("/"+c.device, mux.HandlerFunc(c.handleCoAP))
}

func (c *Coprocessor) handleCoAP(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		c.respond(w, codes.MethodNotAllowed, &protocol.FaultBody{Errno: protocol.ErrnoBadType, Reason: r.Code().String()})
		return
	}
	var payload []byte
	if body := r.Body(); body != nil {
		var err error
		if payload, err = io.ReadAll(body); err != nil {
			c.respond(w, codes.BadRequest, &protocol.FaultBody{Errno: protocol.ErrnoMalformed, Reason: err.Error()})
			return
		}
	}

	c.stall(r.Context())
	if f := c.accept(payload); f != nil {
		c.respond(w, codes.BadRequest, f)
		return
	}
	c.respond(w, codes.Changed, nil)
}

// respond sets the response on the given writer and logs if SetResponse fails.
// A non-nil fault is marshaled into the body.
func (c *Coprocessor) respond(w mux.ResponseWriter, code codes.Code, f *protocol.FaultBody) {
	var body io.ReadSeeker
	if f != nil {
		c.log.Debug().Str("errno", f.Errno.String()).Str("reason", f.Reason).Msg("refusing packet")
		body = bytes.NewReader(f.Marshal())
	}
	if err := w.SetResponse(code, message.AppOctets, body); err != nil {
		c.log.Error().Err(err).Str("code", code.String()).Msg("failed to set response")
	}
}

func (c *Coprocessor) startCoAP() error {
	l, err := coapnet.NewListenUDP("udp", c.addr.String())
	if err != nil {
		return err
	}
	bound, err := netip.ParseAddrPort(l.LocalAddr().String())
	if err != nil {
		l.Close()
		return err
	}
	c.net.bound = netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port())
	c.net.coapL = l
	c.net.coapSrv = udp.NewServer(options.WithMux(c.router))

	var ctx context.Context
	ctx, c.net.cancel = context.WithCancel(context.Background())
	c.net.done = make(chan struct{})
	go func(srv *server.Server, done chan<- struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("coap server exited")
		}
	}(c.net.coapSrv, c.net.done)
	return nil
}

func (c *Coprocessor) stopCoAP() {
	c.net.coapSrv.Stop()
	if err := c.net.coapL.Close(); err != nil {
		c.log.Debug().Err(err).Msg("listener close")
	}
	c.net.coapSrv = nil
	c.net.coapL = nil
}
