package bridge

import (
	"bytes"
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rflandau/qmp/qmp"
	"github.com/rflandau/qmp/qmp/dispatch"
)

type Endpoint = string

const (
	EP_SEND_MESSAGE Endpoint = "/aop_send_message"
	EP_STATUS       Endpoint = "/status"
	EP_METRICS      Endpoint = "/metrics"
)

const (
	EXPECTED_STATUS_SEND_MESSAGE int = http.StatusAccepted
	EXPECTED_STATUS_STATUS       int = http.StatusOK
)

// CONTENT_TYPE is the media type messages must be POSTed as.
const CONTENT_TYPE string = "application/octet-stream"

// Request for POST /aop_send_message.
// The body is the raw message; it is not interpreted.
type SendMessageReq struct {
	RawBody []byte `contentType:"application/octet-stream"`
}

// Response for POST /aop_send_message.
type SendMessageResp struct {
	Body struct {
		// always the length of the request body, whether or not the message reached the remote
		Written int `json:"written" example:"5" doc:"number of bytes consumed from the request body"`
	}
}

// Response for GET /status.
type StatusResp struct {
	Body struct {
		State      string         `json:"state" example:"READY" doc:"state of the dispatcher"`
		Device     string         `json:"device" example:"aop" doc:"device the mailbox channel was requested for"`
		MaxMsgSize int            `json:"max-msg-size" example:"96" doc:"largest message that will be forwarded; larger messages are dropped"`
		TxTimeout  string         `json:"tx-timeout" example:"100ms" doc:"bound on each blocking submission"`
		Stats      dispatch.Stats `json:"stats" doc:"outcome counters for every message received"`
	}
}

// buildEndpoints registers the huma routes and mounts the metrics handler.
func (b *Bridge) buildEndpoints() {
	huma.Register(b.endpoint.api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          EP_SEND_MESSAGE,
		Summary:       "Forward a message to the co-processor",
		Description: "Only messages of 1 to " + strconv.Itoa(qmp.MaxMsgSize) + " bytes are forwarded. " +
			"Any other body of up to " + strconv.FormatInt(b.maxBodyBytes, 10) + " bytes is dropped and logged, but still reported as written. " +
			"Bodies over " + strconv.FormatInt(b.maxBodyBytes, 10) + " bytes are refused with 413 Request Entity Too Large.",
		DefaultStatus: EXPECTED_STATUS_SEND_MESSAGE,
		MaxBodyBytes:  b.maxBodyBytes,
		RequestBody: &huma.RequestBody{
			Required: false,
			Content:  map[string]*huma.MediaType{CONTENT_TYPE: {}},
		},
	}, b.handleSendMessage)

	huma.Register(b.endpoint.api, huma.Operation{
		OperationID:   "status",
		Method:        http.MethodGet,
		Path:          EP_STATUS,
		Summary:       "Report the state of the bridge",
		DefaultStatus: EXPECTED_STATUS_STATUS,
	}, b.handleStatus)

	b.endpoint.mux.Handle(EP_METRICS, promhttp.Handler())
}

func (b *Bridge) handleSendMessage(ctx context.Context, req *SendMessageReq) (*SendMessageResp, error) {
	if st := b.disp.State(); st != dispatch.Ready {
		return nil, HErrNotReady(st)
	}
	// outcome is logged and counted by the dispatcher; the caller is only told how much was consumed
	_ = b.disp.Deliver(ctx, bytes.NewReader(req.RawBody), len(req.RawBody))

	resp := &SendMessageResp{}
	resp.Body.Written = len(req.RawBody)
	return resp, nil
}

func (b *Bridge) handleStatus(_ context.Context, _ *struct{}) (*StatusResp, error) {
	cl := b.disp.Client()
	resp := &StatusResp{}
	resp.Body.State = b.disp.State().String()
	resp.Body.Device = cl.Device
	resp.Body.MaxMsgSize = qmp.MaxMsgSize
	resp.Body.TxTimeout = cl.TxTimeout.String()
	resp.Body.Stats = b.disp.Stats()
	return resp, nil
}
