// Package client contains the operator-side calls against a bridge's admin endpoint.
// Serves as an example of how to drive a bridge from Go; qmpsend/ wraps it in a CLI.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/qmp/qmp/bridge"
	"resty.dev/v3"
)

// DefaultTimeout bounds each request made by a Client.
const DefaultTimeout = 5 * time.Second

// ErrUnexpectedStatus is wrapped when the bridge answers with a status code the call did not expect.
var ErrUnexpectedStatus = errors.New("unexpected status code")

// A Client talks to a single bridge.
// Build one with New and Close it when done.
type Client struct {
	rc *resty.Client
}

// New returns a client for the bridge at baseURL, which should be of the form "http://<ip>:<port>".
func New(baseURL string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(DefaultTimeout)
	return &Client{rc: rc}
}

// Close releases the client's resources.
func (c *Client) Close() error {
	return c.rc.Close()
}

// SendMessage posts msg to the bridge.
// Returns the number of bytes the bridge reports consuming, which is len(msg) whether or not the message was forwarded.
func (c *Client) SendMessage(ctx context.Context, msg []byte) (int, error) {
	var (
		sr   bridge.SendMessageResp
		herr huma.ErrorModel
	)
	res, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", bridge.CONTENT_TYPE).
		SetBody(msg).
		SetResult(&(sr.Body)).
		SetError(&herr).
		Post(bridge.EP_SEND_MESSAGE)
	if err != nil {
		return 0, err
	} else if res.StatusCode() != bridge.EXPECTED_STATUS_SEND_MESSAGE {
		return 0, statusErr(res, &herr)
	}
	return sr.Body.Written, nil
}

// Status fetches the bridge's state and counters.
func (c *Client) Status(ctx context.Context) (bridge.StatusResp, error) {
	var (
		sr   bridge.StatusResp
		herr huma.ErrorModel
	)
	res, err := c.rc.R().
		SetContext(ctx).
		SetResult(&(sr.Body)).
		SetError(&herr).
		Get(bridge.EP_STATUS)
	if err != nil {
		return sr, err
	} else if res.StatusCode() != bridge.EXPECTED_STATUS_STATUS {
		return sr, statusErr(res, &herr)
	}
	return sr, nil
}

func statusErr(res *resty.Response, herr *huma.ErrorModel) error {
	if herr.Detail != "" {
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, res.StatusCode(), herr.Detail)
	}
	return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, res.StatusCode(), res.String())
}
