package client

import (
	"context"
	"errors"

	"github.com/buildkite/coderoom/internal/controlclient"
	"github.com/buildkite/coderoom/internal/endpoint"
	"github.com/buildkite/coderoom/internal/tlsconfig"
)

// Client is the public Go client for a coderoom server.
type Client struct {
	inner *controlclient.Client
	ep    endpoint.Endpoint
	tls   tlsconfig.Options
}

// TLSOptions configures the CA used to verify an https server.
type TLSOptions struct {
	CAPath string
}

// Option configures the coderoom client.
type Option func(*options)

type options struct {
	tls tlsconfig.Options
}

// WithTLS configures TLS options for HTTPS endpoints.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tls = tlsconfig.Options{CAPath: opts.CAPath}
	}
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/coderoom.sock
// - http://host:port
// - https://host:port
//
// If host is empty, CODEROOM_HOST is used, then the default endpoint.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := controlclient.New(ep, controlclient.WithTLS(o.tls))
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner, ep: ep, tls: o.tls}, nil
}

var errNilClient = errors.New("nil client")

func (c *Client) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	if req == nil {
		req = &ListSessionsRequest{}
	}
	return c.inner.ListSessions(ctx, req)
}

func (c *Client) GetSession(ctx context.Context, req *GetSessionRequest) (*GetSessionResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.GetSession(ctx, req)
}

func (c *Client) ListExecutions(ctx context.Context, req *ListExecutionsRequest) (*ListExecutionsResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	if req == nil {
		req = &ListExecutionsRequest{}
	}
	return c.inner.ListExecutions(ctx, req)
}

func (c *Client) GetExecution(ctx context.Context, req *GetExecutionRequest) (*GetExecutionResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.GetExecution(ctx, req)
}

func (c *Client) StopExecution(ctx context.Context, req *StopExecutionRequest) (*StopExecutionResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.StopExecution(ctx, req)
}

// Execute starts an execution and calls onFrame for each streamed frame. It
// returns the end frame.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, onFrame func(StreamFrame) error) (StreamFrame, error) {
	if c == nil || c.inner == nil {
		return StreamFrame{}, errNilClient
	}
	return c.inner.Execute(ctx, req, onFrame)
}

func (c *Client) SendInput(ctx context.Context, req InputRequest) error {
	if c == nil || c.inner == nil {
		return errNilClient
	}
	return c.inner.SendInput(ctx, req)
}
