package controlclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/coderoom/internal/controlapi"
	"github.com/buildkite/coderoom/internal/endpoint"
	"github.com/buildkite/coderoom/internal/tlsconfig"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string

	listSessions   *connect.Client[controlapi.ListSessionsRequest, controlapi.ListSessionsResponse]
	getSession     *connect.Client[controlapi.GetSessionRequest, controlapi.GetSessionResponse]
	listExecutions *connect.Client[controlapi.ListExecutionsRequest, controlapi.ListExecutionsResponse]
	getExecution   *connect.Client[controlapi.GetExecutionRequest, controlapi.GetExecutionResponse]
	stopExecution  *connect.Client[controlapi.StopExecutionRequest, controlapi.StopExecutionResponse]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	transport, err := buildTransport(ep, baseURL, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Transport: transport}
	codec := connect.WithCodec(controlapi.Codec{})
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		listSessions:   connect.NewClient[controlapi.ListSessionsRequest, controlapi.ListSessionsResponse](httpClient, baseURL+controlapi.ListSessionsProcedure, codec),
		getSession:     connect.NewClient[controlapi.GetSessionRequest, controlapi.GetSessionResponse](httpClient, baseURL+controlapi.GetSessionProcedure, codec),
		listExecutions: connect.NewClient[controlapi.ListExecutionsRequest, controlapi.ListExecutionsResponse](httpClient, baseURL+controlapi.ListExecutionsProcedure, codec),
		getExecution:   connect.NewClient[controlapi.GetExecutionRequest, controlapi.GetExecutionResponse](httpClient, baseURL+controlapi.GetExecutionProcedure, codec),
		stopExecution:  connect.NewClient[controlapi.StopExecutionRequest, controlapi.StopExecutionResponse](httpClient, baseURL+controlapi.StopExecutionProcedure, codec),
	}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string, tlsOpts tlsconfig.Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		tlsCfg, err := tlsconfig.ResolveClient(tlsOpts)
		if err != nil {
			return nil, err
		}
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}, nil
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}, nil
}

func (c *Client) ListSessions(ctx context.Context, req *controlapi.ListSessionsRequest) (*controlapi.ListSessionsResponse, error) {
	resp, err := c.listSessions.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetSession(ctx context.Context, req *controlapi.GetSessionRequest) (*controlapi.GetSessionResponse, error) {
	resp, err := c.getSession.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListExecutions(ctx context.Context, req *controlapi.ListExecutionsRequest) (*controlapi.ListExecutionsResponse, error) {
	resp, err := c.listExecutions.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetExecution(ctx context.Context, req *controlapi.GetExecutionRequest) (*controlapi.GetExecutionResponse, error) {
	resp, err := c.getExecution.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) StopExecution(ctx context.Context, req *controlapi.StopExecutionRequest) (*controlapi.StopExecutionResponse, error) {
	resp, err := c.stopExecution.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Execute starts an execution over the streaming endpoint and calls onFrame
// for every frame until the end frame arrives or ctx is done. Returning an
// error from onFrame detaches without stopping the execution.
func (c *Client) Execute(ctx context.Context, req controlapi.ExecuteRequest, onFrame func(controlapi.StreamFrame) error) (controlapi.StreamFrame, error) {
	resp, err := c.post(ctx, controlapi.ExecutePath, req)
	if err != nil {
		return controlapi.StreamFrame{}, err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var frame controlapi.StreamFrame
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &frame); err != nil {
			return controlapi.StreamFrame{}, fmt.Errorf("decode stream frame: %w", err)
		}
		if onFrame != nil {
			if err := onFrame(frame); err != nil {
				return frame, err
			}
		}
		if frame.Type == "end" {
			return frame, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return controlapi.StreamFrame{}, err
	}
	return controlapi.StreamFrame{}, io.ErrUnexpectedEOF
}

// SendInput feeds one line to the live execution of a session, or to a
// specific execution when req.ExecutionID is set.
func (c *Client) SendInput(ctx context.Context, req controlapi.InputRequest) error {
	resp, err := c.post(ctx, controlapi.ExecuteInputPath, req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Stop stops an execution through the streaming endpoint.
func (c *Client) Stop(ctx context.Context, req controlapi.StopRequest) error {
	resp, err := c.post(ctx, controlapi.ExecuteStopPath, req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, decodeHTTPError(resp)
	}
	return resp, nil
}

func decodeHTTPError(resp *http.Response) error {
	var body controlapi.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return &HTTPError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}

// HTTPError is a non-2xx reply from the streaming endpoint.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// IsCode reports whether err is an HTTPError carrying code.
func IsCode(err error, code string) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == code
}
