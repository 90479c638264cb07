package endpoint

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

type Endpoint struct {
	Scheme        string
	Address       string
	BaseURL       string
	TSNetHostname string
	TSNetPort     int
}

const (
	DefaultListenAddress = "127.0.0.1:7070"
	defaultTSNetHostname = "coderoom"
	defaultTSNetPort     = 7777
)

func defaultEndpoint() Endpoint {
	return Endpoint{
		Scheme:  "http",
		Address: "http://" + DefaultListenAddress,
		BaseURL: "http://" + DefaultListenAddress,
	}
}

func Default() Endpoint {
	return defaultEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

// Resolve resolves an endpoint a client dials.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("CODEROOM_HOST"))
	}
	if value == "" {
		return defaultEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q is only valid for serve --listen; dial the tailnet host over http:// instead", value)
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: strings.TrimRight(value, "/")}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, tsnet://, or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	parsed, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: %w", value, err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: paths are not supported", value)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		hostname = defaultTSNetHostname
	}
	port := defaultTSNetPort
	if rawPort := parsed.Port(); rawPort != "" {
		port, err = strconv.Atoi(rawPort)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tsnet port %q", rawPort)
		}
	}

	return Endpoint{
		Scheme:        "tsnet",
		Address:       fmt.Sprintf(":%d", port),
		BaseURL:       fmt.Sprintf("http://%s:%d", hostname, port),
		TSNetHostname: hostname,
		TSNetPort:     port,
	}, nil
}

// WebSocketURL returns the ws:// or wss:// URL of the session channel.
func (e Endpoint) WebSocketURL() string {
	base := strings.TrimRight(e.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}
