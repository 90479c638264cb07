package controlserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildkite/coderoom/internal/endpoint"
	"github.com/buildkite/coderoom/internal/tlsbootstrap"
)

func TestHTTPSListenerServesHealthz(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bundle, err := tlsbootstrap.Init(tlsbootstrap.Options{Dir: dir})
	if err != nil {
		t.Fatalf("tls init: %v", err)
	}

	ln, _, err := listen(endpoint.Endpoint{Scheme: "https", Address: "127.0.0.1:0"}, nil, &TLSOptions{
		CertPath: filepath.Join(dir, "server.pem"),
		KeyPath:  filepath.Join(dir, "server.key"),
	})
	if err != nil {
		t.Fatalf("listen https: %v", err)
	}
	defer ln.Close()

	srv := &http.Server{Handler: New(Config{}).Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bundle.CA.CertPEM) {
		t.Fatal("no valid certs in CA bundle")
	}
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13},
	}}
	resp, err := client.Get(fmt.Sprintf("https://%s/healthz", ln.Addr().String()))
	if err != nil {
		t.Fatalf("healthz over TLS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHTTPSListenerFailsWithoutCerts(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.pem")
	_, _, err := listen(endpoint.Endpoint{Scheme: "https", Address: "127.0.0.1:0"}, nil, &TLSOptions{
		CertPath: missing,
		KeyPath:  missing,
	})
	if err == nil {
		t.Fatal("expected error when TLS certs cannot be loaded")
	}
}

func TestServeStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, endpoint.Endpoint{Scheme: "http", Address: "127.0.0.1:0"}, New(Config{}).Handler(), nil, nil, func() {
			close(shutdown)
		})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown hook did not run")
	}
}
