// Package tlsconfig loads TLS material for the https listen and dial paths.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/coderoom/internal/paths"
)

// Options holds explicit TLS paths from CLI flags.
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

const (
	serverCertFile = "server.pem"
	serverKeyFile  = "server.key"
	caFile         = "ca.pem"
)

var lookupTLSDir = paths.TLSDir

// ResolveServer returns the server tls.Config. Paths left empty are looked up
// in the TLS directory; nil is returned when no certificate pair is found.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath := firstExisting(opts.CertPath, serverCertFile)
	keyPath := firstExisting(opts.KeyPath, serverKeyFile)
	if certPath == "" || keyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient returns the client tls.Config, trusting the configured or
// discovered CA bundle in addition to the system roots.
func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, errors.New("client certificates are not supported")
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS13}
	caPath := firstExisting(opts.CAPath, caFile)
	if caPath == "" {
		return tlsCfg, nil
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", caPath)
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

func firstExisting(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := lookupTLSDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
