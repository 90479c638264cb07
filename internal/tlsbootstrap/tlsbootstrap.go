// Package tlsbootstrap writes a private CA plus server and client
// certificates for serving coderoom over mutual TLS.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const validity = 365 * 24 * time.Hour

var defaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// Options controls Init.
type Options struct {
	Dir   string
	Force bool
	// Hosts become the server certificate's SANs. Defaults to loopback.
	Hosts []string
}

// Pair is PEM-encoded certificate and key material.
type Pair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Bundle is everything Init writes.
type Bundle struct {
	CA     Pair
	Server Pair
	Client Pair
}

// authority signs leaf certificates.
type authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pair Pair
}

// Init generates a bundle and writes it to opts.Dir. An existing CA is kept
// unless Force is set.
func Init(opts Options) (Bundle, error) {
	caPath := filepath.Join(opts.Dir, "ca.pem")
	if !opts.Force {
		if _, err := os.Stat(caPath); err == nil {
			return Bundle{}, fmt.Errorf("CA already exists at %s (use --force to overwrite)", caPath)
		}
	}

	bundle, err := Generate(opts.Hosts)
	if err != nil {
		return Bundle{}, err
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return Bundle{}, fmt.Errorf("create TLS directory: %w", err)
	}
	for name, data := range bundle.files() {
		perm := os.FileMode(0o644)
		if filepath.Ext(name) == ".key" {
			perm = 0o600
		}
		if err := os.WriteFile(filepath.Join(opts.Dir, name), data, perm); err != nil {
			return Bundle{}, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return bundle, nil
}

// Generate creates a bundle in memory.
func Generate(hosts []string) (Bundle, error) {
	if len(hosts) == 0 {
		hosts = defaultHosts
	}
	ca, err := newAuthority("coderoom-ca")
	if err != nil {
		return Bundle{}, err
	}
	server, err := ca.issue("coderoom-server", hosts, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return Bundle{}, fmt.Errorf("issue server certificate: %w", err)
	}
	client, err := ca.issue("coderoom-client", nil, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return Bundle{}, fmt.Errorf("issue client certificate: %w", err)
	}
	return Bundle{CA: ca.pair, Server: server, Client: client}, nil
}

func (b Bundle) files() map[string][]byte {
	return map[string][]byte{
		"ca.pem":     b.CA.CertPEM,
		"ca.key":     b.CA.KeyPEM,
		"server.pem": b.Server.CertPEM,
		"server.key": b.Server.KeyPEM,
		"client.pem": b.Client.CertPEM,
		"client.key": b.Client.KeyPEM,
	}
}

func newAuthority(name string) (*authority, error) {
	template := &x509.Certificate{
		Subject:               pkix.Name{CommonName: name},
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	cert, key, pair, err := sign(template, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create CA: %w", err)
	}
	return &authority{cert: cert, key: key, pair: pair}, nil
}

func (a *authority) issue(name string, hosts []string, usage x509.ExtKeyUsage) (Pair, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: name},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{usage},
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	_, _, pair, err := sign(template, a.cert, a.key)
	return pair, err
}

// sign self-signs template when parent is nil.
func sign(template, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, Pair{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, Pair{}, fmt.Errorf("generate serial number: %w", err)
	}
	now := time.Now()
	template.SerialNumber = serial
	template.NotBefore = now.Add(-time.Minute)
	template.NotAfter = now.Add(validity)
	if parent == nil {
		parent, parentKey = template, key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, Pair{}, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, Pair{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, Pair{}, err
	}
	return cert, key, Pair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Certificate parses the first certificate in p.
func (p Pair) Certificate() (*x509.Certificate, error) {
	block, _ := pem.Decode(p.CertPEM)
	if block == nil {
		return nil, errors.New("no certificate PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}
