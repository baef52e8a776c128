package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// LoadCABundle reads a PEM bundle into a certificate pool. An empty path
// returns nil so callers fall back to the system roots.
func LoadCABundle(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, errors.New("CA bundle contains no certificates")
	}
	return pool, nil
}

// ClientTLSConfig builds a TLS client config for serverName trusting the CA bundle.
func ClientTLSConfig(serverName, caBundle string) (*tls.Config, error) {
	pool, err := LoadCABundle(caBundle)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		ServerName: serverName,
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
