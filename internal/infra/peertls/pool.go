package peertls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertsFound is returned when a CA file holds no certificate.
var ErrNoCertsFound = errors.New("peertls: no certificates found in PEM data")

// RootPool returns the system roots extended with the certificates in
// caFiles. Systems without a readable root store start from an empty pool.
func RootPool(caFiles ...string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, path := range caFiles {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("peertls: read ca file %s: %w", path, err)
		}
		if err := AppendPEM(pool, data); err != nil {
			return nil, fmt.Errorf("peertls: %s: %w", path, err)
		}
	}
	return pool, nil
}

// AppendPEM adds every CERTIFICATE block of pemData to pool.
func AppendPEM(pool *x509.CertPool, pemData []byte) error {
	var added int
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return ErrNoCertsFound
	}
	return nil
}

// ClientConfig returns the TLS config peer clients dial with.
func ClientConfig(roots *x509.CertPool) *tls.Config {
	return &tls.Config{
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}
}

// ServerConfig returns the TLS config of the peer server. Certificates
// come from r on every handshake.
func ServerConfig(r *Reloader) *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}
