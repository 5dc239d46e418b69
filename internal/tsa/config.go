// Package tsa talks RFC 3161. Client obtains timestamp tokens from an
// authority over HTTP; Server is a local authority for development and tests.
package tsa

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds TSA server configuration.
type Config struct {
	// Enabled controls whether the TSA is active
	Enabled bool

	// PolicyOID is the timestamp policy OID (e.g., "1.2.3.4.1")
	// This identifies the policy under which timestamps are issued
	PolicyOID string

	// Certificate is the TSA signing certificate
	Certificate *x509.Certificate

	// CertificateChain is the full certificate chain for verification
	CertificateChain []*x509.Certificate

	// PrivateKey is the TSA private key for signing
	// In production, this should come from an HSM
	PrivateKey crypto.Signer

	// Accuracy is the claimed accuracy of issued times
	Accuracy time.Duration

	// IncludeCertificate includes signing cert in response even when
	// the request did not ask for it
	IncludeCertificate bool

	// Now overrides the clock; nil means time.Now
	Now func() time.Time
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		PolicyOID:          "1.3.6.1.4.1.99999.1.1",
		Accuracy:           time.Second,
		IncludeCertificate: true,
	}
}

// ClientConfig configures the outbound authority client.
type ClientConfig struct {
	// URL of the RFC 3161 endpoint
	URL string
	// MaxAttempts bounds outbound requests per proof acquisition
	MaxAttempts int
	// BaseDelay is the first backoff interval, doubled per retry up to MaxDelay
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// AttemptTimeout bounds a single round trip
	AttemptTimeout time.Duration
}

// DefaultClientConfig returns the documented retry budget.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 15 * time.Second,
	}
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}

// LoadCertificates reads every CERTIFICATE block from a PEM file.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate in %s: %w", path, err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return certs, nil
}

// LoadPrivateKey reads a PKCS#8, PKCS#1 or SEC 1 private key from a PEM file.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key in %s cannot sign", path)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key format in %s", path)
}

// NewServerFromFiles builds a server from PEM certificate chain and key files.
// The first certificate in certPath is the signing certificate.
func NewServerFromFiles(certPath, keyPath string) (*Server, error) {
	chain, err := LoadCertificates(certPath)
	if err != nil {
		return nil, err
	}
	key, err := LoadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	config.Certificate = chain[0]
	config.CertificateChain = chain
	config.PrivateKey = key
	return NewServer(config)
}
