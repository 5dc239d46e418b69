package tsa

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/alibi-app/alibi/internal/fingerprint"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	maxRequestBytes = 64 << 10
)

// Server implements an RFC 3161 compliant Time Stamping Authority.
type Server struct {
	config        *Config
	policy        asn1.ObjectIdentifier
	serialCounter atomic.Uint64
}

// NewServer creates a new TSA server with the given configuration.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Certificate == nil || config.PrivateKey == nil {
		return nil, fmt.Errorf("TSA certificate or private key not configured")
	}

	policy, err := parseOID(config.PolicyOID)
	if err != nil {
		return nil, err
	}

	s := &Server{config: config, policy: policy}
	s.serialCounter.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

// NewServerWithGeneratedCert creates a TSA server with a self-signed certificate.
// This is useful for development/testing. In production, use proper PKI certificates.
func NewServerWithGeneratedCert(orgName string) (*Server, error) {
	cert, key, err := GenerateCertificate(orgName)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	config.Certificate = cert
	config.CertificateChain = []*x509.Certificate{cert}
	config.PrivateKey = key

	return NewServer(config)
}

// GenerateCertificate creates a self-signed P-256 certificate carrying the
// critical time-stamping extended key usage.
func GenerateCertificate(orgName string) (*x509.Certificate, crypto.Signer, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	// RFC 3161 2.3 requires the extended key usage to be critical, which
	// x509.CreateCertificate does not do for ExtKeyUsage.
	ekuValue, err := asn1.Marshal([]asn1.ObjectIdentifier{{1, 3, 6, 1, 5, 5, 7, 3, 8}})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode extended key usage: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Time Stamping Authority"},
			CommonName:         fmt.Sprintf("%s TSA", orgName),
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  false,
		ExtraExtensions: []pkix.Extension{{
			Id:       asn1.ObjectIdentifier{2, 5, 29, 37},
			Critical: true,
			Value:    ekuValue,
		}},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, privateKey, nil
}

// Timestamp creates an RFC 3161 timestamp token for the given SHA-256 hash.
func (s *Server) Timestamp(ctx context.Context, dataHash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, err := s.respond(&timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: dataHash,
		Certificates:  true,
	})
	if err != nil {
		return nil, err
	}

	ts, err := timestamp.ParseResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp token: %w", err)
	}
	return ts.RawToken, nil
}

// RequestProof lets the server act as an in-process authority.
func (s *Server) RequestProof(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	token, err := s.Timestamp(ctx, fp.Bytes())
	if err != nil {
		return nil, &RejectedError{Reason: err.Error()}
	}
	return token, nil
}

// Name identifies the authority in logs.
func (s *Server) Name() string {
	return "embedded:" + s.config.Certificate.Subject.CommonName
}

// ServeHTTP answers application/timestamp-query requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != contentTypeQuery {
		http.Error(w, "expected "+contentTypeQuery, http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	req, err := timestamp.ParseRequest(body)
	if err != nil {
		http.Error(w, "malformed timestamp request", http.StatusBadRequest)
		return
	}

	resp, err := s.respond(req)
	if err != nil {
		http.Error(w, "failed to issue timestamp", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeReply)
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

// respond builds a DER TimeStampResp. Requests the authority will not
// honour get a signed rejection rather than a Go error.
func (s *Server) respond(req *timestamp.Request) ([]byte, error) {
	if !s.config.Enabled {
		return timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.SystemFailure)
	}

	switch req.HashAlgorithm {
	case crypto.SHA256, crypto.SHA384, crypto.SHA512:
	default:
		return timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.BadAlgorithm)
	}
	if len(req.HashedMessage) != req.HashAlgorithm.Size() {
		return timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.BadDataFormat)
	}
	if req.TSAPolicyOID != nil && !req.TSAPolicyOID.Equal(s.policy) {
		return timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.UnacceptedPolicy)
	}

	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              s.now().UTC(),
		Accuracy:          s.config.Accuracy,
		SerialNumber:      new(big.Int).SetUint64(s.serialCounter.Add(1)),
		Policy:            s.policy,
		Nonce:             req.Nonce,
		AddTSACertificate: req.Certificates || s.config.IncludeCertificate,
	}

	resp, err := ts.CreateResponseWithOpts(s.config.Certificate, s.config.PrivateKey, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign timestamp: %w", err)
	}
	return resp, nil
}

func (s *Server) now() time.Time {
	if s.config.Now != nil {
		return s.config.Now()
	}
	return time.Now()
}

// Certificate returns the TSA certificate.
func (s *Server) Certificate() *x509.Certificate {
	return s.config.Certificate
}

// CertificateChain returns the full certificate chain.
func (s *Server) CertificateChain() []*x509.Certificate {
	return s.config.CertificateChain
}
