// Package proof checks RFC 3161 timestamp tokens against pinned authority
// certificates. Verification is pure and may be repeated at any time.
package proof

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/alibi-app/alibi/internal/fingerprint"
)

// Reason classifies why a token was rejected.
type Reason string

const (
	ReasonFingerprintMismatch Reason = "fingerprint_mismatch"
	ReasonBadSignature        Reason = "bad_signature"
	ReasonUntrustedAuthority  Reason = "untrusted_authority"
	ReasonImplausibleTime     Reason = "implausible_time"
)

// DefaultClockSkew is the tolerance for authority times ahead of ours.
const DefaultClockSkew = 5 * time.Minute

// VerificationError is returned for every rejected token.
type VerificationError struct {
	Reason Reason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the rejection reason from err, or "" if err is not a
// verification failure.
func ReasonOf(err error) Reason {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}

// VerifiedProof is what a valid token attests.
type VerifiedProof struct {
	TimestampedAt time.Time
	// Authority is the subject of the signing certificate
	Authority    string
	SerialNumber *big.Int
	Policy       string
}

// Verifier validates tokens. It is safe for concurrent use.
type Verifier struct {
	roots  *x509.CertPool
	pinned []*x509.Certificate
	skew   time.Duration
	now    func() time.Time
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithClockSkew overrides DefaultClockSkew.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.skew = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier pins the given authority certificates. Tokens must chain to
// one of them.
func NewVerifier(pinned []*x509.Certificate, opts ...Option) (*Verifier, error) {
	if len(pinned) == 0 {
		return nil, fmt.Errorf("at least one pinned authority certificate is required")
	}

	v := &Verifier{
		roots:  x509.NewCertPool(),
		pinned: pinned,
		skew:   DefaultClockSkew,
		now:    time.Now,
	}
	for _, cert := range pinned {
		v.roots.AddCert(cert)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks token against fp. The order matters: a token that does not
// even carry a valid signature is bad_signature regardless of its content.
func (v *Verifier) Verify(fp fingerprint.Fingerprint, token []byte) (*VerifiedProof, error) {
	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, &VerificationError{Reason: ReasonBadSignature, Err: err}
	}

	// Tokens issued without certReq carry no certificates; the signer can
	// only be one of ours then.
	if len(p7.Certificates) == 0 {
		p7.Certificates = append(p7.Certificates, v.pinned...)
	}
	if err := p7.Verify(); err != nil {
		return nil, &VerificationError{Reason: ReasonBadSignature, Err: err}
	}

	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, &VerificationError{Reason: ReasonBadSignature, Err: err}
	}

	if ts.HashAlgorithm != crypto.SHA256 {
		return nil, &VerificationError{
			Reason: ReasonFingerprintMismatch,
			Err:    fmt.Errorf("token imprint uses %v", ts.HashAlgorithm),
		}
	}
	if !fp.EqualBytes(ts.HashedMessage) {
		return nil, &VerificationError{Reason: ReasonFingerprintMismatch}
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, &VerificationError{
			Reason: ReasonBadSignature,
			Err:    errors.New("token must have exactly one signer"),
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range p7.Certificates {
		if !cert.Equal(signer) {
			intermediates.AddCert(cert)
		}
	}
	_, err = signer.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   ts.Time,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	if err != nil {
		return nil, &VerificationError{Reason: ReasonUntrustedAuthority, Err: err}
	}

	if ts.Time.After(v.now().Add(v.skew)) {
		return nil, &VerificationError{
			Reason: ReasonImplausibleTime,
			Err:    fmt.Errorf("token time %s is in the future", ts.Time.UTC().Format(time.RFC3339)),
		}
	}

	return &VerifiedProof{
		TimestampedAt: ts.Time.UTC(),
		Authority:     signer.Subject.String(),
		SerialNumber:  ts.SerialNumber,
		Policy:        ts.Policy.String(),
	}, nil
}
