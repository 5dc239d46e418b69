package proof

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibi-app/alibi/internal/fingerprint"
	"github.com/alibi-app/alibi/internal/tsa"
)

func newAuthority(t *testing.T, org string, now func() time.Time) *tsa.Server {
	t.Helper()
	cert, key, err := tsa.GenerateCertificate(org)
	require.NoError(t, err)

	cfg := tsa.DefaultConfig()
	cfg.Certificate = cert
	cfg.CertificateChain = []*x509.Certificate{cert}
	cfg.PrivateKey = key
	cfg.Now = now

	srv, err := tsa.NewServer(cfg)
	require.NoError(t, err)
	return srv
}

func issue(t *testing.T, srv *tsa.Server, fp fingerprint.Fingerprint) []byte {
	t.Helper()
	token, err := srv.RequestProof(context.Background(), fp)
	require.NoError(t, err)
	return token
}

func TestVerifyValidToken(t *testing.T) {
	authority := newAuthority(t, "Alibi Test", nil)
	fp := fingerprint.Compute([]byte("hello-evidence"))
	token := issue(t, authority, fp)

	v, err := NewVerifier([]*x509.Certificate{authority.Certificate()})
	require.NoError(t, err)

	proof, err := v.Verify(fp, token)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), proof.TimestampedAt, 5*time.Second)
	assert.Contains(t, proof.Authority, "Alibi Test TSA")
	assert.NotNil(t, proof.SerialNumber)
	assert.Equal(t, "1.3.6.1.4.1.99999.1.1", proof.Policy)

	again, err := v.Verify(fp, token)
	require.NoError(t, err, "verification must be repeatable")
	assert.Equal(t, proof.TimestampedAt, again.TimestampedAt)
}

func TestVerifyFingerprintMismatch(t *testing.T) {
	authority := newAuthority(t, "Alibi Test", nil)
	token := issue(t, authority, fingerprint.Compute([]byte("original")))

	v, err := NewVerifier([]*x509.Certificate{authority.Certificate()})
	require.NoError(t, err)

	_, err = v.Verify(fingerprint.Compute([]byte("substituted")), token)
	assert.Equal(t, ReasonFingerprintMismatch, ReasonOf(err))
}

func TestVerifyCorruptedToken(t *testing.T) {
	authority := newAuthority(t, "Alibi Test", nil)
	fp := fingerprint.Compute([]byte("receipt"))
	token := issue(t, authority, fp)

	v, err := NewVerifier([]*x509.Certificate{authority.Certificate()})
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := v.Verify(fp, token[:len(token)/2])
		assert.Equal(t, ReasonBadSignature, ReasonOf(err))
	})

	t.Run("signed content altered", func(t *testing.T) {
		idx := bytes.Index(token, fp.Bytes())
		require.GreaterOrEqual(t, idx, 0, "token should embed the imprint")

		tampered := append([]byte(nil), token...)
		tampered[idx] ^= 0xff
		_, err := v.Verify(fp, tampered)
		assert.Equal(t, ReasonBadSignature, ReasonOf(err))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := v.Verify(fp, nil)
		assert.Equal(t, ReasonBadSignature, ReasonOf(err))
	})
}

func TestVerifyUntrustedAuthority(t *testing.T) {
	pinned := newAuthority(t, "Pinned", nil)
	rogue := newAuthority(t, "Rogue", nil)
	fp := fingerprint.Compute([]byte("note"))

	v, err := NewVerifier([]*x509.Certificate{pinned.Certificate()})
	require.NoError(t, err)

	_, err = v.Verify(fp, issue(t, rogue, fp))
	assert.Equal(t, ReasonUntrustedAuthority, ReasonOf(err))
}

func TestVerifyImplausibleTime(t *testing.T) {
	fp := fingerprint.Compute([]byte("photo"))

	tests := []struct {
		name   string
		offset time.Duration
		reason Reason
	}{
		{"within skew", 2 * time.Minute, ""},
		{"an hour ahead", time.Hour, ReasonImplausibleTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authority := newAuthority(t, "Fast Clock", func() time.Time {
				return time.Now().Add(tt.offset)
			})
			v, err := NewVerifier([]*x509.Certificate{authority.Certificate()})
			require.NoError(t, err)

			_, err = v.Verify(fp, issue(t, authority, fp))
			assert.Equal(t, tt.reason, ReasonOf(err))
		})
	}
}

func TestVerifyCustomClock(t *testing.T) {
	authority := newAuthority(t, "Alibi Test", nil)
	fp := fingerprint.Compute([]byte("document"))
	token := issue(t, authority, fp)

	v, err := NewVerifier([]*x509.Certificate{authority.Certificate()},
		WithClock(func() time.Time { return time.Now().Add(-10 * time.Minute) }),
		WithClockSkew(time.Minute))
	require.NoError(t, err)

	_, err = v.Verify(fp, token)
	assert.Equal(t, ReasonImplausibleTime, ReasonOf(err))
}

func TestVerifyPinnedRootAcceptsIssuedAuthority(t *testing.T) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Alibi Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	root, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	eku, err := asn1.Marshal([]asn1.ObjectIdentifier{{1, 3, 6, 1, 5, 5, 7, 3, 8}})
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Issued TSA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{
			Id: asn1.ObjectIdentifier{2, 5, 29, 37}, Critical: true, Value: eku,
		}},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	cfg := tsa.DefaultConfig()
	cfg.Certificate = leaf
	cfg.CertificateChain = []*x509.Certificate{leaf, root}
	cfg.PrivateKey = leafKey
	authority, err := tsa.NewServer(cfg)
	require.NoError(t, err)

	fp := fingerprint.Compute([]byte("chained"))
	v, err := NewVerifier([]*x509.Certificate{root})
	require.NoError(t, err)

	proof, err := v.Verify(fp, issue(t, authority, fp))
	require.NoError(t, err)
	assert.Contains(t, proof.Authority, "Issued TSA")
}

func TestNewVerifierRequiresPins(t *testing.T) {
	_, err := NewVerifier(nil)
	assert.Error(t, err)
}
