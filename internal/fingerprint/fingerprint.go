// Package fingerprint computes the content digest that anchors an evidence
// record. The digest is the only thing ever sent to a timestamp authority.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the length of a fingerprint in bytes.
const Size = sha256.Size

// Fingerprint is a SHA-256 digest of raw evidence bytes.
type Fingerprint [Size]byte

// Compute returns the fingerprint of data.
func Compute(data []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(data))
}

// ComputeReader streams r into the digest.
func ComputeReader(r io.Reader) (Fingerprint, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to read content: %w", err)
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// Parse decodes a lowercase or uppercase hex fingerprint.
func Parse(s string) (Fingerprint, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint: %w", err)
	}
	return FromBytes(raw)
}

// FromBytes copies a raw digest into a Fingerprint.
func FromBytes(raw []byte) (Fingerprint, error) {
	var fp Fingerprint
	if len(raw) != Size {
		return fp, fmt.Errorf("invalid fingerprint length %d", len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) String() string {
	return f.Hex()
}

// Bytes returns a copy of the digest.
func (f Fingerprint) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, f[:])
	return b
}

// IsZero reports whether the fingerprint was never set.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Equal compares in constant time.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], other[:]) == 1
}

// EqualBytes compares against a raw digest in constant time.
func (f Fingerprint) EqualBytes(raw []byte) bool {
	return len(raw) == Size && subtle.ConstantTimeCompare(f[:], raw) == 1
}
