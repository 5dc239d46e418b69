package fingerprint

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestComputeKnownDigest(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello-evidence", "671985eb92347edde76f5415c80c9c69a2c575f0942e5ae1c0905ce57626259d"},
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		if got := Compute([]byte(tt.input)).Hex(); got != tt.want {
			t.Errorf("Compute(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestComputeDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("receipt"), 4096)

	a := Compute(data)
	b := Compute(append([]byte(nil), data...))
	if !a.Equal(b) {
		t.Error("Expected identical bytes to produce identical fingerprints")
	}

	streamed, err := ComputeReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if streamed != a {
		t.Error("Expected streamed fingerprint to match in-memory fingerprint")
	}
}

func TestComputeSensitivity(t *testing.T) {
	data := []byte("photo of the flooded basement")
	original := Compute(data)

	for i := range data {
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0x01
		if Compute(mutated).Equal(original) {
			t.Fatalf("Flipping byte %d did not change the fingerprint", i)
		}
	}
}

func TestParse(t *testing.T) {
	fp := Compute([]byte("hello-evidence"))

	parsed, err := Parse(strings.ToUpper(fp.Hex()))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if parsed != fp {
		t.Error("Parsed fingerprint does not round trip")
	}

	if _, err := Parse("abcd"); err == nil {
		t.Error("Expected error for short fingerprint")
	}
	if _, err := Parse(strings.Repeat("zz", Size)); err == nil {
		t.Error("Expected error for non-hex fingerprint")
	}
}

func TestEqualBytes(t *testing.T) {
	fp := Compute([]byte("note"))
	if !fp.EqualBytes(fp.Bytes()) {
		t.Error("Expected EqualBytes to accept own digest")
	}
	if fp.EqualBytes(fp.Bytes()[:16]) {
		t.Error("Expected EqualBytes to reject truncated digest")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestComputeReaderError(t *testing.T) {
	if _, err := ComputeReader(failingReader{}); err == nil {
		t.Error("Expected read error to propagate")
	}
}
