package crypto

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealOpen(t *testing.T) {
	s := newTestSealer(t)

	original := `{"prompt":"summarize this contract"}`
	sealed, err := s.Seal(original, "req-1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == original || !IsSealed(sealed) {
		t.Fatalf("expected a sealed value, got %q", sealed)
	}

	opened, err := s.Open(sealed, "req-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != original {
		t.Errorf("got %q, want %q", opened, original)
	}
}

func TestSeal_RandomNonce(t *testing.T) {
	s := newTestSealer(t)
	a, _ := s.Seal("same input", "r")
	b, _ := s.Seal("same input", "r")
	if a == b {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestOpen_WrongBindingFails(t *testing.T) {
	s := newTestSealer(t)
	sealed, _ := s.Seal("secret", "req-1")
	if _, err := s.Open(sealed, "req-2"); err == nil {
		t.Error("expected error when opening with a different binding")
	}
}

func TestNilSealer(t *testing.T) {
	var s *Sealer
	if s.Enabled() {
		t.Error("nil sealer must report disabled")
	}

	out, err := s.Seal("plain", "r")
	if err != nil || out != "plain" {
		t.Fatalf("nil Seal should pass through, got %q, %v", out, err)
	}
	out, err = s.Open("plain", "r")
	if err != nil || out != "plain" {
		t.Fatalf("nil Open should pass through, got %q, %v", out, err)
	}

	sealed, _ := newTestSealer(t).Seal("secret", "r")
	if _, err := s.Open(sealed, "r"); !errors.Is(err, ErrNoKey) {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestOpen_UnsealedValuePassesThrough(t *testing.T) {
	s := newTestSealer(t)
	out, err := s.Open("legacy excerpt", "r")
	if err != nil || out != "legacy excerpt" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestSeal_EmptyStaysEmpty(t *testing.T) {
	out, err := newTestSealer(t).Seal("", "r")
	if err != nil || out != "" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestNewSealer_Keys(t *testing.T) {
	s, err := NewSealer("")
	if err != nil || s != nil {
		t.Fatalf("empty key should disable sealing, got %v, %v", s, err)
	}

	_, err = NewSealer(hex.EncodeToString([]byte("0123456789abcdef")))
	if err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("expected key length error, got %v", err)
	}

	if _, err := NewSealer("not-hex"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestOpen_InvalidData(t *testing.T) {
	s := newTestSealer(t)

	if _, err := s.Open(sealedPrefix+"!!!not-base64!!!", "r"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := s.Open(sealedPrefix+"YQ==", "r"); err == nil {
		t.Error("expected error for too-short ciphertext")
	}

	sealed, _ := s.Seal("hello", "r")
	tampered := []byte(sealed)
	mid := len(sealedPrefix) + (len(tampered)-len(sealedPrefix))/2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	if _, err := s.Open(string(tampered), "r"); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}
