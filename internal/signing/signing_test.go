package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func TestSignVerify(t *testing.T) {
	s := NewSigner([]byte("shared-secret"))
	body := []byte(`{"@timestamp":"2026-01-01T00:00:00Z","event":{}}`)

	sig := s.Sign(body)
	if err := s.Verify(body, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Reference computation must agree.
	mac := hmac.New(sha256.New, []byte("shared-secret"))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("Sign = %s, want %s", sig, want)
	}
}

func TestVerifyRejects(t *testing.T) {
	s := NewSigner([]byte("shared-secret"))
	body := []byte("payload")

	if err := s.Verify(body, s.Sign([]byte("other"))); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("wrong-body signature: %v", err)
	}
	if err := s.Verify(body, "zz-not-hex"); err == nil {
		t.Error("non-hex signature accepted")
	}
	other := NewSigner([]byte("different-secret"))
	if err := other.Verify(body, s.Sign(body)); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("cross-key signature: %v", err)
	}
}

func TestReceiptDeterministic(t *testing.T) {
	s := NewSigner([]byte("k"))
	a := s.Receipt("req-1", "approved", "alice")
	b := s.Receipt("req-1", "approved", "alice")
	if a != b {
		t.Error("receipt not deterministic")
	}
	if a == s.Receipt("req-1", "denied", "alice") {
		t.Error("decision not bound into receipt")
	}
}
