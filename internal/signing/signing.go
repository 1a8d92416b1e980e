// Package signing provides HMAC-SHA256 signing and verification. The webhook
// front door verifies alert bodies against the shared secret before they
// reach the orchestrator; approval promotions are receipted with the same
// primitive so the audit trail can prove who promoted what.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrSignatureMismatch means the presented signature does not match the body.
var ErrSignatureMismatch = errors.New("signature mismatch")

// Signer creates and verifies HMAC-SHA256 signatures under one shared secret.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the hex HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature against body in constant time.
func (s *Signer) Verify(body []byte, signature string) error {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Receipt signs an approval decision (request id + decision + approver) so
// the audit payload carries a verifiable record of the promotion.
func (s *Signer) Receipt(requestID, decision, approver string) string {
	return s.Sign([]byte(requestID + "|" + decision + "|" + approver))
}
