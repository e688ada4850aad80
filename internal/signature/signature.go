// Package signature implements the HMAC-SHA256 signing contract shared by
// inbound requests and outbound webhooks. Write requests are signed over
// the canonical JSON encoding of the lots array; read requests over the
// literal job id string; webhooks over the exact payload bytes sent.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type Signer struct {
	key []byte
}

func NewSigner(sharedKey string) *Signer {
	return &Signer{key: []byte(sharedKey)}
}

// Sign returns the hex HMAC-SHA256 digest of payload. Deterministic for a
// fixed payload and key.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignLots signs the canonical encoding of the raw lots array from a
// submission request.
func (s *Signer) SignLots(rawLots json.RawMessage) (string, error) {
	canonical, err := Canonicalize(rawLots)
	if err != nil {
		return "", err
	}
	return s.Sign(canonical), nil
}

// Verify compares a received hex digest with the expected digest in time
// independent of where the first mismatching byte occurs.
func (s *Signer) Verify(received string, payload []byte) bool {
	if received == "" {
		return false
	}
	expected := s.Sign(payload)
	return hmac.Equal([]byte(received), []byte(expected))
}

// VerifyLots verifies a write-request signature against the lots array.
func (s *Signer) VerifyLots(received string, rawLots json.RawMessage) bool {
	canonical, err := Canonicalize(rawLots)
	if err != nil {
		return false
	}
	return s.Verify(received, canonical)
}

// Canonicalize re-encodes arbitrary JSON with object keys sorted and no
// incidental whitespace, so signatures are independent of how the client
// formatted the document. encoding/json already emits map keys in sorted
// order with compact separators.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return json.Marshal(v)
}
