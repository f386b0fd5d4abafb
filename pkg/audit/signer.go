package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Signer authenticates records with a caller-provisioned key.
type Signer interface {
	Algorithm() string
	Sign(payload []byte) string
}

// HMACSigner signs with HMAC-SHA256.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates an HMAC-SHA256 signer.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("hmac signer requires a key")
	}
	return &HMACSigner{key: append([]byte(nil), key...)}, nil
}

func (s *HMACSigner) Algorithm() string { return "hmac-sha256" }

func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil))
}

// BLAKE3Signer signs with keyed BLAKE3.
type BLAKE3Signer struct {
	key []byte
}

// NewBLAKE3Signer creates a keyed BLAKE3 signer. Keys of any length are
// accepted and condensed to the 32 bytes BLAKE3 needs.
func NewBLAKE3Signer(key []byte) (*BLAKE3Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("blake3 signer requires a key")
	}
	derived := key
	if len(key) != 32 {
		sum := blake3.Sum256(key)
		derived = sum[:]
	}
	if _, err := blake3.NewKeyed(derived); err != nil {
		return nil, fmt.Errorf("invalid blake3 key: %w", err)
	}
	return &BLAKE3Signer{key: append([]byte(nil), derived...)}, nil
}

func (s *BLAKE3Signer) Algorithm() string { return "blake3" }

func (s *BLAKE3Signer) Sign(payload []byte) string {
	h, _ := blake3.NewKeyed(s.key)
	h.Write(payload)
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}

// NewSigner creates a signer for algorithm ("hmac-sha256" or "blake3").
func NewSigner(algorithm string, key []byte) (Signer, error) {
	switch strings.ToLower(algorithm) {
	case "", "hmac-sha256", "hmac":
		return NewHMACSigner(key)
	case "blake3":
		return NewBLAKE3Signer(key)
	}
	return nil, fmt.Errorf("unknown signing algorithm %q", algorithm)
}

// LoadSigner reads a key file and creates a signer for algorithm.
// Surrounding whitespace in the file is ignored.
func LoadSigner(algorithm, keyFile string) (Signer, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit signing key: %w", err)
	}
	return NewSigner(algorithm, []byte(strings.TrimSpace(string(data))))
}

// Sign fills rec.Signature.
func Sign(s Signer, rec Record) Record {
	rec.Signature = s.Sign(rec.canonical())
	return rec
}

// Verify checks rec.Signature against s.
func Verify(s Signer, rec Record) bool {
	expected := s.Sign(rec.canonical())
	return hmac.Equal([]byte(expected), []byte(rec.Signature))
}
