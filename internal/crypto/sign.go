package crypto

import (
	"encoding/base64"

	"github.com/squadklaw/squadklaw/internal/models"
)

// Signer signs and verifies records over their canonical form. It holds
// no key material and is safe for concurrent use.
type Signer struct {
	Scheme Scheme
}

// NewSigner returns a Signer on scheme, or Ed25519 when scheme is nil.
func NewSigner(scheme Scheme) *Signer {
	if scheme == nil {
		scheme = Ed25519
	}
	return &Signer{Scheme: scheme}
}

// DefaultSigner signs with Ed25519.
var DefaultSigner = NewSigner(Ed25519)

// GenerateKeyPair delegates to the scheme.
func (s *Signer) GenerateKeyPair() (KeyPair, error) {
	return s.Scheme.GenerateKeyPair()
}

// Sign canonicalizes record and returns the base64 signature.
func (s *Signer) Sign(record any, privateKey string) (string, error) {
	data, err := Canonicalize(record)
	if err != nil {
		return "", err
	}
	sig, err := s.Scheme.Sign(privateKey, data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature covers record's non-signature fields
// under publicKey. Malformed records, keys or signatures yield false.
func (s *Signer) Verify(record any, signature, publicKey string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) == 0 {
		return false
	}
	data, err := Canonicalize(record)
	if err != nil {
		return false
	}
	return s.Scheme.Verify(publicKey, data, sig)
}

// SignMessage fills msg.Signature.
func (s *Signer) SignMessage(msg *models.Message, privateKey string) error {
	msg.Signature = ""
	sig, err := s.Sign(msg, privateKey)
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// VerifyMessage checks msg.Signature against publicKey.
func (s *Signer) VerifyMessage(msg *models.Message, publicKey string) bool {
	if msg == nil || msg.Signature == "" {
		return false
	}
	return s.Verify(msg, msg.Signature, publicKey)
}

// Sign signs record with the default Ed25519 signer.
func Sign(record any, privateKey string) (string, error) {
	return DefaultSigner.Sign(record, privateKey)
}

// Verify verifies record with the default Ed25519 signer.
func Verify(record any, signature, publicKey string) bool {
	return DefaultSigner.Verify(record, signature, publicKey)
}

// GenerateKeyPair creates an Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	return Ed25519.GenerateKeyPair()
}
