package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
)

var (
	ErrInvalidPublicKey  = errors.New("invalid Ed25519 public key")
	ErrInvalidPrivateKey = errors.New("invalid Ed25519 private key")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSignatureExpired  = errors.New("signature timestamp expired")
	ErrInvalidNonce      = errors.New("invalid or reused nonce")
)

// KeyPair holds serialized key material. Both halves are PEM for the
// Ed25519 scheme; other schemes may use any string form.
type KeyPair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Scheme is the signing primitive the signer is built on.
type Scheme interface {
	GenerateKeyPair() (KeyPair, error)
	Sign(privateKey string, data []byte) ([]byte, error)
	Verify(publicKey string, data, signature []byte) bool
}

// Ed25519 is the default scheme: PKIX/PKCS#8 PEM keys, deterministic
// 64-byte signatures.
var Ed25519 Scheme = ed25519Scheme{}

type ed25519Scheme struct{}

// IsEd25519 reports whether s is the built-in Ed25519 scheme.
func IsEd25519(s Scheme) bool {
	_, ok := s.(ed25519Scheme)
	return ok
}

// GenerateKeyPair returns a fresh Ed25519 key pair. Failure means the
// entropy source is broken.
func (ed25519Scheme) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return KeyPair{}, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
	}, nil
}

func (ed25519Scheme) Sign(privateKey string, data []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, data), nil
}

func (ed25519Scheme) Verify(publicKey string, data, signature []byte) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}

// ParsePublicKey accepts a PEM "PUBLIC KEY" block or a base64-encoded raw
// 32-byte key, and rejects encodings that are not Edwards25519 points.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	var raw []byte
	trimmed := strings.TrimSpace(encoded)
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		block, _ := pem.Decode([]byte(trimmed))
		if block == nil || block.Type != "PUBLIC KEY" {
			return nil, fmt.Errorf("%w: expected PEM PUBLIC KEY block", ErrInvalidPublicKey)
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pub, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an Ed25519 key", ErrInvalidPublicKey)
		}
		raw = pub
	} else {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
		}
		raw = decoded
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(raw))
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: not a curve point", ErrInvalidPublicKey)
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey accepts a PEM "PRIVATE KEY" (PKCS#8) block or a
// base64-encoded 32-byte seed.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	trimmed := strings.TrimSpace(encoded)
	if strings.HasPrefix(trimmed, "-----BEGIN") {
		block, _ := pem.Decode([]byte(trimmed))
		if block == nil || block.Type != "PRIVATE KEY" {
			return nil, fmt.Errorf("%w: expected PEM PRIVATE KEY block", ErrInvalidPrivateKey)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		priv, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an Ed25519 key", ErrInvalidPrivateKey)
		}
		return priv, nil
	}

	seed, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPrivateKey)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidPrivateKey, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PublicKeyFor derives the PEM public key matching a private key.
func PublicKeyFor(privateKey string) (string, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// SamePublicKey reports whether two encodings name the same key.
func SamePublicKey(a, b string) bool {
	ka, err := ParsePublicKey(a)
	if err != nil {
		return false
	}
	kb, err := ParsePublicKey(b)
	if err != nil {
		return false
	}
	return ka.Equal(kb)
}

// VerifySignature verifies a detached base64 signature over signedData.
func VerifySignature(pubkey ed25519.PublicKey, signedData []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}

	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(pubkey, signedData, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// SignaturePayload creates the data signed by HTTP request auth.
// Format: sha256(body)|nonce|timestamp
func SignaturePayload(bodyHash, nonce string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d", bodyHash, nonce, timestamp))
}

// BodyHash is the hex SHA-256 of a request body as used in SignaturePayload.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignPayload signs raw bytes and returns the base64 signature.
func SignPayload(privateKey string, data []byte) (string, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}
