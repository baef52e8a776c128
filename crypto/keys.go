package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is the Ed25519 identity of one user. Encryption keys are derived from it.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh identity key pair.
func GenerateKeyPair() (KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return KeyPair{Private: private, Public: public}, nil
}

// KeyPairFromSeed rebuilds an identity key pair from its 32-byte seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("invalid Ed25519 seed length: got %d want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Private: private, Public: private.Public().(ed25519.PublicKey)}, nil
}

// Wipe zeroes the private key bytes in place.
func (k KeyPair) Wipe() {
	for i := range k.Private {
		k.Private[i] = 0
	}
}

// x25519Private derives the clamped X25519 scalar matching the Ed25519 seed.
func (k KeyPair) x25519Private() *[32]byte {
	h := sha512.Sum512(k.Private.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var out [32]byte
	copy(out[:], h[:32])
	return &out
}

// x25519Public returns the Montgomery form of the identity public key.
func (k KeyPair) x25519Public() (*[32]byte, error) {
	raw, err := curve25519.X25519(k.x25519Private()[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive X25519 public key: %w", err)
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}

// X25519PublicFromEd25519 converts an Ed25519 public key to its X25519 equivalent.
func X25519PublicFromEd25519(publicKey ed25519.PublicKey) (*[32]byte, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: got %d want %d", len(publicKey), ed25519.PublicKeySize)
	}
	point, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	var out [32]byte
	copy(out[:], point.BytesMontgomery())
	return &out, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}

// Sign signs data using an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
