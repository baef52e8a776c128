package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

// Sealed layout:
//
//	version(1) | sender id(16) | body nonce(24) | key count(1) |
//	key count * [recipient id(16) | key nonce(24) | wrapped key(48)] |
//	body | signature(64)
//
// The body is sealed with XChaCha20-Poly1305 under a random content key; the
// content key is wrapped per recipient with nacl/box from the sender's
// X25519 key. The signature covers every preceding byte.
const (
	sealedVersion    = 1
	keyIDSize        = 16
	boxNonceSize     = 24
	wrappedKeySize   = chacha20poly1305.KeySize + box.Overhead
	wrappedEntrySize = keyIDSize + boxNonceSize + wrappedKeySize
	maxRecipients    = 255
	sealedHeaderSize = 1 + keyIDSize + chacha20poly1305.NonceSizeX + 1
)

func keyID(publicKey ed25519.PublicKey) []byte {
	sum := sha256.Sum256(publicKey)
	return sum[:keyIDSize]
}

func seal(plaintext []byte, sender KeyPair, recipients []ed25519.PublicKey) ([]byte, error) {
	unique := make([]ed25519.PublicKey, 0, len(recipients))
	for _, recipient := range recipients {
		duplicate := false
		for _, seen := range unique {
			if bytes.Equal(seen, recipient) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, recipient)
		}
	}
	if len(unique) == 0 || len(unique) > maxRecipients {
		return nil, fmt.Errorf("invalid recipient count %d", len(unique))
	}

	contentKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	defer wipe(contentKey)

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	senderID := keyID(sender.Public)
	out := make([]byte, 0, sealedHeaderSize+len(unique)*wrappedEntrySize+len(plaintext)+aead.Overhead()+ed25519.SignatureSize)
	out = append(out, sealedVersion)
	out = append(out, senderID...)
	out = append(out, nonce...)
	out = append(out, byte(len(unique)))

	senderPrivate := sender.x25519Private()
	for _, recipient := range unique {
		recipientPublic, err := X25519PublicFromEd25519(recipient)
		if err != nil {
			return nil, err
		}
		var keyNonce [boxNonceSize]byte
		if _, err := rand.Read(keyNonce[:]); err != nil {
			return nil, fmt.Errorf("generate key nonce: %w", err)
		}
		out = append(out, keyID(recipient)...)
		out = append(out, keyNonce[:]...)
		out = box.Seal(out, contentKey, &keyNonce, recipientPublic, senderPrivate)
	}

	out = aead.Seal(out, nonce, plaintext, senderID)

	signature, err := Sign(sender.Private, out)
	if err != nil {
		return nil, err
	}
	return append(out, signature...), nil
}

func open(raw []byte, self KeyPair, sender ed25519.PublicKey) ([]byte, error) {
	if len(raw) < sealedHeaderSize+ed25519.SignatureSize {
		return nil, errors.New("sealed message too short")
	}
	signed := raw[:len(raw)-ed25519.SignatureSize]
	if !Verify(sender, signed, raw[len(signed):]) {
		return nil, errors.New("invalid sender signature")
	}

	if signed[0] != sealedVersion {
		return nil, fmt.Errorf("unsupported sealed version %d", signed[0])
	}
	senderID := signed[1 : 1+keyIDSize]
	if !bytes.Equal(senderID, keyID(sender)) {
		return nil, errors.New("sender key mismatch")
	}
	nonce := signed[1+keyIDSize : 1+keyIDSize+chacha20poly1305.NonceSizeX]
	count := int(signed[sealedHeaderSize-1])
	entriesEnd := sealedHeaderSize + count*wrappedEntrySize
	if count == 0 || len(signed) < entriesEnd {
		return nil, errors.New("malformed recipient table")
	}

	selfID := keyID(self.Public)
	var entry []byte
	for i := 0; i < count; i++ {
		candidate := signed[sealedHeaderSize+i*wrappedEntrySize : sealedHeaderSize+(i+1)*wrappedEntrySize]
		if bytes.Equal(candidate[:keyIDSize], selfID) {
			entry = candidate
			break
		}
	}
	if entry == nil {
		return nil, errors.New("message is not addressed to this identity")
	}

	senderPublic, err := X25519PublicFromEd25519(sender)
	if err != nil {
		return nil, err
	}
	var keyNonce [boxNonceSize]byte
	copy(keyNonce[:], entry[keyIDSize:keyIDSize+boxNonceSize])
	contentKey, ok := box.Open(nil, entry[keyIDSize+boxNonceSize:], &keyNonce, senderPublic, self.x25519Private())
	if !ok {
		return nil, errors.New("unwrap content key")
	}
	defer wipe(contentKey)

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, signed[entriesEnd:], senderID)
	if err != nil {
		return nil, fmt.Errorf("open body: %w", err)
	}
	return plaintext, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func samePublicKey(a, b ed25519.PublicKey) bool {
	return len(a) == ed25519.PublicKeySize && bytes.Equal(a, b)
}
