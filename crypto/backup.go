package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	backupVersion = 1
	backupSaltLen = 16
	aes256KeySize = 32
	// DefaultBackupIterations is the PBKDF2 work factor for password-wrapped key backups.
	DefaultBackupIterations = 100_000
)

type keyBackup struct {
	Version    int    `json:"v"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iter"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// wrapBackup encrypts secret under a PBKDF2-SHA256 key derived from password.
func wrapBackup(secret []byte, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("backup password is required")
	}
	if iterations <= 0 {
		iterations = DefaultBackupIterations
	}

	salt := make([]byte, backupSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate backup salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, aes256KeySize, sha256.New)
	defer wipe(key)

	ciphertext, nonce, err := sealAESGCM(key, secret)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(keyBackup{
		Version:    backupVersion,
		Salt:       salt,
		Iterations: iterations,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal key backup: %w", err)
	}
	return raw, nil
}

// unwrapBackup reverses wrapBackup. Authentication failure maps to ErrWrongPassword.
func unwrapBackup(blob []byte, password string) ([]byte, error) {
	var backup keyBackup
	if err := json.Unmarshal(blob, &backup); err != nil {
		return nil, newError(KindInvalidCredentials, "unwrap backup", err)
	}
	if backup.Version != backupVersion || backup.Iterations <= 0 || len(backup.Salt) == 0 {
		return nil, newError(KindInvalidCredentials, "unwrap backup", errors.New("unsupported backup format"))
	}

	key := pbkdf2.Key([]byte(password), backup.Salt, backup.Iterations, aes256KeySize, sha256.New)
	defer wipe(key)

	secret, err := openAESGCM(key, backup.Nonce, backup.Ciphertext)
	if err != nil {
		return nil, newError(KindWrongPassword, "unwrap backup", err)
	}
	return secret, nil
}

func sealAESGCM(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func openAESGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
