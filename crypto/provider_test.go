package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealtalk/identity"
)

type memDirectory struct {
	mu      sync.Mutex
	cards   map[string]ed25519.PublicKey
	backups map[string][]byte
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		cards:   make(map[string]ed25519.PublicKey),
		backups: make(map[string][]byte),
	}
}

func (d *memDirectory) PublishCard(_ context.Context, id string, key ed25519.PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cards[id]; ok {
		return identity.ErrAlreadyExists
	}
	d.cards[id] = key
	return nil
}

func (d *memDirectory) FindCard(_ context.Context, id string) (ed25519.PublicKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.cards[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return key, nil
}

func (d *memDirectory) StoreBackup(_ context.Context, id string, blob, signature []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.cards[id]
	if !ok {
		return identity.ErrNotFound
	}
	if !Verify(key, blob, signature) {
		return identity.ErrUnauthorized
	}
	d.backups[id] = blob
	return nil
}

func (d *memDirectory) FetchBackup(_ context.Context, id string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blob, ok := d.backups[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return blob, nil
}

func newTestProvider(t *testing.T, directory Directory) *Provider {
	t.Helper()
	return NewProvider(ProviderOptions{Directory: directory, BackupIterations: 1000})
}

func signedUpProvider(t *testing.T, directory Directory, userID string) (*Provider, Credentials) {
	t.Helper()
	provider := newTestProvider(t, directory)
	creds, err := provider.SignUp(context.Background(), userID)
	require.NoError(t, err)
	return provider, creds
}

func TestRoundTripToSelf(t *testing.T) {
	provider, _ := signedUpProvider(t, newMemDirectory(), "alice")
	ctx := context.Background()

	body := []byte(`{"type":"text","payload":{"body":"hello"}}`)
	ciphertext, err := provider.Encrypt(ctx, "alice", body)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, []byte("hello")))

	plaintext, err := provider.Decrypt(ctx, "alice", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, body, plaintext)
}

func TestRecipientAndSenderBothDecrypt(t *testing.T) {
	directory := newMemDirectory()
	alice, _ := signedUpProvider(t, directory, "alice")
	bob, _ := signedUpProvider(t, directory, "bob")
	eve, _ := signedUpProvider(t, directory, "eve")
	ctx := context.Background()

	ciphertext, err := alice.Encrypt(ctx, "bob", []byte("hi bob"))
	require.NoError(t, err)

	got, err := bob.Decrypt(ctx, "alice", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(got))

	echo, err := alice.Decrypt(ctx, "alice", ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", string(echo))

	_, err = eve.Decrypt(ctx, "alice", ciphertext)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = bob.Decrypt(ctx, "eve", ciphertext)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptRejectsEveryFlippedByte(t *testing.T) {
	provider, _ := signedUpProvider(t, newMemDirectory(), "alice")
	ctx := context.Background()

	ciphertext, err := provider.Encrypt(ctx, "alice", []byte("integrity"))
	require.NoError(t, err)

	for i := range ciphertext {
		corrupted := append([]byte(nil), ciphertext...)
		corrupted[i] ^= 0x01
		_, err := provider.Decrypt(ctx, "alice", corrupted)
		require.ErrorIs(t, err, ErrDecryptionFailed, "byte %d", i)
	}
}

func TestEncryptErrors(t *testing.T) {
	provider, _ := signedUpProvider(t, newMemDirectory(), "alice")
	ctx := context.Background()

	_, err := provider.Encrypt(ctx, "ghost", []byte("x"))
	require.ErrorIs(t, err, ErrUnknownRecipient)

	_, err = provider.Encrypt(ctx, "alice", bytes.Repeat([]byte("a"), MaxPlaintextSize+1))
	require.ErrorIs(t, err, ErrBufferTooSmall)

	provider.SignOut()
	_, err = provider.Encrypt(ctx, "alice", []byte("x"))
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestNotInitialized(t *testing.T) {
	provider := NewProvider(ProviderOptions{})
	_, err := provider.SignUp(context.Background(), "alice")
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSignUpTwiceFails(t *testing.T) {
	directory := newMemDirectory()
	signedUpProvider(t, directory, "alice")

	_, err := newTestProvider(t, directory).SignUp(context.Background(), "alice")
	require.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestSignInChecksCard(t *testing.T) {
	directory := newMemDirectory()
	_, creds := signedUpProvider(t, directory, "alice")
	ctx := context.Background()

	fresh := newTestProvider(t, directory)
	require.NoError(t, fresh.SignIn(ctx, creds))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	err = fresh.SignIn(ctx, Credentials{Identity: "alice", Keys: other})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	err = fresh.SignIn(ctx, Credentials{Identity: "nobody", Keys: other})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestBackupAndPasswordSignIn(t *testing.T) {
	directory := newMemDirectory()
	provider, creds := signedUpProvider(t, directory, "alice")
	ctx := context.Background()

	require.NoError(t, provider.BackupKey(ctx, "correct horse"))

	restored := newTestProvider(t, directory)
	_, err := restored.SignInWithPassword(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrWrongPassword)

	got, err := restored.SignInWithPassword(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, creds.Keys.Public, got.Keys.Public)

	_, err = restored.SignInWithPassword(ctx, "bob", "x")
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestSearch(t *testing.T) {
	provider, _ := signedUpProvider(t, newMemDirectory(), "alice")

	found, err := provider.Search(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = provider.Search(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCredentialsMarshalRoundTrip(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	raw, err := Credentials{Identity: "alice", Keys: keys}.Marshal()
	require.NoError(t, err)

	parsed, err := ParseCredentials(raw)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, parsed.Keys.Public)

	_, err = ParseCredentials([]byte("garbage"))
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestFileRoundTrip(t *testing.T) {
	directory := newMemDirectory()
	alice, _ := signedUpProvider(t, directory, "alice")
	bob, _ := signedUpProvider(t, directory, "bob")
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "big.bin")
	content := strings.Repeat("attachment-bytes-", 4096)
	require.NoError(t, writeFile(src, content))

	sealed := filepath.Join(dir, "big.sealed")
	require.NoError(t, alice.EncryptFile(ctx, "bob", src, sealed))

	out := filepath.Join(dir, "big.out")
	require.NoError(t, bob.DecryptFile(ctx, "alice", sealed, out))
	got, err := readFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestX25519ConversionMatchesDerivedKey(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	fromPrivate, err := keys.x25519Public()
	require.NoError(t, err)
	fromPublic, err := X25519PublicFromEd25519(keys.Public)
	require.NoError(t, err)
	assert.Equal(t, fromPrivate, fromPublic)
}

func TestFormatFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func readFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	return string(raw), err
}
