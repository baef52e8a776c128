// Package crypto implements end-to-end encryption of message bodies keyed by
// recipient identity, together with sign-up, sign-in and key backup against
// the identity service.
package crypto

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"sealtalk/identity"
)

// MaxPlaintextSize is the largest message plaintext accepted by Encrypt (20 KB).
const MaxPlaintextSize = 20 * 1024

// Directory resolves identity cards and stores key backups.
type Directory interface {
	PublishCard(ctx context.Context, identity string, publicKey ed25519.PublicKey) error
	FindCard(ctx context.Context, identity string) (ed25519.PublicKey, error)
	StoreBackup(ctx context.Context, identity string, blob, signature []byte) error
	FetchBackup(ctx context.Context, identity string) ([]byte, error)
}

// DirectoryFactory connects to the identity service of one environment.
type DirectoryFactory func(serviceURL, caBundle string) (Directory, error)

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	// Directory is used until Initialize switches environments.
	Directory        Directory
	DirectoryFactory DirectoryFactory
	BackupIterations int
	Logger           logrus.FieldLogger
}

func (o ProviderOptions) withDefaults() ProviderOptions {
	out := o
	if out.DirectoryFactory == nil {
		out.DirectoryFactory = func(serviceURL, caBundle string) (Directory, error) {
			return identity.NewClient(serviceURL, caBundle)
		}
	}
	if out.BackupIterations <= 0 {
		out.BackupIterations = DefaultBackupIterations
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// Provider is the crypto backend of one client. It is safe for concurrent use.
type Provider struct {
	opts ProviderOptions
	log  logrus.FieldLogger

	mu        sync.RWMutex
	directory Directory
	self      *Credentials
	cards     map[string]ed25519.PublicKey
}

// NewProvider returns a provider. Initialize must be called before use unless
// options carry a Directory.
func NewProvider(options ProviderOptions) *Provider {
	opts := options.withDefaults()
	return &Provider{
		opts:      opts,
		log:       opts.Logger.WithField("component", "crypto"),
		directory: opts.Directory,
		cards:     make(map[string]ed25519.PublicKey),
	}
}

// Initialize points the provider at an identity service. Re-initializing
// switches environments and drops any cached cards.
func (p *Provider) Initialize(serviceURL, caBundle string) error {
	directory, err := p.opts.DirectoryFactory(serviceURL, caBundle)
	if err != nil {
		return newError(KindNotInitialized, "initialize", err)
	}

	p.mu.Lock()
	p.directory = directory
	p.cards = make(map[string]ed25519.PublicKey)
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"function": "Initialize",
		"service":  serviceURL,
	}).Debug("identity service selected")
	return nil
}

// SignUp creates a new identity and registers its card.
func (p *Provider) SignUp(ctx context.Context, userID string) (Credentials, error) {
	directory, err := p.dir("sign up")
	if err != nil {
		return Credentials{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return Credentials{}, newError(KindInvalidCredentials, "sign up", errors.New("user id is required"))
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return Credentials{}, newError(KindService, "sign up", err)
	}
	if err := directory.PublishCard(ctx, userID, keys.Public); err != nil {
		if errors.Is(err, identity.ErrAlreadyExists) {
			return Credentials{}, newError(KindUserAlreadyExists, "sign up", err)
		}
		return Credentials{}, newError(KindService, "sign up", err)
	}

	creds := Credentials{Identity: userID, Keys: keys}
	p.setSelf(creds)
	return creds, nil
}

// SignIn activates stored credentials after checking them against the published card.
func (p *Provider) SignIn(ctx context.Context, creds Credentials) error {
	directory, err := p.dir("sign in")
	if err != nil {
		return err
	}
	if creds.Identity == "" || len(creds.Keys.Private) != ed25519.PrivateKeySize {
		return newError(KindInvalidCredentials, "sign in", errors.New("incomplete credentials"))
	}

	card, err := directory.FindCard(ctx, creds.Identity)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return newError(KindInvalidCredentials, "sign in", err)
		}
		return newError(KindService, "sign in", err)
	}
	if !samePublicKey(card, creds.Keys.Public) {
		return newError(KindInvalidCredentials, "sign in", errors.New("key does not match published card"))
	}

	p.setSelf(creds)
	return nil
}

// SignInWithPassword recovers backed-up credentials and activates them.
func (p *Provider) SignInWithPassword(ctx context.Context, userID, password string) (Credentials, error) {
	directory, err := p.dir("sign in with password")
	if err != nil {
		return Credentials{}, err
	}

	blob, err := directory.FetchBackup(ctx, userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return Credentials{}, newError(KindNoCredentials, "sign in with password", err)
		}
		return Credentials{}, newError(KindService, "sign in with password", err)
	}

	secret, err := unwrapBackup(blob, password)
	if err != nil {
		return Credentials{}, err
	}
	creds, err := ParseCredentials(secret)
	wipe(secret)
	if err != nil {
		return Credentials{}, err
	}
	if creds.Identity != userID {
		return Credentials{}, newError(KindInvalidCredentials, "sign in with password", fmt.Errorf("backup belongs to %q", creds.Identity))
	}

	p.setSelf(creds)
	return creds, nil
}

// BackupKey uploads the active identity key wrapped with password.
func (p *Provider) BackupKey(ctx context.Context, password string) error {
	directory, err := p.dir("backup key")
	if err != nil {
		return err
	}
	self, ok := p.current()
	if !ok {
		return newError(KindNoCredentials, "backup key", nil)
	}

	secret, err := self.Marshal()
	if err != nil {
		return newError(KindInvalidCredentials, "backup key", err)
	}
	blob, err := wrapBackup(secret, password, p.opts.BackupIterations)
	wipe(secret)
	if err != nil {
		return newError(KindService, "backup key", err)
	}
	signature, err := Sign(self.Keys.Private, blob)
	if err != nil {
		return newError(KindInvalidCredentials, "backup key", err)
	}
	if err := directory.StoreBackup(ctx, self.Identity, blob, signature); err != nil {
		return newError(KindService, "backup key", err)
	}
	return nil
}

// SignOut forgets the active identity and wipes its private key from memory.
func (p *Provider) SignOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.self != nil {
		p.self.Keys.Wipe()
		p.self = nil
	}
	p.cards = make(map[string]ed25519.PublicKey)
}

// Search reports whether userID has a published card.
func (p *Provider) Search(ctx context.Context, userID string) (bool, error) {
	_, err := p.lookup(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, identity.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Encrypt seals plaintext for recipientID and for the active identity's other devices.
func (p *Provider) Encrypt(ctx context.Context, recipientID string, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, newError(KindBufferTooSmall, "encrypt", fmt.Errorf("plaintext is %d bytes, max %d", len(plaintext), MaxPlaintextSize))
	}
	return p.sealFor(ctx, "encrypt", recipientID, plaintext)
}

// Decrypt opens ciphertext produced by senderID.
func (p *Provider) Decrypt(ctx context.Context, senderID string, ciphertext []byte) ([]byte, error) {
	return p.openFrom(ctx, "decrypt", senderID, ciphertext)
}

// EncryptFile seals the file at srcPath for recipientID into dstPath.
func (p *Provider) EncryptFile(ctx context.Context, recipientID, srcPath, dstPath string) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	sealed, err := p.sealFor(ctx, "encrypt file", recipientID, plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dstPath, sealed, 0o600); err != nil {
		return fmt.Errorf("write sealed attachment: %w", err)
	}
	return nil
}

// DecryptFile opens the sealed file at srcPath from senderID into dstPath.
func (p *Provider) DecryptFile(ctx context.Context, senderID, srcPath, dstPath string) error {
	sealed, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read sealed attachment: %w", err)
	}
	plaintext, err := p.openFrom(ctx, "decrypt file", senderID, sealed)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dstPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	return nil
}

func (p *Provider) sealFor(ctx context.Context, op, recipientID string, plaintext []byte) ([]byte, error) {
	self, ok := p.current()
	if !ok {
		return nil, newError(KindNoCredentials, op, nil)
	}

	recipientKey, err := p.lookup(ctx, recipientID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, newError(KindUnknownRecipient, op, err)
		}
		var cryptoErr *Error
		if errors.As(err, &cryptoErr) {
			return nil, err
		}
		return nil, newError(KindUnknownRecipient, op, err)
	}

	sealed, err := seal(plaintext, self.Keys, []ed25519.PublicKey{recipientKey, self.Keys.Public})
	if err != nil {
		return nil, newError(KindService, op, err)
	}
	return sealed, nil
}

func (p *Provider) openFrom(ctx context.Context, op, senderID string, ciphertext []byte) ([]byte, error) {
	self, ok := p.current()
	if !ok {
		return nil, newError(KindNoCredentials, op, nil)
	}

	senderKey, err := p.lookup(ctx, senderID)
	if err != nil {
		return nil, newError(KindDecryptionFailed, op, err)
	}
	plaintext, err := open(ciphertext, self.Keys, senderKey)
	if err != nil {
		return nil, newError(KindDecryptionFailed, op, err)
	}
	return plaintext, nil
}

// lookup resolves a card, consulting the cache first. The active identity
// resolves locally.
func (p *Provider) lookup(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	p.mu.RLock()
	if p.self != nil && p.self.Identity == userID {
		key := p.self.Keys.Public
		p.mu.RUnlock()
		return key, nil
	}
	if key, ok := p.cards[userID]; ok {
		p.mu.RUnlock()
		return key, nil
	}
	p.mu.RUnlock()

	directory, err := p.dir("lookup")
	if err != nil {
		return nil, err
	}
	key, err := directory.FindCard(ctx, userID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cards[userID] = key
	p.mu.Unlock()
	return key, nil
}

func (p *Provider) dir(op string) (Directory, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.directory == nil {
		return nil, newError(KindNotInitialized, op, nil)
	}
	return p.directory, nil
}

func (p *Provider) current() (Credentials, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.self == nil {
		return Credentials{}, false
	}
	return *p.self, true
}

func (p *Provider) setSelf(creds Credentials) {
	creds.Keys.Private = append(ed25519.PrivateKey(nil), creds.Keys.Private...)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = &creds
}
