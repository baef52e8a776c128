package engine

import (
	"context"
	"crypto/tls"

	"sealtalk/config"
	"sealtalk/credentials"
	"sealtalk/crypto"
	"sealtalk/models"
	"sealtalk/network"
	"sealtalk/storage"
	"sealtalk/transfer"
)

// Session is the signed-in identity the engine works for. It is immutable
// once created and replaced as a whole on sign-in.
type Session struct {
	// Username is the name as entered, including any environment suffix.
	Username string
	// Identity is the name registered with the identity service.
	Identity    string
	DeviceID    string
	Environment config.Environment
	Endpoints   config.Endpoints
	Credentials crypto.Credentials
}

// JID is the transport address of this device.
func (s *Session) JID() string {
	return s.Identity + "@" + s.Endpoints.XMPPHost + "/" + s.DeviceID
}

// ContactJID is the bare transport address of contact on this session's server.
func (s *Session) ContactJID(contact string) string {
	return contact + "@" + s.Endpoints.XMPPHost
}

func (s *Session) localIdentity() network.LocalIdentity {
	return network.LocalIdentity{
		JID:        s.Identity + "@" + s.Endpoints.XMPPHost,
		DeviceID:   s.DeviceID,
		PrivateKey: s.Credentials.Keys.Private,
		PublicKey:  s.Credentials.Keys.Public,
	}
}

// CryptoProvider is the crypto backend used by the engine.
type CryptoProvider interface {
	Initialize(serviceURL, caBundle string) error
	SignUp(ctx context.Context, userID string) (crypto.Credentials, error)
	SignIn(ctx context.Context, creds crypto.Credentials) error
	SignInWithPassword(ctx context.Context, userID, password string) (crypto.Credentials, error)
	BackupKey(ctx context.Context, password string) error
	SignOut()
	Search(ctx context.Context, userID string) (bool, error)
	Encrypt(ctx context.Context, recipientID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, senderID string, ciphertext []byte) ([]byte, error)
	EncryptFile(ctx context.Context, recipientID, srcPath, dstPath string) error
	DecryptFile(ctx context.Context, senderID, srcPath, dstPath string) error
}

// Transport is the messaging connection used by the engine.
type Transport interface {
	Connect(ctx context.Context, cfg network.ConnectConfig, forced bool) error
	Disconnect()
	State() network.State
	NeedReconnection() bool
	Send(envelope network.Envelope) error
	SetPresence(online bool) error
	SetCarbons(enabled bool) error
	SetPush(deviceID string, enabled bool) error
	Subscribe() (<-chan network.Event, func())
}

// Transfers moves attachment files.
type Transfers interface {
	EnqueueUpload(id transfer.ID, localPath string) *transfer.Transfer
	StartDownload(id transfer.ID, remoteURL, localPath string) *transfer.Transfer
	Resume()
	Abort(id transfer.ID)
	Subscribe() (<-chan transfer.Event, func())
}

// Gateway persists messages, chats and contacts.
type Gateway interface {
	InsertMessage(owner string, message models.Message) (bool, error)
	FetchMessages(owner string) ([]models.Message, error)
	FetchChats(owner string) ([]models.ChatSummary, error)
	GetMessage(messageID string) (*models.Message, error)
	FailedMessages(owner string) ([]models.Message, error)
	UpdateMessageStatus(messageID string, status models.Status) error
	UpdateAttachmentField(messageID string, field models.AttachmentField, value any) error
	MarkMessagesRead(owner, contact string) (int64, error)
	IncrementUnread(owner, contact string) error
	FetchConversation(owner, contact string, limit, offset int) ([]models.Message, error)
	AddContact(owner, contact string) error
	HasContact(owner, contact string) (bool, error)
	ListContacts(owner string) ([]storage.Contact, error)
	RecordSecurityEvent(owner string, event storage.SecurityEvent) (storage.SecurityEvent, error)
	SecurityEvents(owner string, filter storage.SecurityEventFilter) ([]storage.SecurityEvent, error)
	SecurityEventCounts(owner string) (map[storage.SecuritySeverity]int, error)
}

// CredentialStore keeps per-user credential records.
type CredentialStore interface {
	Load(username string) (credentials.Record, error)
	Save(username string, record credentials.Record) error
	Delete(username string) error
	Usernames() ([]string, error)
}

// TLSConfigFunc builds the client TLS configuration for a server.
type TLSConfigFunc func(serverName, caBundle string) (*tls.Config, error)

// EndpointsFunc resolves the endpoints of an environment.
type EndpointsFunc func(env config.Environment) (config.Endpoints, error)
