package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"sealtalk/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultConnectionTimeout bounds dial plus authentication.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeAuthChallenge = "auth_challenge"
	TypeAuthResponse  = "auth_response"
	TypeAuthResult    = "auth_result"
	TypeMessage       = "message"
	TypeReceipt       = "receipt"
	TypePresence      = "presence"
	TypeUploadRequest = "upload_request"
	TypeUploadSlot    = "upload_slot"
	TypePush          = "push"
	TypeCarbons       = "carbons"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
	TypeError         = "error"
)

// Server features advertised in AuthResult.
const (
	FeatureUpload  = "upload"
	FeatureCarbons = "carbons"
	FeaturePush    = "push"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// LocalIdentity is what a client proves during authentication.
type LocalIdentity struct {
	JID        string
	DeviceID   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

type stanzaHeader struct {
	Type string `json:"type"`
}

// AuthChallenge is the first frame a server sends.
type AuthChallenge struct {
	Type            string `json:"type"`
	Nonce           string `json:"nonce"`
	ProtocolVersion int    `json:"protocol_version"`
}

// AuthResponse proves possession of the identity key for JID.
type AuthResponse struct {
	Type            string `json:"type"`
	JID             string `json:"jid"`
	DeviceID        string `json:"device_id"`
	PublicKey       string `json:"public_key"`
	Nonce           string `json:"nonce"`
	ProtocolVersion int    `json:"protocol_version"`
	Signature       string `json:"signature"`
}

// AuthResult closes authentication.
type AuthResult struct {
	Type     string   `json:"type"`
	OK       bool     `json:"ok"`
	JID      string   `json:"jid,omitempty"`
	Error    string   `json:"error,omitempty"`
	Features []string `json:"features,omitempty"`
}

// HasFeature reports whether the server advertised name.
func (r AuthResult) HasFeature(name string) bool {
	for _, feature := range r.Features {
		if feature == name {
			return true
		}
	}
	return false
}

// Envelope carries one encrypted chat message.
type Envelope struct {
	Type             string `json:"type"`
	ID               string `json:"id"`
	From             string `json:"from"`
	To               string `json:"to"`
	Body             string `json:"body"`
	ReceiptRequested bool   `json:"receipt_requested,omitempty"`
	Carbon           bool   `json:"carbon,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// Receipt acknowledges delivery of envelope ID.
type Receipt struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// Presence announces availability.
type Presence struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Available bool   `json:"available"`
	Timestamp int64  `json:"timestamp"`
}

// UploadRequest asks the server for an upload slot.
type UploadRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
}

// UploadSlot is a server-granted pair of URLs for one file.
type UploadSlot struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	SlotID    string `json:"slot_id"`
	PutURL    string `json:"put_url"`
	GetURL    string `json:"get_url"`
}

// PushToggle subscribes or unsubscribes the device from push notifications.
type PushToggle struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Enabled  bool   `json:"enabled"`
}

// CarbonsToggle enables copies of own outbound messages on other devices.
type CarbonsToggle struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful teardown.
type DisconnectMessage struct {
	Type string `json:"type"`
}

// ErrorMessage reports protocol errors. RequestID correlates it to an upload request.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// BareJID strips a resource suffix: "alice@host/phone" -> "alice@host".
func BareJID(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// SplitJID returns the local and domain parts of a bare JID.
func SplitJID(jid string) (local, domain string) {
	bare := BareJID(jid)
	i := strings.LastIndexByte(bare, '@')
	if i < 0 {
		return bare, ""
	}
	return bare[:i], bare[i+1:]
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var header stanzaHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		return "", fmt.Errorf("decode stanza header: %w", err)
	}
	if header.Type == "" {
		return "", ErrInvalidMessageType
	}
	return header.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// BuildAuthResponse signs the challenge nonce for identity.
func BuildAuthResponse(identity LocalIdentity, nonce string) (AuthResponse, error) {
	if len(identity.PrivateKey) != ed25519.PrivateKeySize {
		return AuthResponse{}, errors.New("invalid local Ed25519 private key")
	}
	if len(identity.PublicKey) != ed25519.PublicKeySize {
		return AuthResponse{}, errors.New("invalid local Ed25519 public key")
	}

	msg := AuthResponse{
		Type:            TypeAuthResponse,
		JID:             identity.JID,
		DeviceID:        identity.DeviceID,
		PublicKey:       base64.StdEncoding.EncodeToString(identity.PublicKey),
		Nonce:           nonce,
		ProtocolVersion: ProtocolVersion,
	}
	signature, err := crypto.Sign(identity.PrivateKey, authSignable(msg))
	if err != nil {
		return AuthResponse{}, fmt.Errorf("sign auth response: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyAuthResponse checks the version, the nonce and the signature, and
// returns the presented public key.
func VerifyAuthResponse(msg AuthResponse, nonce string) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	if msg.Nonce != nonce {
		return nil, errors.New("auth nonce mismatch")
	}

	publicKey, err := base64.StdEncoding.DecodeString(msg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode auth signature: %w", err)
	}
	if !crypto.Verify(publicKey, authSignable(msg), signature) {
		return nil, ErrInvalidSignature
	}
	return ed25519.PublicKey(publicKey), nil
}

func authSignable(msg AuthResponse) []byte {
	return []byte(strings.Join([]string{
		"sealtalk-auth",
		fmt.Sprint(msg.ProtocolVersion),
		msg.JID,
		msg.DeviceID,
		msg.PublicKey,
		msg.Nonce,
	}, "|"))
}

func decodeStanza[T any](payload []byte) (T, error) {
	var out T
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode stanza: %w", err)
	}
	return out, nil
}
