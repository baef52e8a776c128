package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"time"
)

// DialOptions configures authentication and connection behavior of a client stream.
type DialOptions struct {
	Identity  LocalIdentity
	TLSConfig *tls.Config

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	AutoRespondPing   *bool
}

func (o DialOptions) withDefaults() DialOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.TLSConfig == nil {
		out.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return out
}

func (o DialOptions) validateIdentity() error {
	if o.Identity.JID == "" {
		return errors.New("local JID is required")
	}
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if len(o.Identity.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is required")
	}
	if len(o.Identity.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local Ed25519 public key is required")
	}
	return nil
}

func (o DialOptions) autoRespondPingEnabled() bool {
	if o.AutoRespondPing == nil {
		return true
	}
	return *o.AutoRespondPing
}

func generateChallengeNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func makeVersionMismatchError() ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      "version_mismatch",
		Message:   "Unsupported protocol version.",
		Timestamp: time.Now().UnixMilli(),
	}
}
