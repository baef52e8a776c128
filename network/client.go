package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Dial opens a TLS stream to address, answers the server challenge and
// returns the authenticated connection with the advertised features.
func Dial(ctx context.Context, address string, options DialOptions) (*Conn, AuthResult, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, AuthResult{}, newError(KindProtocol, "dial", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout)
	defer cancel()

	tlsConfig := opts.TLSConfig.Clone()
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(address); err == nil {
			tlsConfig.ServerName = host
		}
	}
	dialer := &tls.Dialer{Config: tlsConfig}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, AuthResult{}, classify("dial", fmt.Errorf("dial %q: %w", address, err))
	}
	conn := raw.(*tls.Conn)

	// Dial context cancellation must also unblock the authentication reads.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, AuthResult{}, classify("dial", fmt.Errorf("set auth deadline: %w", err))
		}
	}

	result, err := authenticate(conn, opts.Identity)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, AuthResult{}, classify("authenticate", ctx.Err())
		}
		return nil, AuthResult{}, classify("authenticate", err)
	}

	if !stop() {
		_ = conn.Close()
		return nil, AuthResult{}, classify("authenticate", ctx.Err())
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, AuthResult{}, classify("dial", fmt.Errorf("clear auth deadline: %w", err))
	}

	connection := newConn(conn, ConnOptions{
		JID:               opts.Identity.JID,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
		AutoRespondPing:   opts.autoRespondPingEnabled(),
	})
	return connection, result, nil
}

func authenticate(conn net.Conn, identity LocalIdentity) (AuthResult, error) {
	challengePayload, err := ReadFrame(conn)
	if err != nil {
		return AuthResult{}, fmt.Errorf("read auth challenge: %w", err)
	}
	challengeType, err := DecodeMessageType(challengePayload)
	if err != nil {
		return AuthResult{}, err
	}
	if challengeType == TypeError {
		return AuthResult{}, remoteError(challengePayload)
	}
	if challengeType != TypeAuthChallenge {
		return AuthResult{}, newError(KindProtocol, "authenticate", fmt.Errorf("expected %q, got %q", TypeAuthChallenge, challengeType))
	}

	challenge, err := decodeStanza[AuthChallenge](challengePayload)
	if err != nil {
		return AuthResult{}, err
	}
	if challenge.ProtocolVersion != ProtocolVersion {
		return AuthResult{}, ErrUnsupportedVersion
	}

	response, err := BuildAuthResponse(identity, challenge.Nonce)
	if err != nil {
		return AuthResult{}, err
	}
	payload, err := EncodeJSON(response)
	if err != nil {
		return AuthResult{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return AuthResult{}, fmt.Errorf("send auth response: %w", err)
	}

	resultPayload, err := ReadFrame(conn)
	if err != nil {
		return AuthResult{}, fmt.Errorf("read auth result: %w", err)
	}
	msgType, err := DecodeMessageType(resultPayload)
	if err != nil {
		return AuthResult{}, err
	}
	if msgType == TypeError {
		return AuthResult{}, remoteError(resultPayload)
	}
	if msgType != TypeAuthResult {
		return AuthResult{}, newError(KindProtocol, "authenticate", fmt.Errorf("expected %q, got %q", TypeAuthResult, msgType))
	}
	result, err := decodeStanza[AuthResult](resultPayload)
	if err != nil {
		return AuthResult{}, err
	}
	if !result.OK {
		return AuthResult{}, newError(KindProtocol, "authenticate", errors.New("rejected: "+result.Error))
	}
	return result, nil
}

func remoteError(payload []byte) error {
	var remoteErr ErrorMessage
	if err := json.Unmarshal(payload, &remoteErr); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return newError(KindProtocol, "authenticate", fmt.Errorf("remote error [%s]: %s", remoteErr.Code, remoteErr.Message))
}
