package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// Kind classifies transport failures.
type Kind int

const (
	KindNotConnected Kind = iota + 1
	KindTimeout
	KindSSL
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindTimeout:
		return "timeout"
	case KindSSL:
		return "ssl error"
	case KindProtocol:
		return "protocol error"
	default:
		return fmt.Sprintf("transport error %d", int(k))
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrNotConnected = &Error{Kind: KindNotConnected}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrSSL          = &Error{Kind: KindSSL}
	ErrProtocol     = &Error{Kind: KindProtocol}

	// ErrConnectInProgress rejects a non-forced connect while another attempt runs.
	ErrConnectInProgress = errors.New("network: connect already in progress")
)

func (e *Error) Error() string {
	msg := "network: " + e.Kind.String()
	if e.Op != "" {
		msg = "network: " + e.Op + ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the transport kind of err, or 0 when err is not classified.
func KindOf(err error) Kind {
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr.Kind
	}
	return 0
}

// classify maps dial and read failures onto the transport taxonomy.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var transportErr *Error
	if errors.As(err, &transportErr) {
		return transportErr
	}
	if isSSLError(err) {
		return newError(KindSSL, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, op, err)
	}
	if errors.Is(err, ErrUnsupportedVersion) || errors.Is(err, ErrInvalidMessageType) || errors.Is(err, ErrFrameTooLarge) {
		return newError(KindProtocol, op, err)
	}
	return newError(KindNotConnected, op, err)
}

func isSSLError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
		record           tls.RecordHeaderError
		alert            tls.AlertError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification) ||
		errors.As(err, &record) ||
		errors.As(err, &alert)
}
