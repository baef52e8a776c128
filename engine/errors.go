package engine

import (
	"errors"
	"fmt"

	"sealtalk/credentials"
	"sealtalk/crypto"
	"sealtalk/network"
	"sealtalk/transfer"
)

// Kind classifies engine failures. Its text is what a user is shown.
type Kind int

const (
	KindCrypto Kind = iota + 1
	KindTransport
	KindTransfer
	KindStorage
	KindNoCredentials
	KindUserNotFound
	KindUserAlreadyExists
	KindInvalidContact
	KindNotSignedIn
	KindAttachmentTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindCrypto:
		return "encryption failed"
	case KindTransport:
		return "connection failed"
	case KindTransfer:
		return "attachment transfer failed"
	case KindStorage:
		return "local storage failed"
	case KindNoCredentials:
		return "no credentials"
	case KindUserNotFound:
		return "user not found"
	case KindUserAlreadyExists:
		return "user already exists"
	case KindInvalidContact:
		return "invalid contact"
	case KindNotSignedIn:
		return "not signed in"
	case KindAttachmentTooLarge:
		return "attachment too large"
	default:
		return fmt.Sprintf("engine error %d", int(k))
	}
}

// Error is a classified engine failure. Err keeps the component error so
// callers can still match crypto, network and transfer sentinels.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrCrypto             = &Error{Kind: KindCrypto}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrTransfer           = &Error{Kind: KindTransfer}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrNoCredentials      = &Error{Kind: KindNoCredentials}
	ErrUserNotFound       = &Error{Kind: KindUserNotFound}
	ErrUserAlreadyExists  = &Error{Kind: KindUserAlreadyExists}
	ErrInvalidContact     = &Error{Kind: KindInvalidContact}
	ErrNotSignedIn        = &Error{Kind: KindNotSignedIn}
	ErrAttachmentTooLarge = &Error{Kind: KindAttachmentTooLarge}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
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

// wrap classifies a component error under op.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var engineErr *Error
	if errors.As(err, &engineErr) {
		return err
	}

	var cryptoErr *crypto.Error
	if errors.As(err, &cryptoErr) {
		switch cryptoErr.Kind {
		case crypto.KindNoCredentials:
			return newError(KindNoCredentials, op, err)
		case crypto.KindUserAlreadyExists:
			return newError(KindUserAlreadyExists, op, err)
		default:
			return newError(KindCrypto, op, err)
		}
	}

	var networkErr *network.Error
	if errors.As(err, &networkErr) || errors.Is(err, network.ErrConnectInProgress) {
		return newError(KindTransport, op, err)
	}

	var transferErr *transfer.Error
	if errors.As(err, &transferErr) {
		return newError(KindTransfer, op, err)
	}

	if errors.Is(err, credentials.ErrNotFound) || errors.Is(err, credentials.ErrMalformed) {
		return newError(KindNoCredentials, op, err)
	}
	return newError(KindStorage, op, err)
}

// failureReason labels the MessagesFailed metric.
func failureReason(err error) string {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		switch engineErr.Kind {
		case KindCrypto:
			return "crypto"
		case KindTransport:
			return "transport"
		case KindTransfer:
			return "attachment"
		}
	}
	return "other"
}
