package crypto

import "fmt"

// Kind classifies crypto provider failures.
type Kind int

const (
	KindNoCredentials Kind = iota + 1
	KindInvalidCredentials
	KindWrongPassword
	KindUnknownRecipient
	KindDecryptionFailed
	KindBufferTooSmall
	KindUserAlreadyExists
	KindNotInitialized
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindNoCredentials:
		return "no credentials"
	case KindInvalidCredentials:
		return "invalid credentials"
	case KindWrongPassword:
		return "wrong password"
	case KindUnknownRecipient:
		return "unknown recipient"
	case KindDecryptionFailed:
		return "decryption failed"
	case KindBufferTooSmall:
		return "buffer too small"
	case KindUserAlreadyExists:
		return "user already exists"
	case KindNotInitialized:
		return "provider not initialized"
	case KindService:
		return "identity service error"
	default:
		return fmt.Sprintf("crypto error %d", int(k))
	}
}

// Error is a classified crypto failure. Sentinels below match any Error of the
// same Kind under errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrNoCredentials      = &Error{Kind: KindNoCredentials}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrWrongPassword      = &Error{Kind: KindWrongPassword}
	ErrUnknownRecipient   = &Error{Kind: KindUnknownRecipient}
	ErrDecryptionFailed   = &Error{Kind: KindDecryptionFailed}
	ErrBufferTooSmall     = &Error{Kind: KindBufferTooSmall}
	ErrUserAlreadyExists  = &Error{Kind: KindUserAlreadyExists}
	ErrNotInitialized     = &Error{Kind: KindNotInitialized}
	ErrService            = &Error{Kind: KindService}
)

func (e *Error) Error() string {
	msg := "crypto: " + e.Kind.String()
	if e.Op != "" {
		msg = "crypto: " + e.Op + ": " + e.Kind.String()
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
