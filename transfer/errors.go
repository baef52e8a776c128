package transfer

import "fmt"

// ErrorKind classifies transfer failures.
type ErrorKind int

const (
	KindServiceUnavailable ErrorKind = iota + 1
	KindSlotRequestFailed
	KindNetwork
	KindFileNotFound
	KindAborted
)

func (k ErrorKind) String() string {
	switch k {
	case KindServiceUnavailable:
		return "upload service unavailable"
	case KindSlotRequestFailed:
		return "slot request failed"
	case KindNetwork:
		return "network error"
	case KindFileNotFound:
		return "file not found"
	case KindAborted:
		return "aborted"
	default:
		return fmt.Sprintf("transfer error %d", int(k))
	}
}

// Error is a classified transfer failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

var (
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrSlotRequestFailed  = &Error{Kind: KindSlotRequestFailed}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrFileNotFound       = &Error{Kind: KindFileNotFound}
	ErrAborted            = &Error{Kind: KindAborted}
)

func (e *Error) Error() string {
	msg := "transfer: " + e.Kind.String()
	if e.Op != "" {
		msg = "transfer: " + e.Op + ": " + e.Kind.String()
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

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// retryable reports whether a failed upload goes back to the queue.
func retryable(err error) bool {
	transferErr, ok := err.(*Error)
	if !ok {
		return true
	}
	return transferErr.Kind != KindFileNotFound && transferErr.Kind != KindAborted
}
