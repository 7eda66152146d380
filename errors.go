package hicore

import (
	"errors"
	"fmt"

	"go.mau.fi/hicore/mxapi"
)

// ErrorKind classifies a hicore.Error per §7 of the design doc.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindProtocol   ErrorKind = "protocol"
	KindDecryption ErrorKind = "decryption"
	KindValidation ErrorKind = "validation"
	KindState      ErrorKind = "state"
)

// DecryptionErrorKind enumerates the to-device/event decryption failure
// modes a Decryption-kind Error can carry.
type DecryptionErrorKind string

const (
	ChannelCorrupted DecryptionErrorKind = "channel_corrupted"
	NotEnabled       DecryptionErrorKind = "not_enabled"
	UnknownAlgorithm DecryptionErrorKind = "unknown_algorithm"
	UnknownSession   DecryptionErrorKind = "unknown_session"
)

// Error is the core's single error type. Errors the façade or sync engine
// return or emit on onError/onSyncError are *Error values or wrap one
// (errors.As unwraps through it, grounded on the teacher's
// errors.Is/errors.As usage throughout pkg/hicli/sync.go), with one
// exception: a failure while handling a sync response inside the sync
// transaction is emitted on onSyncError and returned from Sync as it was
// produced, not wrapped in an *Error.
type Error struct {
	Kind ErrorKind

	// ErrCode is set for Kind == KindProtocol: the homeserver's errcode,
	// e.g. "M_FORBIDDEN", "M_UNKNOWN_TOKEN".
	ErrCode string
	// DecryptionKind is set for Kind == KindDecryption.
	DecryptionKind DecryptionErrorKind

	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindProtocol:
		return fmt.Sprintf("protocol error %s: %s", e.ErrCode, e.Message)
	case KindDecryption:
		return fmt.Sprintf("decryption error %s: %s", e.DecryptionKind, e.Message)
	default:
		if e.Message != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Message)
		}
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// newTransportError wraps a bare transport/network failure.
func newTransportError(err error) *Error {
	return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
}

// newStateError reports a violated precondition (not logged in, no
// homeserver configured, event not re-sendable, ...).
func newStateError(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// newValidationError reports a malformed input, e.g. an invalid Matrix ID.
func newValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func newDecryptionError(kind DecryptionErrorKind, err error) *Error {
	e := &Error{Kind: KindDecryption, DecryptionKind: kind, Err: err}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// asProtocolError converts err into a *Error, classifying a *mxapi.Error as
// KindProtocol and anything else as KindTransport. A nil err yields a nil
// result.
func asProtocolError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *mxapi.Error
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindProtocol, ErrCode: apiErr.ErrCode, Message: apiErr.ErrorMessage, Err: err}
	}
	return newTransportError(err)
}

// IsErrCode reports whether err is, or wraps, a *Error of Kind
// KindProtocol carrying the given homeserver errcode.
func IsErrCode(err error, errcode string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindProtocol && e.ErrCode == errcode
}
