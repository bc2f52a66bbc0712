// Package errs defines the error taxonomy shared by the access key codec, the
// servers and the repository. Callers match errors with errors.Is against the
// Err* sentinels (which compare by Kind) or errors.As against *Error.
package errs

import (
	"errors"
	"fmt"

	"github.com/John-Robertt/sskeyring/internal/model"
)

type Kind string

const (
	KindServerURLInvalid   Kind = "SERVER_URL_INVALID"
	KindServerIncompatible Kind = "SERVER_INCOMPATIBLE"
	KindUnsupportedCipher  Kind = "SHADOWSOCKS_UNSUPPORTED_CIPHER"
	KindServerAlreadyAdded Kind = "SERVER_ALREADY_ADDED"
	KindFetchConfig        Kind = "FETCH_CONFIG_ERROR"
	KindOperationTimedOut  Kind = "OPERATION_TIMED_OUT"
	KindNative             Kind = "NATIVE_ERROR"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Server is the already-present server for KindServerAlreadyAdded.
	Server any
	// Code is set for KindNative.
	Code NativeCode

	TimeoutMs int64
	Operation string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind. A native sentinel carrying a non-zero Code only matches
// errors with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Kind == KindNative && t.Code != CodeNoError {
		return t.Code == e.Code
	}
	return true
}

// AppError projects the error into the API payload.
func (e *Error) AppError(stage string) model.AppError {
	app := model.AppError{
		Code:    string(e.Kind),
		Message: e.Message,
		Stage:   stage,
	}
	if e.Kind == KindNative {
		app.Code = e.Code.String()
		app.NativeCode = int(e.Code)
	}
	if e.Cause != nil {
		app.Hint = e.Cause.Error()
	}
	return app
}

var (
	ErrServerURLInvalid   = &Error{Kind: KindServerURLInvalid}
	ErrServerIncompatible = &Error{Kind: KindServerIncompatible}
	ErrUnsupportedCipher  = &Error{Kind: KindUnsupportedCipher}
	ErrServerAlreadyAdded = &Error{Kind: KindServerAlreadyAdded}
	ErrFetchConfig        = &Error{Kind: KindFetchConfig}
	ErrOperationTimedOut  = &Error{Kind: KindOperationTimedOut}
	ErrNative             = &Error{Kind: KindNative}
	ErrUnexpected         = &Error{Kind: KindNative, Code: CodeUnexpected}
)

func ServerURLInvalid(message string, cause error) error {
	if message == "" {
		message = "failed to parse access key"
	}
	return &Error{Kind: KindServerURLInvalid, Message: message, Cause: cause}
}

func ServerIncompatible(message string) error {
	return &Error{Kind: KindServerIncompatible, Message: message}
}

// UnsupportedCipher reports a cipher outside the AEAD allow-list. An absent
// cipher is reported as "unknown".
func UnsupportedCipher(cipher string) error {
	if cipher == "" {
		cipher = "unknown"
	}
	return &Error{Kind: KindUnsupportedCipher, Message: cipher}
}

func ServerAlreadyAdded(server any) error {
	return &Error{Kind: KindServerAlreadyAdded, Message: "server already added", Server: server}
}

func FetchConfig(cause error) error {
	msg := "failed to fetch config"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindFetchConfig, Message: msg, Cause: cause}
}

func OperationTimedOut(timeoutMs int64, operation string) error {
	return &Error{
		Kind:      KindOperationTimedOut,
		Message:   fmt.Sprintf("%s timed out after %dms", operation, timeoutMs),
		TimeoutMs: timeoutMs,
		Operation: operation,
	}
}

// Unexpected is the generic native failure, used when no code is available
// and for every disconnect failure.
func Unexpected() error {
	return &Error{Kind: KindNative, Code: CodeUnexpected, Message: CodeUnexpected.String()}
}

// FromNativeCode maps a code reported by the tunnel to a domain error. Codes
// outside the enumeration (and NO_ERROR, which is never a failure) collapse to
// the generic unexpected error.
func FromNativeCode(code NativeCode) error {
	if !code.Valid() || code == CodeNoError {
		return &Error{
			Kind:    KindNative,
			Code:    CodeUnexpected,
			Message: fmt.Sprintf("unknown native error code %d", int(code)),
		}
	}
	return &Error{Kind: KindNative, Code: code, Message: code.String()}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
