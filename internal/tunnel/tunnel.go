// Package tunnel defines the contract of the external component that does the
// actual traffic relay for a server.
package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/model"
)

// Status values match the platform plugins' ConnectionStatus numbering.
type Status int

const (
	StatusConnected    Status = 0
	StatusDisconnected Status = 1
	StatusReconnecting Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type Subscription interface {
	Cancel()
}

// Tunnel is driven by exactly one server. Start and Stop block until the
// tunnel settled; the tunnel owns any timeout policy.
type Tunnel interface {
	Start(ctx context.Context, cfg model.ProxyConfig) error
	Stop(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	OnStatusChange(fn func(Status)) Subscription
}

// Factory creates the tunnel for the server with the given id.
type Factory func(serverID string) Tunnel

// Error is a failure reported by the tunnel implementation with a native
// error code.
type Error struct {
	Code    errs.NativeCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Code.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the native code carried by err, if any.
func CodeOf(err error) (errs.NativeCode, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return errs.CodeNoError, false
}
