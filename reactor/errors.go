package reactor

import (
	"fmt"

	"github.com/pkg/errors"

	"rpcz/message"
)

// Misuse errors, returned synchronously at the call site.
var (
	ErrReactorClosed         = errors.New("reactor closed")
	ErrAlreadyRunning        = errors.New("reactor already running")
	ErrConnectionClosed      = errors.New("connection permanently closed")
	ErrConnectionUnavailable = errors.New("connection unavailable: reconnect queue full")
	ErrNotClientConnection   = errors.New("calls can only be issued on client connections")
	ErrForeignConnection     = errors.New("connection belongs to another reactor")
	ErrInvalidMethod         = errors.New("service and method must be non-empty")
	ErrNilConnection         = errors.New("nil connection")
)

// Result is the terminal outcome of a call.
type Result struct {
	Status  message.Status
	Payload []byte
}

// Err returns nil for OK and a *StatusError otherwise.
func (r Result) Err() error {
	if r.Status == message.StatusOK {
		return nil
	}
	return &StatusError{Status: r.Status, Payload: r.Payload}
}

// StatusError reports a call that did not end with OK.
type StatusError struct {
	Status  message.Status
	Payload []byte
}

func (e *StatusError) Error() string {
	if e.Status == message.StatusApplicationError {
		return fmt.Sprintf("rpcz: %s: %s", e.Status, message.ParseDiagnostic(e.Payload))
	}
	return fmt.Sprintf("rpcz: %s", e.Status)
}

// Application returns the handler-supplied error of an APPLICATION_ERROR result.
func (e *StatusError) Application() (*message.ApplicationError, bool) {
	if e.Status != message.StatusApplicationError {
		return nil, false
	}
	return message.ParseDiagnostic(e.Payload), true
}

// StatusOf extracts the status carried by err. It reports OK for nil and false for
// errors that did not come from a call result.
func StatusOf(err error) (message.Status, bool) {
	if err == nil {
		return message.StatusOK, true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}
