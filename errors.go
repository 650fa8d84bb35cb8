package mediatx

import (
	"errors"
	"fmt"
)

// Configuration errors. These are returned wrapped in a *ConfigError that
// names the message type.
var (
	// ErrNotRegistered is returned when a message type has no routing entry
	// and the mediator runs in Explicit mode.
	ErrNotRegistered = errors.New("message type not registered")

	// ErrDuplicateHandler is returned when a second handler is registered
	// for a request type.
	ErrDuplicateHandler = errors.New("request handler already registered")

	// ErrRouteConflict is returned when a type is declared both Local and Remote.
	ErrRouteConflict = errors.New("route already declared")

	// ErrKindConflict is returned when a type is registered as both a request
	// and a notification.
	ErrKindConflict = errors.New("message registered with a different kind")

	// ErrNoHandler is returned when a request resolves to Local but no
	// handler exists in this process.
	ErrNoHandler = errors.New("no handler")

	// ErrNoTransport is returned when a Remote route is used without a transport.
	ErrNoTransport = errors.New("no transport configured")

	// ErrStarted is returned when registering after Start.
	ErrStarted = errors.New("mediator already started")
)

// Runtime errors.
var (
	// ErrTimeout is returned when a remote request receives no reply in time.
	ErrTimeout = errors.New("request timed out")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport failure")

	// ErrRemoteHandler matches every *RemoteError.
	ErrRemoteHandler = errors.New("remote handler failed")

	// ErrDuplicateCorrelation is returned when registering a correlation id
	// that is already pending.
	ErrDuplicateCorrelation = errors.New("correlation id already pending")

	// ErrClosed is returned after the mediator or correlation manager is closed.
	ErrClosed = errors.New("mediator closed")
)

// Error codes carried in error replies.
const (
	CodeHandler    = "handler"
	CodeValidation = "validation"
	CodePanic      = "panic"
	CodeDecode     = "decode"
	CodeEncode     = "encode"
	CodeNoHandler  = "no_handler"
)

// ConfigError reports a registration or routing problem for one message type.
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("%s: %v", e.Message, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// HandlerError wraps an error returned by a local handler or subscriber with
// the identity of the handler that produced it.
type HandlerError struct {
	Message string
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: handler %s: %v", e.Message, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RemoteError is the caller-side view of an error reply sent by a worker.
// It matches ErrRemoteHandler with errors.Is.
type RemoteError struct {
	Message string // message type name
	Type    string // Go type of the error on the worker
	Code    string
	Detail  string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: remote %s error: %s", e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Message, e.Detail)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteHandler }

// TransportError wraps a broker failure. It matches ErrTransport with
// errors.Is and unwraps to the underlying cause.
type TransportError struct {
	Op      string
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// FanOutError aggregates subscriber failures from one Publish. Subscribers
// that succeeded are not listed.
type FanOutError struct {
	Message     string
	Subscribers int
	Errors      []error
}

func (e *FanOutError) Error() string {
	return fmt.Sprintf("%s: %d of %d subscribers failed: %v",
		e.Message, len(e.Errors), e.Subscribers, errors.Join(e.Errors...))
}

func (e *FanOutError) Unwrap() []error { return e.Errors }

// PanicError is produced when a handler panics inside Recover or on the
// receive path.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// ValidationError wraps a failed message validation.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validate %s: %v", e.Message, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

func configError(name string, err error) error {
	return &ConfigError{Message: name, Err: err}
}

func transportError(op, channel string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Channel: channel, Err: err}
}

// errorCode maps a handler-side error to the code sent in an error reply.
func errorCode(err error) string {
	var (
		perr *PanicError
		verr *ValidationError
	)
	switch {
	case errors.As(err, &perr):
		return CodePanic
	case errors.As(err, &verr):
		return CodeValidation
	case errors.Is(err, ErrNoHandler), errors.Is(err, ErrNotRegistered):
		return CodeNoHandler
	default:
		return CodeHandler
	}
}

// rootType reports the Go type of the innermost error in a single-unwrap chain.
func rootType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
