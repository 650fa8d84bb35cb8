package mediatx

import (
	"context"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Invocation describes one handler call flowing through the pipeline.
type Invocation struct {
	Name          string
	Kind          Kind
	Handler       string
	Message       any
	CorrelationID string

	// Remote is set when the message arrived over the transport.
	Remote bool
}

// HandlerFunc is one step of the pipeline. The innermost step calls the
// registered handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// Behavior wraps every handler call. Behaviors registered first run
// outermost, so WithBehaviors(Logging(l), Validation(nil)) logs the outcome
// of validation and of the handler.
type Behavior func(next HandlerFunc) HandlerFunc

// chain wraps final with the mediator's behaviors.
func (m *Mediator) chain(final HandlerFunc) HandlerFunc {
	h := final
	for i := len(m.behaviors) - 1; i >= 0; i-- {
		h = m.behaviors[i](h)
	}
	return h
}

// Logging logs every handler call: failures at error level, the rest at debug.
func Logging(logger zerolog.Logger) Behavior {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			out, err := next(ctx, inv)

			ev := logger.Debug()
			if err != nil {
				ev = logger.Error().Err(err)
			}
			ev.Str("type", inv.Name).
				Str("kind", string(inv.Kind)).
				Str("handler", inv.Handler).
				Str("correlation_id", inv.CorrelationID).
				Bool("remote", inv.Remote).
				Dur("duration", time.Since(start)).
				Msg("handled")
			return out, err
		}
	}
}

// validatable is implemented by messages that check themselves.
type validatable interface {
	Validate() error
}

// Validation rejects messages that fail their `validate` struct tags or
// their own Validate() error method. A nil v uses a default validator.
func Validation(v *validator.Validate) Behavior {
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if err := validateMessage(v, inv.Message); err != nil {
				return nil, &ValidationError{Message: inv.Name, Err: err}
			}
			return next(ctx, inv)
		}
	}
}

func validateMessage(v *validator.Validate, msg any) error {
	if msg == nil {
		return nil
	}
	rv := reflect.ValueOf(msg)

	if s, ok := msg.(validatable); ok {
		if err := s.Validate(); err != nil {
			return err
		}
	} else if rv.Kind() != reflect.Pointer {
		// Validate may be declared on the pointer receiver.
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		if s, ok := p.Interface().(validatable); ok {
			if err := s.Validate(); err != nil {
				return err
			}
		}
	}

	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return v.Struct(rv.Interface())
}

// Recover converts a handler panic into a *PanicError.
func Recover() Behavior {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					out, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			return next(ctx, inv)
		}
	}
}

// Deadline bounds each handler call by d.
func Deadline(d time.Duration) Behavior {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, inv)
		}
	}
}
