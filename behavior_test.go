package mediatx

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createUser struct {
	Email string `validate:"required,email"`
	Age   int    `validate:"gte=0"`
}

type renameUser struct {
	Name string
}

func (r *renameUser) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

type userCreated struct {
	ID string `validate:"required"`
}

func TestBehaviorOrder(t *testing.T) {
	var order []string
	trace := func(name string) Behavior {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *Invocation) (any, error) {
				order = append(order, name+":before")
				out, err := next(ctx, inv)
				order = append(order, name+":after")
				return out, err
			}
		}
	}

	m := New(WithBehaviors(trace("outer"), trace("inner")))
	require.NoError(t, SetAsLocalRequestFunc(m, func(context.Context, renameUser) (Unit, error) {
		order = append(order, "handler")
		return Unit{}, nil
	}))

	_, err := Send[Unit](context.Background(), m, renameUser{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}

func TestBehaviorSeesInvocation(t *testing.T) {
	var got Invocation
	capture := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			got = *inv
			return next(ctx, inv)
		}
	}
	m := New(WithBehaviors(capture))
	require.NoError(t, ListenForNotificationFunc(m, func(context.Context, userCreated) error { return nil },
		WithSubscriberName("audit")))

	require.NoError(t, Publish(context.Background(), m, userCreated{ID: "u-1"}))
	assert.Equal(t, NameOf[userCreated](), got.Name)
	assert.Equal(t, KindNotification, got.Kind)
	assert.Equal(t, "audit", got.Handler)
	assert.Equal(t, userCreated{ID: "u-1"}, got.Message)
	assert.False(t, got.Remote)
}

func TestValidation(t *testing.T) {
	m := New(WithBehaviors(Validation(nil)))
	require.NoError(t, SetAsLocalRequestFunc(m, func(context.Context, createUser) (string, error) { return "ok", nil }))
	require.NoError(t, SetAsLocalRequestFunc(m, func(context.Context, renameUser) (string, error) { return "ok", nil }))
	require.NoError(t, ListenForNotificationFunc(m, func(context.Context, userCreated) error { return nil }))

	ctx := context.Background()

	t.Run("valid struct tags", func(t *testing.T) {
		out, err := Send[string](ctx, m, createUser{Email: "a@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	})

	t.Run("invalid struct tags", func(t *testing.T) {
		_, err := Send[string](ctx, m, createUser{Email: "nope"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, NameOf[createUser](), verr.Message)
		assert.Equal(t, CodeValidation, errorCode(err))
	})

	t.Run("pointer message", func(t *testing.T) {
		_, err := Send[string](ctx, m, &createUser{Email: "nope"})
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("Validate on pointer receiver", func(t *testing.T) {
		_, err := Send[string](ctx, m, renameUser{})
		require.ErrorContains(t, err, "name is required")

		_, err = Send[string](ctx, m, renameUser{Name: "b"})
		assert.NoError(t, err)
	})

	t.Run("notifications are validated per subscriber", func(t *testing.T) {
		err := Publish(ctx, m, userCreated{})
		var ferr *FanOutError
		require.ErrorAs(t, err, &ferr)
		assert.Len(t, ferr.Errors, 1)
	})
}

func TestValidateMessage(t *testing.T) {
	v := Validation(nil)
	call := func(msg any) error {
		_, err := v(func(context.Context, *Invocation) (any, error) { return nil, nil })(
			context.Background(), &Invocation{Name: "x", Message: msg})
		return err
	}

	assert.NoError(t, call(nil))
	assert.NoError(t, call("plain string"))
	assert.NoError(t, call((*createUser)(nil)))
	assert.Error(t, call(createUser{}))
}

func TestRecover(t *testing.T) {
	m := New(WithBehaviors(Recover()))
	require.NoError(t, SetAsLocalRequestFunc(m, func(context.Context, renameUser) (string, error) {
		panic("boom")
	}))

	_, err := Send[string](context.Background(), m, renameUser{Name: "x"})

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, CodePanic, errorCode(err))
}

func TestDeadline(t *testing.T) {
	m := New(WithBehaviors(Deadline(20 * time.Millisecond)))
	require.NoError(t, SetAsLocalRequestFunc(m, func(ctx context.Context, _ renameUser) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	_, err := Send[string](context.Background(), m, renameUser{Name: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	m := New(WithBehaviors(Logging(logger)))
	boom := errors.New("boom")
	require.NoError(t, SetAsLocalRequestFunc(m, func(_ context.Context, r renameUser) (string, error) {
		if r.Name == "fail" {
			return "", boom
		}
		return "ok", nil
	}))

	_, _ = Send[string](context.Background(), m, renameUser{Name: "ok"})
	_, _ = Send[string](context.Background(), m, renameUser{Name: "fail"})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	assert.Equal(t, "debug", first["level"])
	assert.Equal(t, NameOf[renameUser](), first["type"])
	assert.Equal(t, "request", first["kind"])
	assert.Equal(t, "handled", first[zerolog.MessageFieldName])

	assert.Equal(t, "error", second["level"])
	assert.Equal(t, "boom", second["error"])
}
