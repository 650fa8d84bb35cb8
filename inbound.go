package mediatx

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/goccy/go-json"
)

// receive classifies one inbound message and routes it. Errors are reported
// through hooks rather than returned: a message that cannot be processed now
// will not become processable on redelivery.
func (m *Mediator) receive(ctx context.Context, channel string, raw []byte) error {
	view, err := m.inspector.Inspect(raw)
	if err != nil {
		m.receiveFailed(ctx, channel, err)
		return nil
	}

	h := view.Header()
	switch {
	case IsReply.Match(view):
		m.receiveReply(ctx, channel, h, raw)
	case IsRequest.Match(view):
		m.receiveRequest(ctx, channel, h, raw)
	case IsNotification.Match(view):
		m.receiveNotification(ctx, channel, raw)
	default:
		m.receiveFailed(ctx, channel, fmt.Errorf("unrecognised envelope kind %q", h.Kind))
	}
	return nil
}

func (m *Mediator) receiveReply(ctx context.Context, channel string, h Header, raw []byte) {
	id := h.CorrelationID

	env, err := DecodeEnvelope(raw)
	if err != nil {
		// The id is still readable, so the caller gets an answer now
		// instead of a timeout.
		if !m.correlations.Reject(id, &RemoteError{Message: h.Type, Code: CodeDecode, Detail: err.Error()}) {
			m.receiveFailed(ctx, channel, err)
		}
		return
	}

	var ok bool
	if env.Status == StatusError {
		ok = m.correlations.Reject(id, env.remoteError())
	} else {
		ok = m.correlations.Resolve(id, env.Payload)
	}
	if !ok {
		m.logger.Debug().Str("correlation_id", id).Msg("dropped reply")
		m.hooks.droppedReply(ctx, id)
	}
}

func (m *Mediator) receiveRequest(ctx context.Context, channel string, h Header, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		m.replyError(ctx, h.Envelope(), CodeDecode, err)
		return
	}

	entry, err := m.registry.Lookup(env.Type, KindRequest)
	if err == nil && entry.request == nil {
		err = configError(env.Type, ErrNoHandler)
	}
	if err != nil {
		m.replyError(ctx, env, CodeNoHandler, err)
		return
	}

	msg, err := entry.request.decode(env.Payload)
	if err != nil {
		m.replyError(ctx, env, CodeDecode, fmt.Errorf("decode %s: %w", env.Type, err))
		return
	}

	m.spawn(ctx, channel, env, func(ctx context.Context) {
		out, err := m.handleRequest(ctx, entry, &Invocation{
			Name:          env.Type,
			Kind:          KindRequest,
			Message:       msg,
			CorrelationID: env.CorrelationID,
			Remote:        true,
		})
		if err != nil {
			m.replyError(ctx, env, errorCode(err), err)
			return
		}
		m.replyOK(ctx, env, out)
	})
}

func (m *Mediator) receiveNotification(ctx context.Context, channel string, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		m.receiveFailed(ctx, channel, err)
		return
	}
	if env.Origin == m.instance {
		// Local subscribers already ran inside Publish.
		return
	}

	entry, err := m.registry.Lookup(env.Type, KindNotification)
	if err != nil {
		m.receiveFailed(ctx, channel, err)
		return
	}
	if len(entry.subscribers) == 0 || entry.decode == nil {
		return
	}

	msg, err := entry.decode(env.Payload)
	if err != nil {
		m.receiveFailed(ctx, channel, fmt.Errorf("decode %s: %w", env.Type, err))
		return
	}

	m.spawn(ctx, channel, env, func(ctx context.Context) {
		err := m.fanOut(ctx, entry, &Invocation{
			Name:    env.Type,
			Kind:    KindNotification,
			Message: msg,
			Remote:  true,
		})
		if err != nil {
			m.receiveFailed(ctx, channel, err)
		}
	})
}

// spawn runs fn on its own goroutine once a concurrency slot (and rate
// limit token, if configured) is available. Waiting for the slot blocks the
// transport's delivery loop, which is the backpressure.
func (m *Mediator) spawn(ctx context.Context, channel string, env *Envelope, fn func(ctx context.Context)) {
	if m.limiter != nil {
		if err := m.limiter.Wait(m.ctx); err != nil {
			m.receiveFailed(ctx, channel, err)
			return
		}
	}
	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		m.receiveFailed(ctx, channel, err)
		return
	}
	if m.ctx.Err() != nil {
		m.sem.Release(1)
		return
	}

	logger := m.logger.With().
		Str("type", env.Type).
		Str("correlation_id", env.CorrelationID).
		Str("channel", channel).
		Logger()
	work := logger.WithContext(m.ctx)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer m.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				err := &PanicError{Value: r, Stack: debug.Stack()}
				if env.Kind == KindRequest {
					m.replyError(work, env, CodePanic, err)
				} else {
					m.receiveFailed(work, channel, err)
				}
			}
		}()
		fn(work)
	}()
}

func (m *Mediator) replyOK(ctx context.Context, req *Envelope, out any) {
	payload, err := json.Marshal(out)
	if err != nil {
		m.replyError(ctx, req, CodeEncode, fmt.Errorf("encode %s response: %w", req.Type, err))
		return
	}
	rep := req.Reply(m.instance)
	rep.Status = StatusOK
	rep.Payload = payload
	m.sendReply(ctx, req, rep)
}

func (m *Mediator) replyError(ctx context.Context, req *Envelope, code string, err error) {
	rep := req.Reply(m.instance)
	rep.Status = StatusError
	rep.Error = &ErrorDetail{
		Type:    rootType(err),
		Code:    code,
		Message: err.Error(),
	}
	m.sendReply(ctx, req, rep)
}

func (m *Mediator) sendReply(ctx context.Context, req *Envelope, rep *Envelope) {
	if req.ReplyTo == "" || req.CorrelationID == "" {
		m.receiveFailed(ctx, "", fmt.Errorf("%s: request without reply address", req.Type))
		return
	}
	// The reply must go out even while the mediator is stopping.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.transport.Publish(ctx, req.ReplyTo, rep); err != nil {
		m.receiveFailed(ctx, req.ReplyTo, transportError("reply", req.ReplyTo, err))
	}
}

func (m *Mediator) receiveFailed(ctx context.Context, channel string, err error) {
	if errors.Is(err, context.Canceled) && m.ctx.Err() != nil {
		return
	}
	m.logger.Warn().Err(err).Str("channel", channel).Msg("receive failed")
	m.hooks.receiveError(ctx, channel, err)
}
