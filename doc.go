// Package mediatx dispatches requests and notifications to typed handlers,
// in process or across a message broker.
//
// Application code sends a request (exactly one handler, one response) or
// publishes a notification (any number of subscribers). A routing entry per
// message type decides whether the handler runs in this process (Local) or
// whether the message is wrapped in an Envelope and sent over a Transport to
// a worker process (Remote). The calling code is the same either way.
//
// # Quick Start
//
// Define a request and its handler:
//
//	type SumRequest struct {
//	    A int `json:"a"`
//	    B int `json:"b"`
//	}
//
//	func sum(ctx context.Context, req SumRequest) (int, error) {
//	    return req.A + req.B, nil
//	}
//
// Register it and send:
//
//	m := mediatx.New()
//	mediatx.SetAsLocalRequestFunc(m, sum)
//
//	total, err := mediatx.Send[int](ctx, m, SumRequest{A: 2, B: 3}) // 5
//
// # Remote Requests
//
// The sending process routes the type to the transport; the worker process
// listens for it with the same handler:
//
//	// sender
//	m := mediatx.New(mediatx.WithTransport(t), mediatx.WithTimeout(5*time.Second))
//	mediatx.SetAsRemoteRequest[SumRequest](m)
//	m.Start(ctx)
//	total, err := mediatx.Send[int](ctx, m, SumRequest{A: 2, B: 3})
//
//	// worker
//	w := mediatx.New(mediatx.WithTransport(t))
//	mediatx.ListenForRequestFunc(w, sum)
//	w.Start(ctx)
//
// Each remote Send publishes one request envelope carrying a fresh
// correlation id and the sender's reply channel, then waits. The worker
// replies with either the encoded response or a structured error. Replies
// are matched by correlation id; a duplicate or late reply is dropped.
//
// # Routing Modes
//
// By default (Explicit) a message type without a routing entry fails with
// ErrNotRegistered. WithMode(ImplicitLocal) and WithMode(ImplicitRemote)
// route unregistered types locally or remotely instead.
//
// # Errors
//
//   - *ConfigError: registration and routing problems (ErrNotRegistered,
//     ErrDuplicateHandler, ErrRouteConflict, ErrNoTransport, ...)
//   - *HandlerError: a local handler failed; unwraps to the handler's error
//   - *RemoteError: the worker's handler failed; matches ErrRemoteHandler
//   - ErrTimeout: no reply arrived in time
//   - *TransportError: the broker failed; matches ErrTransport
//   - *FanOutError: one or more notification subscribers failed
//
// # Pipeline Behaviors
//
// Behaviors wrap every handler call, local or received over the transport:
//
//	m := mediatx.New(mediatx.WithBehaviors(
//	    mediatx.Recover(),
//	    mediatx.Logging(logger),
//	    mediatx.Validation(nil),
//	))
//
// # Transports
//
// Adapters live in subpackages: transport/memory, transport/kafka,
// transport/rabbitmq, transport/nats, transport/redis and
// transport/watermill. transport/breaker adds a circuit breaker around any
// of them.
package mediatx
