package mediatx_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/transport/memory"
)

type PingRequest struct{}

func (PingRequest) MessageName() string { return "example.ping" }

type SumRequest struct {
	A, B int
}

func (SumRequest) MessageName() string { return "example.sum" }

type OrderPlaced struct {
	OrderID string
}

func (OrderPlaced) MessageName() string { return "example.order_placed" }

func Example() {
	m := mediatx.New()

	err := mediatx.SetAsLocalRequestFunc(m, func(ctx context.Context, _ PingRequest) (string, error) {
		return "pong", nil
	})
	if err != nil {
		log.Fatal(err)
	}

	pong, err := mediatx.Send[string](context.Background(), m, PingRequest{})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(pong)

	// Output:
	// pong
}

func Example_remote() {
	ctx := context.Background()
	broker := memory.NewBroker(memory.Config{})
	defer broker.Close()

	// The worker serves SumRequest from the transport.
	worker := mediatx.New(mediatx.WithTransport(broker.Transport("worker")))
	_ = mediatx.ListenForRequestFunc(worker, func(ctx context.Context, req SumRequest) (int, error) {
		return req.A + req.B, nil
	})

	// The sender has no handler and routes SumRequest to the transport.
	sender := mediatx.New(
		mediatx.WithTransport(broker.Transport("sender")),
		mediatx.WithTimeout(5*time.Second),
	)
	_ = mediatx.SetAsRemoteRequest[SumRequest](sender)

	for _, m := range []*mediatx.Mediator{worker, sender} {
		if err := m.Start(ctx); err != nil {
			log.Fatal(err)
		}
		defer m.Stop()
	}

	sum, err := mediatx.Send[int](ctx, sender, SumRequest{A: 2, B: 3})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(sum)

	// Output:
	// 5
}

func Example_publish() {
	m := mediatx.New()

	for _, name := range []string{"first", "second", "third"} {
		_ = mediatx.ListenForNotificationFunc(m, func(ctx context.Context, n OrderPlaced) error {
			fmt.Println(name, "saw", n.OrderID)
			if name == "second" {
				return errors.New("boom")
			}
			return nil
		}, mediatx.WithSubscriberName(name))
	}

	err := mediatx.Publish(context.Background(), m, OrderPlaced{OrderID: "o-1"})
	fmt.Println(err)

	// Output:
	// first saw o-1
	// second saw o-1
	// third saw o-1
	// example.order_placed: 1 of 3 subscribers failed: example.order_placed: handler second: boom
}

func ExampleWithRequestTimeout() {
	broker := memory.NewBroker(memory.Config{})
	defer broker.Close()

	// Nobody listens for PingRequest, so the request times out.
	m := mediatx.New(mediatx.WithTransport(broker.Transport("sender")))
	_ = mediatx.SetAsRemoteRequest[PingRequest](m)
	defer m.Stop()

	ctx := mediatx.WithRequestTimeout(context.Background(), 50*time.Millisecond)
	_, err := mediatx.Send[string](ctx, m, PingRequest{})
	fmt.Println(errors.Is(err, mediatx.ErrTimeout))

	// Output:
	// true
}

func ExampleNameOf() {
	fmt.Println(mediatx.NameOf[SumRequest]())
	fmt.Println(mediatx.NameOf[*SumRequest]())

	// Output:
	// example.sum
	// example.sum
}
