//go:build integration

package rabbitmq_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/internal/testinfra"
	"github.com/bjaus/mediatx/transport/rabbitmq"
	"github.com/bjaus/mediatx/transport/transporttest"
)

func TestRabbitMQTransport(t *testing.T) {
	url := testinfra.RabbitMQ(t)

	s := &transporttest.Suite{Competing: true, Wait: 10 * time.Second, Settle: 500 * time.Millisecond}
	s.New = func(group string) mediatx.Transport {
		tr, err := rabbitmq.Dial(rabbitmq.Config{URL: url, Group: group})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return tr
	}
	suite.Run(t, s)
}
