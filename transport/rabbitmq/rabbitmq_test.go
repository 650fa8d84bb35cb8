package rabbitmq_test

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/bjaus/mediatx"
	"github.com/bjaus/mediatx/transport/rabbitmq"
)

func TestQueueName(t *testing.T) {
	assert.Equal(t, "mediatx.request.Sum.workers", rabbitmq.QueueName("mediatx.request.Sum", "workers"))
}

func TestPublishing(t *testing.T) {
	env := mediatx.NewEnvelope(mediatx.KindRequest, "Sum")
	env.CorrelationID = "c-1"
	env.ReplyTo = "mediatx.reply.i-1"

	t.Run("maps envelope fields to properties", func(t *testing.T) {
		p := rabbitmq.Publishing(env, []byte("{}"), false)

		assert.Equal(t, env.ID, p.MessageId)
		assert.Equal(t, "c-1", p.CorrelationId)
		assert.Equal(t, "mediatx.reply.i-1", p.ReplyTo)
		assert.Equal(t, "Sum", p.Type)
		assert.Equal(t, "application/json", p.ContentType)
		assert.Equal(t, amqp.Table{"kind": "request"}, p.Headers)
		assert.Equal(t, amqp.Transient, p.DeliveryMode)
	})

	t.Run("durable transports publish persistent messages", func(t *testing.T) {
		p := rabbitmq.Publishing(env, []byte("{}"), true)
		assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	})
}

func TestDial(t *testing.T) {
	_, err := rabbitmq.Dial(rabbitmq.Config{URL: "amqp://localhost:1/"})
	assert.Error(t, err)
}
