package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field rules and the settings the selected broker needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	b := c.Broker
	switch b.Kind {
	case "nats", "jetstream":
		if !b.NATS.Embedded && b.NATS.URL == "" {
			return errors.New("broker.nats.url is required unless broker.nats.embedded is set")
		}
	case "kafka":
		if len(b.Kafka.Brokers) == 0 {
			return errors.New("broker.kafka.brokers is required")
		}
	case "rabbitmq":
		if b.RabbitMQ.URL == "" {
			return errors.New("broker.rabbitmq.url is required")
		}
	case "redis":
		if b.Redis.Addr == "" {
			return errors.New("broker.redis.addr is required")
		}
	}

	if c.RateLimit > 0 && c.RateBurst == 0 {
		return errors.New("rate_burst must be set when rate_limit is")
	}
	return nil
}
