package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher sends lifecycle events to RabbitMQ. A zero URL disables
// publishing entirely, so callers never need to branch on configuration.
type Publisher struct {
	url    string
	logger *zap.Logger
}

// NewPublisher constructs a publisher. An empty URL yields a disabled
// publisher whose Publish is a no-op.
func NewPublisher(url string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{url: url, logger: logger}
}

// Enabled reports whether a broker URL is configured.
func (p *Publisher) Enabled() bool {
	return p.url != ""
}

// Publish marshals the event and sends it to the named queue as a persistent
// message. Errors are logged and returned so callers may ignore them without
// interrupting the main flow.
func (p *Publisher) Publish(ctx context.Context, queueName string, event interface{}) error {
	if !p.Enabled() {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("event marshal failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}

	connection, err := amqp.Dial(p.url)
	if err != nil {
		p.logger.Warn("amqp dial failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}
	defer connection.Close()

	channel, err := connection.Channel()
	if err != nil {
		p.logger.Warn("amqp channel failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}
	defer channel.Close()

	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		p.logger.Warn("amqp queue declare failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = channel.PublishWithContext(publishCtx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.logger.Warn("amqp publish failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}
	return nil
}
