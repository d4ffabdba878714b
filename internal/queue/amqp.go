package queue

import (
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"
)

// Opts holds configuration options for the AMQP queue.
type Opts struct {
	URL string
}

// Option defines a configuration option for the AMQP queue.
type Option func(*Opts)

// WithAMQPURL sets the broker connection URL.
func WithAMQPURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// AMQPQueue is a RabbitMQ-backed queue for multi-process deployments.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Compile-time check that AMQPQueue implements Queue.
var _ Queue = (*AMQPQueue)(nil)

// NewAMQPQueue connects to the broker and opens a channel.
func NewAMQPQueue(opts ...Option) (*AMQPQueue, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("AMQP URL not set")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		slog.Error("AMQPQueue failed to connect to broker", "error", err)
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		slog.Error("AMQPQueue failed to open channel", "error", err)
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	slog.Info("AMQPQueue connected")
	return &AMQPQueue{conn: conn, ch: ch}, nil
}

// declare ensures the durable queue exists before use.
func (q *AMQPQueue) declare(topic string) error {
	_, err := q.ch.QueueDeclare(
		topic,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	return nil
}

// Publish enqueues one persistent message.
func (q *AMQPQueue) Publish(topic string, body []byte) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	err := q.ch.Publish(
		"",    // default exchange
		topic, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		slog.Error("AMQPQueue publish failed", "topic", topic, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes the topic in a background goroutine. Messages are acked
// after the handler returns; handler errors drop the message without requeue
// since send outcomes are already recorded in the delivery log.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	if err := q.declare(topic); err != nil {
		return err
	}
	msgs, err := q.ch.Consume(
		topic,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		slog.Error("AMQPQueue consume failed", "topic", topic, "error", err)
		return fmt.Errorf("failed to consume %s: %w", topic, err)
	}

	go func() {
		for d := range msgs {
			if err := handler(d.Body); err != nil {
				slog.Error("AMQPQueue handler failed", "topic", topic, "error", err)
			}
			if err := d.Ack(false); err != nil {
				slog.Error("AMQPQueue ack failed", "topic", topic, "error", err)
			}
		}
		slog.Info("AMQPQueue consumer stopped", "topic", topic)
	}()
	return nil
}

// Close shuts down the channel and connection.
func (q *AMQPQueue) Close() error {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
