package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/wudi/schemahub/internal/config"
)

// AMQPChannel publishes events to a RabbitMQ exchange as persistent
// JSON messages.
type AMQPChannel struct {
	exchange   string
	routingKey string
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	mu         sync.RWMutex
}

// newAMQPChannel dials the broker and opens a channel.
func newAMQPChannel(cfg config.AMQPChannelConfig) (*AMQPChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp: url is required")
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: connect failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: channel failed: %w", err)
	}

	routingKey := cfg.RoutingKey
	if routingKey == "" {
		routingKey = "schemahub.events"
	}

	return &AMQPChannel{
		exchange:   cfg.Exchange,
		routingKey: routingKey,
		conn:       conn,
		ch:         ch,
	}, nil
}

// Name identifies the channel in metrics and logs.
func (c *AMQPChannel) Name() string {
	return "amqp"
}

// Send publishes the event to the configured exchange.
func (c *AMQPChannel) Send(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("amqp: marshal event: %w", err)
	}

	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()

	err = ch.PublishWithContext(ctx,
		c.exchange,
		c.routingKey,
		false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Type:         string(event.Type),
			MessageId:    event.ID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp: publish failed: %w", err)
	}

	return nil
}

// Close shuts down the channel and connection.
func (c *AMQPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
