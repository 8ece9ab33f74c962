// Package rabbitmq fans confirmed-order and oversold events out to a topic
// exchange so remediation and reporting consumers outside this process can
// react to them.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	domoutbox "github.com/farmgate/checkout-backend/internal/domain/outbox"
)

const (
	ExchangeName = "checkout_events"
	ExchangeType = "topic"
)

// SetupConn handles the connection and exchange declaration.
func SetupConn(url string) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	var err error

	// Simple retry logic for container startup
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("could not open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName, // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return nil, nil, fmt.Errorf("could not declare exchange: %w", err)
	}

	return conn, ch, nil
}

type Publisher struct {
	ch *amqp.Channel
}

// NewPublisher creates an outbox Publisher backed by a RabbitMQ channel.
func NewPublisher(ch *amqp.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish routes each event by its name (e.g. order.confirmed,
// inventory.oversold) and persists the message so consumers that are down
// during delivery still see it.
func (p *Publisher) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("could not marshal event %s: %w", e.EventName(), err)
	}

	return p.ch.PublishWithContext(ctx,
		ExchangeName,  // exchange
		e.EventName(), // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}
