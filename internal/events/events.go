// Package events publishes face registration and verification events.
package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingFaceRegistered = "face.registered"
	RoutingFaceVerified   = "face.verified"
)

// FaceRegistered is emitted after a sample is stored.
type FaceRegistered struct {
	Identity   string    `json:"identity"`
	Sequence   int64     `json:"sequence"`
	Path       string    `json:"path"`
	SHA1Hash   string    `json:"sha1_hash"`
	Caller     string    `json:"caller,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FaceVerified is emitted after a verify request completes.
type FaceVerified struct {
	RequestID  string    `json:"request_id"`
	Verified   bool      `json:"verified"`
	MatchedID  *string   `json:"matched_id"`
	Distance   *float64  `json:"distance,omitempty"`
	Outcome    string    `json:"outcome"`
	Caller     string    `json:"caller,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher sends an event under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, any) error { return nil }

// RabbitPublisher publishes JSON events to a topic exchange.
type RabbitPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitPublisher dials amqpURL and declares a durable topic exchange.
func NewRabbitPublisher(amqpURL, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish implements Publisher.
func (r *RabbitPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.channel.PublishWithContext(ctx,
		r.exchange,
		routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Close releases the channel and connection.
func (r *RabbitPublisher) Close() {
	r.channel.Close()
	r.conn.Close()
}
