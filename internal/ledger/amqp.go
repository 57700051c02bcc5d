package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType is set on every published usage message.
const MessageType = "dexy.usage.v1"

// Publisher is satisfied by *amqp.Channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher sends each usage record as one JSON message to a queue on
// the default exchange.
type AMQPPublisher struct {
	mu    sync.Mutex
	ch    Publisher
	queue string

	conn    *amqp.Connection
	channel *amqp.Channel
}

// DialAMQP connects to url, declares queue and returns a publisher that owns
// the connection.
func DialAMQP(url, queue string, durable bool) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("amqp url is not configured")
	}
	if queue == "" {
		return nil, errors.New("amqp queue is not configured")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring amqp queue %q: %w", queue, err)
	}
	p := NewAMQPPublisher(ch, queue)
	p.conn, p.channel = conn, ch
	return p, nil
}

// NewAMQPPublisher publishes through an existing channel.
func NewAMQPPublisher(ch Publisher, queue string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, queue: queue}
}

// BatchInsert publishes recs in order and stops at the first failure.
func (p *AMQPPublisher) BatchInsert(ctx context.Context, recs []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range recs {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding usage record: %w", err)
		}
		err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    r.RequestID,
			Timestamp:    r.CreatedAt,
			Type:         MessageType,
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publishing usage record %d of %d: %w", i+1, len(recs), err)
		}
	}
	return nil
}

// Close releases the channel and connection opened by DialAMQP.
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
