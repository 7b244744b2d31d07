// Package amqp publishes ledger events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "ledger_events"
	publishTimeout  = 5 * time.Second
)

// Bus implements repository.MessageBus on top of one AMQP channel. The bus
// topic becomes the routing key.
type Bus struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// Dial connects to url and declares the durable topic exchange.
func Dial(url, exchange string) (*Bus, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp091.DialConfig(url, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	b := &Bus{conn: conn, exchange: exchange}
	if err := b.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) openChannel() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	b.channel = ch
	return nil
}

// Publish sends data with topic as routing key. A failed publish reopens the
// channel once before giving up.
func (b *Bus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         data,
	}
	err := b.channel.PublishWithContext(ctx, b.exchange, topic, false, false, msg)
	if err == nil {
		return nil
	}
	slog.Warn("amqp: publish failed, reopening channel", "exchange", b.exchange, "routing_key", topic, "error", err)
	if reopenErr := b.openChannel(); reopenErr != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := b.channel.PublishWithContext(ctx, b.exchange, topic, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
}
