// Package amqp publishes notifications to a RabbitMQ exchange for chat
// integrations to consume.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
)

// Channel is the publishing half of *amqp.Channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Config selects where notifications are published.
type Config struct {
	Exchange string
	// RoutingKey defaults to "notification.<kind>".
	RoutingKey string
	Producer   string
}

// Publisher implements ports.Notifier over AMQP.
type Publisher struct {
	ch  Channel
	cfg Config
}

var _ ports.Notifier = (*Publisher)(nil)

func New(ch Channel, cfg Config) *Publisher {
	if cfg.Producer == "" {
		cfg.Producer = "replywatch"
	}
	return &Publisher{ch: ch, cfg: cfg}
}

// Dial opens a connection and channel and declares the exchange.
func Dial(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}
	return conn, ch, nil
}

func (p *Publisher) Notify(ctx context.Context, n domain.Notification) error {
	if n.ID == "" {
		return fmt.Errorf("notification id is required")
	}

	env := domain.Envelope[domain.Notification]{
		Meta: domain.Meta{
			ID:       n.ID,
			Type:     domain.EventNotification,
			Time:     n.RequestedAt,
			Producer: p.cfg.Producer,
		},
		Data: n,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	key := p.cfg.RoutingKey
	if key == "" {
		key = "notification." + string(n.Kind)
	}

	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		AppId:        p.cfg.Producer,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
