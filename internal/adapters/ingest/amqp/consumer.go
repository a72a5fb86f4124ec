// Package amqp consumes inbound-message and reply events from RabbitMQ and
// feeds them to the tracker.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/matcher"
)

// ErrPoison marks deliveries that can never succeed, such as undecodable
// bodies or unknown event types.
var ErrPoison = errors.New("poison message")

// Sink receives decoded events.
type Sink interface {
	TrackMessage(ctx context.Context, in domain.NewMessage) (domain.TrackedMessage, error)
	RecordReply(ctx context.Context, employeeID, clientRef string, at time.Time) (matcher.Result, error)
}

// Channel is the consuming half of *amqp.Channel.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Config describes the consumer topology.
type Config struct {
	Exchange    string
	Queue       string
	BindingKeys []string
	Prefetch    int
}

type Consumer struct {
	ch     Channel
	cfg    Config
	sink   Sink
	logger *slog.Logger
}

func New(ch Channel, cfg Config, sink Sink, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	if len(cfg.BindingKeys) == 0 {
		cfg.BindingKeys = []string{"replywatch.#"}
	}
	return &Consumer{ch: ch, cfg: cfg, sink: sink, logger: logger}
}

// Run declares the queue and consumes until ctx is done or the delivery
// channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := c.ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	if c.cfg.Exchange != "" {
		for _, key := range c.cfg.BindingKeys {
			if err := c.ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", c.cfg.Queue, key, err)
			}
		}
	}

	msgs, err := c.ch.Consume(c.cfg.Queue, "replywatch", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.settle(ctx, d)
		}
	}
}

func (c *Consumer) settle(ctx context.Context, d amqp.Delivery) {
	err := c.Handle(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrPoison):
		c.logger.Warn("dropping poison delivery",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()))
		_ = d.Reject(false)
	case isPermanent(err):
		c.logger.Info("event rejected by tracker",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()))
		_ = d.Ack(false)
	default:
		c.logger.Error("event processing failed, requeueing",
			slog.String("message_id", d.MessageId),
			slog.String("error", err.Error()))
		_ = d.Nack(false, true)
	}
}

// isPermanent reports tracker errors that a redelivery cannot fix.
func isPermanent(err error) bool {
	var te *domain.TrackingError
	return errors.As(err, &te)
}

// Handle decodes one envelope and applies it.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var env domain.Envelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}

	switch env.Meta.Type {
	case domain.EventInboundMessage:
		var ev domain.InboundEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		m, err := c.sink.TrackMessage(ctx, domain.NewMessage{
			ExternalID: ev.ExternalID,
			ClientRef:  ev.ClientRef,
			EmployeeID: ev.EmployeeID,
			ArrivedAt:  ev.ArrivedAt,
		})
		if err != nil {
			return err
		}
		c.logger.Debug("tracking inbound message",
			slog.Int64("message_id", m.ID),
			slog.String("external_id", m.ExternalID))
		return nil

	case domain.EventEmployeeReply:
		var ev domain.ReplyEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		_, err := c.sink.RecordReply(ctx, ev.EmployeeID, ev.ClientRef, ev.RepliedAt)
		return err

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrPoison, env.Meta.Type)
	}
}
