package announcement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const exchangeKind = "topic"

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialer opens a fresh channel; replaced in tests.
type dialer func() (channel, func() error, error)

// RabbitPublisher publishes JSON announcements to a durable topic exchange with
// routing key reward.announcement.{provider}. The connection is opened lazily
// and re-dialled after it drops.
type RabbitPublisher struct {
	exchange string
	dial     dialer
	log      *zap.Logger

	mu        sync.Mutex
	ch        channel
	closeConn func() error
	declared  bool
}

func NewRabbitPublisher(url, exchange string, log *zap.Logger) *RabbitPublisher {
	return newRabbitPublisher(exchange, func() (channel, func() error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return ch, conn.Close, nil
	}, log)
}

func newRabbitPublisher(exchange string, dial dialer, log *zap.Logger) *RabbitPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RabbitPublisher{
		exchange: exchange,
		dial:     dial,
		log:      log.Named("announcement.rabbitmq"),
	}
}

func RoutingKey(providerID string) string {
	return "reward.announcement." + strings.ToLower(strings.TrimSpace(providerID))
}

func (p *RabbitPublisher) Publish(ctx context.Context, a Announcement) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(publishCtx,
		p.exchange,
		RoutingKey(a.ProviderID),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    a.EventID,
			Timestamp:    a.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.resetLocked()
		}
		return err
	}
	return nil
}

func (p *RabbitPublisher) channelLocked() (channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, closeConn, err := p.dial()
	if err != nil {
		return nil, err
	}
	if !p.declared {
		if err := ch.ExchangeDeclare(p.exchange, exchangeKind, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			if closeConn != nil {
				_ = closeConn()
			}
			return nil, err
		}
		p.declared = true
	}
	p.ch = ch
	p.closeConn = closeConn
	return ch, nil
}

func (p *RabbitPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.closeConn != nil {
		_ = p.closeConn()
	}
	p.ch = nil
	p.closeConn = nil
	p.declared = false
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
