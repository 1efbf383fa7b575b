// Package rabbitmq реализует шину событий поверх RabbitMQ (topic exchange).
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"schoolbus-tracking/internal/bus"
	"schoolbus-tracking/internal/config"
	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/rabbitmq/amqp091-go"
)

// Bus шина событий на RabbitMQ. Топик шины служит routing key.
type Bus struct {
	*bus.Registry

	cfg    config.RabbitMQConfig
	topics []string
	log    *logger.Logger

	mu        sync.RWMutex
	conn      *amqp091.Connection
	ch        *amqp091.Channel // для публикации
	connClose chan *amqp091.Error
	isClosed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ bus.Bus = (*Bus)(nil)

// NewBus подключается к RabbitMQ и объявляет exchange и очередь
func NewBus(cfg config.RabbitMQConfig, topics []string, log *logger.Logger) (*Bus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		Registry: bus.NewRegistry(log),
		cfg:      cfg,
		topics:   topics,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := b.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	log.WithField("exchange", cfg.Exchange).Info("RabbitMQ connected successfully")
	return b, nil
}

func (b *Bus) connect() error {
	conn, err := amqp091.Dial(b.cfg.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return errors.Join(err, conn.Close())
	}

	err = ch.ExchangeDeclare(
		b.cfg.Exchange, // имя exchange
		"topic",        // тип
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return errors.Join(err, conn.Close())
	}

	queue, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return errors.Join(err, conn.Close())
	}
	for _, topic := range b.topics {
		if err := ch.QueueBind(queue.Name, topic, b.cfg.Exchange, false, nil); err != nil {
			return errors.Join(err, conn.Close())
		}
	}

	connClose := make(chan *amqp091.Error, 1)
	conn.NotifyClose(connClose)

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.connClose = connClose
	b.mu.Unlock()
	return nil
}

// RegisterHandler регистрирует обработчик для типа события
func (b *Bus) RegisterHandler(eventType models.EventType, handler bus.Handler) {
	b.Register(eventType, handler)
}

// Publish публикует событие с routing key, равным топику
func (b *Bus) Publish(ctx context.Context, topic string, event *models.Event) error {
	if b.isClosed.Load() {
		return bus.ErrClosed
	}

	msg, err := buildPublishing(event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()

	if err := ch.PublishWithContext(ctx, b.cfg.Exchange, topic, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	b.log.WithField("topic", topic).
		WithField("event_type", event.Type).
		WithField("event_id", event.ID).
		Debug("Event published successfully")
	return nil
}

func buildPublishing(event *models.Event) (amqp091.Publishing, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Headers:      amqp091.Table{"event_type": string(event.Type)},
		Body:         data,
	}, nil
}

// Start запускает потребление очереди и переподключение при обрыве связи
func (b *Bus) Start() error {
	deliveries, err := b.consume()
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go b.run(deliveries)

	b.log.WithField("queue", b.cfg.Queue).Info("RabbitMQ consumer started")
	return nil
}

func (b *Bus) consume() (<-chan amqp091.Delivery, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", b.cfg.Queue, err)
	}
	return deliveries, nil
}

func (b *Bus) run(deliveries <-chan amqp091.Delivery) {
	defer b.wg.Done()

	for {
		b.mu.RLock()
		connClose := b.connClose
		b.mu.RUnlock()

	consumeLoop:
		for {
			select {
			case <-b.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					break consumeLoop
				}
				b.handleDelivery(b.ctx, d)
			case err := <-connClose:
				if b.isClosed.Load() {
					return
				}
				b.log.WithField("reason", err).Warn("RabbitMQ connection lost")
				break consumeLoop
			}
		}

		next, ok := b.reconnect()
		if !ok {
			return
		}
		deliveries = next
	}
}

func (b *Bus) reconnect() (<-chan amqp091.Delivery, bool) {
	delay := b.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}

	for {
		if b.isClosed.Load() {
			return nil, false
		}
		b.log.Info("Trying to reconnect to RabbitMQ")

		if err := b.connect(); err == nil {
			deliveries, err := b.consume()
			if err == nil {
				b.log.Info("Reconnected to RabbitMQ")
				return deliveries, true
			}
			b.log.WithError(err).Warn("Failed to resume consuming")
		} else {
			b.log.WithError(err).Warn("RabbitMQ reconnect failed")
		}

		select {
		case <-b.ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
	}
}

// handleDelivery подтверждает успешно обработанное сообщение. Ошибка
// обработчика возвращает сообщение в очередь один раз, повторная ошибка
// его отбрасывает.
func (b *Bus) handleDelivery(ctx context.Context, d amqp091.Delivery) {
	var event models.Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		b.log.WithError(err).WithField("message_id", d.MessageId).Error("Failed to unmarshal event, dropping")
		if err := d.Nack(false, false); err != nil {
			b.log.WithError(err).Error("Failed to nack message")
		}
		return
	}

	if err := b.Dispatch(ctx, &event); err != nil {
		requeue := !d.Redelivered
		b.log.WithError(err).
			WithField("routing_key", d.RoutingKey).
			WithField("event_id", event.ID).
			WithField("requeue", requeue).
			Error("Failed to process message")
		if err := d.Nack(false, requeue); err != nil {
			b.log.WithError(err).Error("Failed to nack message")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		b.log.WithError(err).Error("Failed to ack message")
	}
}

// Stop останавливает потребление и закрывает соединение
func (b *Bus) Stop() error {
	if b.isClosed.Swap(true) {
		return nil
	}
	b.cancel()

	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	err := conn.Close()
	b.wg.Wait()

	b.log.Info("RabbitMQ closed")
	if errors.Is(err, amqp091.ErrClosed) {
		return nil
	}
	return err
}
