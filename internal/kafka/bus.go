// Package kafka реализует шину событий поверх Kafka (sarama).
package kafka

import (
	"errors"

	"schoolbus-tracking/internal/bus"
	"schoolbus-tracking/internal/config"
	"schoolbus-tracking/internal/logger"
)

// Bus объединяет producer и consumer group в bus.Bus
type Bus struct {
	*Producer
	*Consumer
}

var _ bus.Bus = (*Bus)(nil)

// NewBus подключается к брокерам Kafka
func NewBus(cfg *config.KafkaConfig, log *logger.Logger) (*Bus, error) {
	producer, err := NewProducer(cfg, log)
	if err != nil {
		return nil, err
	}
	consumer, err := NewConsumer(cfg, log)
	if err != nil {
		return nil, errors.Join(err, producer.Close())
	}
	return &Bus{Producer: producer, Consumer: consumer}, nil
}

// Stop останавливает consumer и закрывает producer
func (b *Bus) Stop() error {
	return errors.Join(b.Consumer.Stop(), b.Producer.Close())
}
