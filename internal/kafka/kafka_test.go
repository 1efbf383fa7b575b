package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"schoolbus-tracking/internal/logger"
	"schoolbus-tracking/internal/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
)

func TestProducerPublishSetsHeaders(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	defer sync.Close()

	event, err := models.NewEvent(models.EventTypeLocationUpdated, models.LocationUpdatedEvent{DriverID: uuid.New(), Lat: 1, Lon: 2})
	if err != nil {
		t.Fatal(err)
	}

	sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "bus.locations" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != string(models.EventTypeLocationUpdated) {
			return errors.New("missing event_type header")
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var decoded models.Event
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return err
		}
		if decoded.ID != event.ID {
			return errors.New("event id mismatch")
		}
		return nil
	})

	p := newProducer(sync, logger.NewNop())
	if err := p.Publish(context.Background(), "bus.locations", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestProducerPublishFailure(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	defer sync.Close()
	sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	event, _ := models.NewEvent(models.EventTypeNotification, models.NotificationEvent{RecipientID: "x"})
	p := newProducer(sync, logger.NewNop())
	if err := p.Publish(context.Background(), "bus.notifications", event); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestConsumerProcessMessageDispatches(t *testing.T) {
	c := newConsumer(nil, []string{"bus.alerts"}, logger.NewNop())

	var got models.DistressTriggeredEvent
	c.RegisterHandler(models.EventTypeDistressTriggered, func(_ context.Context, event *models.Event) error {
		return event.Decode(&got)
	})

	alertID := uuid.New()
	event, _ := models.NewEvent(models.EventTypeDistressTriggered, models.DistressTriggeredEvent{AlertID: alertID})
	raw, _ := json.Marshal(event)

	if err := c.processMessage(context.Background(), &sarama.ConsumerMessage{Topic: "bus.alerts", Value: raw}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got.AlertID != alertID {
		t.Fatalf("handler got alert %s, want %s", got.AlertID, alertID)
	}

	if err := c.processMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{")}); err == nil {
		t.Fatal("expected unmarshal error")
	}
}
