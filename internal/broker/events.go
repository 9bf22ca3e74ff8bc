package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-core/internal/models"
	"checkout-core/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaSink mirrors bus events onto a Kafka topic, keyed by entity id so
// events for one order stay ordered within a partition.
type KafkaSink struct {
	producer *Producer
	logger   *zap.Logger
}

func NewKafkaSink(producer *Producer) *KafkaSink {
	return &KafkaSink{producer: producer, logger: util.GetLogger()}
}

// Attach subscribes the sink to bus and returns the unsubscribe function.
func (s *KafkaSink) Attach(bus *Bus) func() {
	return bus.Subscribe(s.Forward)
}

// Forward publishes one event; failures are logged, never returned to the
// service that changed state.
func (s *KafkaSink) Forward(ctx context.Context, event *models.StateEvent) {
	key := event.EntityID
	if key == "" {
		key = event.EventType
	}
	if err := s.producer.PublishEvent(ctx, key, event); err != nil {
		util.Warn(ctx, s.logger, "Failed to forward event",
			zap.String("event_type", event.EventType),
			zap.String("entity_id", event.EntityID),
			zap.Error(err))
	}
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentCallback func(context.Context, *models.PaymentCallbackEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPaymentCallback registers a handler for PaymentCallback events
func (eh *EventHandler) OnPaymentCallback(handler func(context.Context, *models.PaymentCallbackEvent) error) {
	eh.onPaymentCallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentCallback:
		if eh.onPaymentCallback == nil {
			return nil
		}
		var event models.PaymentCallbackEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal PaymentCallback event: %w", err)
		}
		if event.PaymentID == "" {
			return fmt.Errorf("payment callback %s without payment id", event.EventID)
		}
		return eh.onPaymentCallback(ctx, &event)

	default:
		util.Debug(ctx, util.GetLogger(), "Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
