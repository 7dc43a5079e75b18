package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"checkout-engine/internal/models"
)

// EventPublisher writes typed checkout events to Kafka, keyed by order id so
// all events for one order land on the same partition in order.
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (p *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return p.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (p *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return p.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (p *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	return p.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (p *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return p.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (p *EventPublisher) PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	return p.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (p *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return p.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func orderKey(orderID int64) string {
	return strconv.FormatInt(orderID, 10)
}

// envelope is the minimal shape every event shares; used to route a raw
// message before the full payload is decoded.
type envelope struct {
	EventType string `json:"event_type"`
}

// EventType extracts the event type from a raw message payload.
func EventType(payload []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", fmt.Errorf("failed to decode event envelope: %w", err)
	}
	if env.EventType == "" {
		return "", fmt.Errorf("event payload missing event_type")
	}
	return env.EventType, nil
}
