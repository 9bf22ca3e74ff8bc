package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeCartUpdated          = "CART_UPDATED"
	EventTypeHoldReserved         = "HOLD_RESERVED"
	EventTypeHoldReleased         = "HOLD_RELEASED"
	EventTypeOrderCreated         = "ORDER_CREATED"
	EventTypeOrderStatusChanged   = "ORDER_STATUS_CHANGED"
	EventTypePaymentStatusChanged = "PAYMENT_STATUS_CHANGED"
	EventTypeTicketsMaterialized  = "TICKETS_MATERIALIZED"
	EventTypeTicketUpdated        = "TICKET_UPDATED"
	EventTypeSessionExpired       = "SESSION_EXPIRED"
	EventTypePaymentCallback      = "PAYMENT_CALLBACK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func newBase(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// StateEvent announces a change of locally held checkout state. From/To carry
// status names for status changes.
type StateEvent struct {
	BaseEvent
	EntityID string      `json:"entity_id"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

func NewStateEvent(eventType, entityID string, payload interface{}) *StateEvent {
	return &StateEvent{
		BaseEvent: newBase(eventType),
		EntityID:  entityID,
		Payload:   payload,
	}
}

func NewTransitionEvent(eventType, entityID, from, to string, payload interface{}) *StateEvent {
	ev := NewStateEvent(eventType, entityID, payload)
	ev.From = from
	ev.To = to
	return ev
}

// PaymentCallbackEvent is an external hint that a payment may have changed.
// It is never trusted on its own; the payment is re-verified.
type PaymentCallbackEvent struct {
	BaseEvent
	PaymentID      string `json:"payment_id"`
	OrderReference string `json:"order_reference,omitempty"`
	Status         string `json:"status,omitempty"`
}

func NewPaymentCallbackEvent(paymentID, status string) *PaymentCallbackEvent {
	return &PaymentCallbackEvent{
		BaseEvent: newBase(EventTypePaymentCallback),
		PaymentID: paymentID,
		Status:    status,
	}
}
