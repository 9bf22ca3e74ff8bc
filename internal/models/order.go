package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// processing is a backend settlement state that sits beside pending.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusPending, OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusCompleted, OrderStatusCancelled},
	OrderStatusCompleted:  {OrderStatusRefunded},
}

// CanTransitionTo reports whether next is a direct legal successor.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, n := range orderTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Reaches reports whether next can be reached through any chain of legal
// transitions. Backend reads may skip intermediate states.
func (s OrderStatus) Reaches(next OrderStatus) bool {
	seen := map[OrderStatus]bool{s: true}
	queue := []OrderStatus{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range orderTransitions[cur] {
			if n == next {
				return true
			}
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

func (s OrderStatus) Refundable() bool { return s == OrderStatusCompleted }

// InFlight is true while payment has not settled the order.
func (s OrderStatus) InFlight() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Order is a placed order. Items are a snapshot taken at creation.
type Order struct {
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	EventID        string          `json:"eventId,omitempty"`
	Items          []CartItem      `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	Currency       Currency        `json:"currency"`
	Status         OrderStatus     `json:"status"`
	PaymentID      string          `json:"paymentId,omitempty"`
	PaymentStatus  PaymentStatus   `json:"paymentStatus,omitempty"`
	DeliveryMethod string          `json:"deliveryMethod,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CancelledAt    *time.Time      `json:"cancelledAt,omitempty"`
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.Items = CloneItems(o.Items)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		out.CompletedAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		out.CancelledAt = &t
	}
	return &out
}

// OrderPage is one page of the user's order history.
type OrderPage struct {
	Orders []Order `json:"orders"`
	Page   int     `json:"page"`
	Limit  int     `json:"limit"`
	Total  int     `json:"total"`
}
