package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodMobileMoney  PaymentMethod = "mobile_money"
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodPayPal       PaymentMethod = "paypal"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusCompleted:  {PaymentStatusRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, n := range paymentTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Open is true until the backend has settled the payment one way or another.
func (s PaymentStatus) Open() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing
}

func (s PaymentStatus) Cancellable() bool { return s.Open() }

func (s PaymentStatus) Refundable() bool { return s == PaymentStatusCompleted }

// Frozen statuses accept only metadata changes, plus completed -> refunded.
func (s PaymentStatus) Frozen() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusRefunded
}

type Payment struct {
	PaymentID      string            `json:"paymentId"`
	OrderReference string            `json:"orderReference"`
	Method         PaymentMethod     `json:"method"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       Currency          `json:"currency"`
	Status         PaymentStatus     `json:"status"`
	TransactionID  string            `json:"transactionId,omitempty"`
	RedirectURL    string            `json:"redirectUrl,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	out := *p
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// SavedCard is a tokenised card reference. Raw card numbers are never stored.
type SavedCard struct {
	Token    string `json:"token" validate:"required"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4" validate:"len=4,numeric"`
	ExpMonth int    `json:"expMonth" validate:"min=1,max=12"`
	ExpYear  int    `json:"expYear" validate:"min=2000"`
}

// PaymentPreferences is the persisted selected method and saved cards.
type PaymentPreferences struct {
	DefaultMethod PaymentMethod `json:"defaultMethod,omitempty"`
	DefaultRef    string        `json:"defaultRef,omitempty"`
	Cards         []SavedCard   `json:"cards,omitempty"`
}
