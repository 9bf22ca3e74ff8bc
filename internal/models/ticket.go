package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketStatusActive    TicketStatus = "active"
	TicketStatusUsed      TicketStatus = "used"
	TicketStatusRefunded  TicketStatus = "refunded"
	TicketStatusExpired   TicketStatus = "expired"
	TicketStatusCancelled TicketStatus = "cancelled"
)

type Ticket struct {
	TicketID     string          `json:"ticketId"`
	OrderID      string          `json:"orderId,omitempty"`
	EventID      string          `json:"eventId"`
	CategoryID   string          `json:"categoryId"`
	SeatID       string          `json:"seatId,omitempty"`
	HolderName   string          `json:"holderName"`
	QRCode       string          `json:"qrCode"`
	Price        decimal.Decimal `json:"price"`
	Currency     Currency        `json:"currency"`
	Used         bool            `json:"used"`
	Refunded     bool            `json:"refunded"`
	Cancelled    bool            `json:"cancelled,omitempty"`
	EventDate    time.Time       `json:"eventDate,omitempty"`
	PurchaseDate time.Time       `json:"purchaseDate"`
	UsedAt       *time.Time      `json:"usedAt,omitempty"`
	RefundedAt   *time.Time      `json:"refundedAt,omitempty"`
}

// Status derives the lifecycle state. Refunded wins over everything, used
// over cancellation, and an untouched ticket expires once its event has passed.
func (t *Ticket) Status(now time.Time) TicketStatus {
	switch {
	case t.Refunded:
		return TicketStatusRefunded
	case t.Used:
		return TicketStatusUsed
	case t.Cancelled:
		return TicketStatusCancelled
	case !t.EventDate.IsZero() && t.EventDate.Before(now):
		return TicketStatusExpired
	}
	return TicketStatusActive
}

// TicketCache is the persisted form of the ledger.
type TicketCache struct {
	Tickets  []Ticket  `json:"tickets"`
	SyncedAt time.Time `json:"syncedAt"`
}
