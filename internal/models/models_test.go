package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketStatus(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)
	past := now.Add(-48 * time.Hour)

	cases := []struct {
		name   string
		ticket Ticket
		want   TicketStatus
	}{
		{"refunded wins over used", Ticket{Refunded: true, Used: true}, TicketStatusRefunded},
		{"refunded", Ticket{Refunded: true, EventDate: future}, TicketStatusRefunded},
		{"used", Ticket{Used: true, EventDate: past}, TicketStatusUsed},
		{"used wins over cancelled", Ticket{Used: true, Cancelled: true}, TicketStatusUsed},
		{"cancelled", Ticket{Cancelled: true}, TicketStatusCancelled},
		{"active", Ticket{EventDate: future}, TicketStatusActive},
		{"active without event date", Ticket{}, TicketStatusActive},
		{"expired after event", Ticket{EventDate: past}, TicketStatusExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.ticket.Status(now))
		})
	}
}

func TestCartCheckTotals(t *testing.T) {
	cart := &Cart{
		Items: []CartItem{
			{ID: "i1", ItemType: ItemTypeTicket, UnitPrice: decimal.NewFromInt(15000), Quantity: 2},
		},
		Subtotal: decimal.NewFromInt(30000),
		Tax:      decimal.NewFromInt(5400),
		Total:    decimal.NewFromInt(35400),
		Currency: CurrencyRWF,
	}
	require.NoError(t, cart.CheckTotals())

	cart.Total = decimal.NewFromInt(35000)
	assert.Error(t, cart.CheckTotals())
}

func TestCartExpired(t *testing.T) {
	created := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	cart := &Cart{CreatedAt: created}

	assert.False(t, cart.Expired(created.Add(23*time.Hour), DefaultCartTTL))
	assert.True(t, cart.Expired(created.Add(24*time.Hour), DefaultCartTTL))

	cart.ExpiresAt = created.Add(time.Hour)
	assert.True(t, cart.Expired(created.Add(2*time.Hour), DefaultCartTTL))
}

func TestCartItemJSONRoundTripKeepsVariant(t *testing.T) {
	raw := `{"id":"c1","itemType":"ticket","itemId":"cat-vip","unitPrice":15000,"quantity":2,
		"metadata":{"eventId":"ev1","categoryId":"cat-vip","seatIds":["A1","A2"],"holderNames":["Ann","Bo"]}}`

	var item CartItem
	require.NoError(t, json.Unmarshal([]byte(raw), &item))

	details, ok := item.Details.(TicketDetails)
	require.True(t, ok)
	assert.Equal(t, []string{"A1", "A2"}, details.SeatIDs)
	assert.True(t, item.UnitPrice.Equal(decimal.NewFromInt(15000)))

	food := `{"id":"c2","itemType":"food","itemId":"popcorn","unitPrice":"3000","quantity":1,"metadata":{"specialInstructions":"no salt"}}`
	require.NoError(t, json.Unmarshal([]byte(food), &item))
	assert.Equal(t, FoodDetails{SpecialInstructions: "no salt"}, item.Details)

	bad := `{"itemType":"vehicle","itemId":"x","unitPrice":1,"quantity":1,"metadata":{}}`
	assert.Error(t, json.Unmarshal([]byte(bad), &item))
}

func TestCartItemCheckDetails(t *testing.T) {
	item := CartItem{ItemType: ItemTypeFood, ReferenceID: "x", Details: TicketDetails{}}
	assert.Error(t, item.CheckDetails())

	item.Details = FoodDetails{}
	assert.NoError(t, item.CheckDetails())
}

func TestCloneIsDeep(t *testing.T) {
	order := &Order{Items: []CartItem{{ItemType: ItemTypeTicket, Details: TicketDetails{SeatIDs: []string{"A1"}}}}}
	cp := order.Clone()

	cp.Items[0].Quantity = 9
	cp.Items[0].Details.(TicketDetails).SeatIDs[0] = "Z9"

	assert.Equal(t, 0, order.Items[0].Quantity)
	assert.Equal(t, "A1", order.Items[0].Details.(TicketDetails).SeatIDs[0])
}

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, OrderStatusPending.CanTransitionTo(OrderStatusConfirmed))
	assert.True(t, OrderStatusConfirmed.CanTransitionTo(OrderStatusCompleted))
	assert.True(t, OrderStatusCompleted.CanTransitionTo(OrderStatusRefunded))
	assert.False(t, OrderStatusCompleted.CanTransitionTo(OrderStatusCancelled))
	assert.False(t, OrderStatusCancelled.CanTransitionTo(OrderStatusPending))

	assert.True(t, OrderStatusPending.Reaches(OrderStatusCompleted))
	assert.False(t, OrderStatusRefunded.Reaches(OrderStatusCompleted))

	assert.True(t, OrderStatusPending.Cancellable())
	assert.True(t, OrderStatusConfirmed.Cancellable())
	assert.False(t, OrderStatusProcessing.Cancellable())
	assert.False(t, OrderStatusCompleted.Cancellable())
}

func TestPaymentStatusTransitions(t *testing.T) {
	assert.True(t, PaymentStatusPending.CanTransitionTo(PaymentStatusProcessing))
	assert.True(t, PaymentStatusProcessing.CanTransitionTo(PaymentStatusCompleted))
	assert.True(t, PaymentStatusCompleted.CanTransitionTo(PaymentStatusRefunded))
	assert.False(t, PaymentStatusCompleted.CanTransitionTo(PaymentStatusFailed))
	assert.False(t, PaymentStatusFailed.CanTransitionTo(PaymentStatusCompleted))
	assert.True(t, PaymentStatusCompleted.Frozen())
}

func TestMoney(t *testing.T) {
	rwf, err := NewMoney(decimal.NewFromInt(100), CurrencyRWF)
	require.NoError(t, err)
	usd, err := NewMoney(decimal.NewFromInt(1), CurrencyUSD)
	require.NoError(t, err)

	_, err = rwf.Add(usd)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = NewMoney(decimal.NewFromInt(-1), CurrencyRWF)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	assert.Equal(t, "300 RWF", rwf.Times(3).String())
}
