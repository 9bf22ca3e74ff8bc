package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCartTTL is how long a cart lives after creation before the client
// treats it as absent.
const DefaultCartTTL = 24 * time.Hour

// Cart mirrors the backend cart. Totals are always the server's.
type Cart struct {
	ID        string          `json:"id"`
	Items     []CartItem      `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
	Currency  Currency        `json:"currency"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt time.Time       `json:"expiresAt,omitempty"`
}

// CheckTotals verifies subtotal == Σ(unitPrice*quantity) and
// total == subtotal + tax.
func (c *Cart) CheckTotals() error {
	sum := decimal.Zero
	for _, it := range c.Items {
		if it.Quantity <= 0 {
			return fmt.Errorf("item %q has quantity %d", it.ID, it.Quantity)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("item %q has negative price", it.ID)
		}
		sum = sum.Add(it.LineTotal())
	}
	if !sum.Equal(c.Subtotal) {
		return fmt.Errorf("subtotal %s does not match items %s", c.Subtotal, sum)
	}
	if !c.Subtotal.Add(c.Tax).Equal(c.Total) {
		return fmt.Errorf("total %s != subtotal %s + tax %s", c.Total, c.Subtotal, c.Tax)
	}
	if c.Total.IsNegative() {
		return ErrNegativeAmount
	}
	return nil
}

// Expired reports whether the cart is past its expiry. Carts without an
// explicit expiry expire ttl after creation.
func (c *Cart) Expired(now time.Time, ttl time.Duration) bool {
	exp := c.ExpiresAt
	if exp.IsZero() {
		if c.CreatedAt.IsZero() {
			return false
		}
		exp = c.CreatedAt.Add(ttl)
	}
	return !now.Before(exp)
}

func (c *Cart) IsEmpty() bool { return len(c.Items) == 0 }

func (c *Cart) Item(id string) (CartItem, bool) {
	for _, it := range c.Items {
		if it.ID == id {
			return it, true
		}
	}
	return CartItem{}, false
}

func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = CloneItems(c.Items)
	return &out
}

// HoldIDs collects the seat holds referenced by ticket items.
func (c *Cart) HoldIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	for _, it := range c.Items {
		td, ok := it.Details.(TicketDetails)
		if !ok || td.HoldID == "" || seen[td.HoldID] {
			continue
		}
		seen[td.HoldID] = true
		ids = append(ids, td.HoldID)
	}
	return ids
}
