package fakebackend

import (
	"net/http"

	"checkout-core/internal/models"

	"github.com/gin-gonic/gin"
)

func (b *Backend) cartLocked() *models.Cart {
	now := b.now()
	if b.cart == nil || b.cart.Expired(now, models.DefaultCartTTL) {
		b.cart = &models.Cart{
			ID:        newID("cart"),
			Items:     []models.CartItem{},
			Currency:  b.Currency,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(models.DefaultCartTTL),
		}
	}
	return b.cart
}

func (b *Backend) recomputeLocked(cart *models.Cart) {
	cart.Subtotal, cart.Tax, cart.Total = b.totals(cart.Items)
	cart.UpdatedAt = b.now()
}

func (b *Backend) getCart(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok(c, http.StatusOK, b.cartLocked().Clone())
}

func (b *Backend) addCartItem(c *gin.Context) {
	var item models.CartItem
	if err := c.ShouldBindJSON(&item); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid item: %v", err)
		return
	}
	if item.Quantity <= 0 || item.ReferenceID == "" || !item.ItemType.Valid() {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "itemType, itemId and a positive quantity are required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cart := b.cartLocked()
	if item.UnitPrice.IsZero() && item.ItemType == models.ItemTypeTicket {
		item.UnitPrice = b.SeatPrice
	}
	item.ID = newID("item")
	cart.Items = append(cart.Items, item)
	b.recomputeLocked(cart)
	ok(c, http.StatusCreated, cart.Clone())
}

func (b *Backend) updateCartItem(c *gin.Context) {
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Quantity <= 0 {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "quantity must be positive")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	cart := b.cartLocked()
	for i := range cart.Items {
		if cart.Items[i].ID == c.Param("id") {
			cart.Items[i].Quantity = body.Quantity
			b.recomputeLocked(cart)
			ok(c, http.StatusOK, cart.Clone())
			return
		}
	}
	fail(c, http.StatusNotFound, "NOT_FOUND", "Cart item not found")
}

func (b *Backend) removeCartItem(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cart := b.cartLocked()
	for i := range cart.Items {
		if cart.Items[i].ID == c.Param("id") {
			cart.Items = append(cart.Items[:i], cart.Items[i+1:]...)
			b.recomputeLocked(cart)
			ok(c, http.StatusOK, cart.Clone())
			return
		}
	}
	fail(c, http.StatusNotFound, "NOT_FOUND", "Cart item not found")
}

func (b *Backend) clearCart(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cart := b.cartLocked()
	cart.Items = []models.CartItem{}
	b.recomputeLocked(cart)
	ok(c, http.StatusOK, cart.Clone())
}
