package fakebackend

import (
	"fmt"
	"net/http"

	"checkout-core/internal/models"

	"github.com/gin-gonic/gin"
)

// TicketCount is the number of tickets issued.
func (b *Backend) TicketCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tickets)
}

func (b *Backend) issueTicketsLocked(o *models.Order) {
	now := b.now()
	for _, it := range o.Items {
		if it.ItemType != models.ItemTypeTicket {
			continue
		}
		td, _ := it.Details.(models.TicketDetails)
		n := it.Quantity
		if len(td.SeatIDs) > n {
			n = len(td.SeatIDs)
		}
		for i := 0; i < n; i++ {
			t := &models.Ticket{
				TicketID:     newID("tkt"),
				OrderID:      o.OrderID,
				EventID:      firstNonEmpty(td.EventID, o.EventID),
				CategoryID:   td.CategoryID,
				Price:        it.UnitPrice,
				Currency:     o.Currency,
				EventDate:    b.EventDate,
				PurchaseDate: now,
			}
			if i < len(td.SeatIDs) {
				t.SeatID = td.SeatIDs[i]
			}
			if i < len(td.HolderNames) {
				t.HolderName = td.HolderNames[i]
			}
			t.QRCode = fmt.Sprintf("QR-%s-%s", o.OrderID, t.TicketID)
			b.tickets[t.TicketID] = t
		}
	}
}

func (b *Backend) myTickets(c *gin.Context) {
	orderID := c.Query("orderId")
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Ticket, 0, len(b.tickets))
	for _, t := range b.tickets {
		if orderID != "" && t.OrderID != orderID {
			continue
		}
		out = append(out, *t)
	}
	ok(c, http.StatusOK, out)
}

func (b *Backend) useTicket(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, found := b.tickets[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found")
		return
	}
	if t.Status(b.now()) != models.TicketStatusActive {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Ticket is not active")
		return
	}
	now := b.now()
	t.Used = true
	t.UsedAt = &now
	ok(c, http.StatusOK, *t)
}

func (b *Backend) refundTicket(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, found := b.tickets[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found")
		return
	}
	if t.Refunded {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Ticket already refunded")
		return
	}
	now := b.now()
	t.Refunded = true
	t.RefundedAt = &now
	ok(c, http.StatusOK, *t)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
