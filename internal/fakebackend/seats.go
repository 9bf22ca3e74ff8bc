package fakebackend

import (
	"net/http"
	"time"

	"checkout-core/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (b *Backend) checkAvailability(c *gin.Context) {
	var q struct {
		SectionID  string `json:"sectionId"`
		CategoryID string `json:"categoryId"`
	}
	if err := c.ShouldBindJSON(&q); err != nil || (q.SectionID == "" && q.CategoryID == "") {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "sectionId or categoryId is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	reserved, sold := 0, 0
	for seat := range b.seatOwner {
		switch owner := b.ownerLocked(seat); owner {
		case "":
		case "sold":
			sold++
		default:
			if h := b.holds[owner]; h != nil && (h.CategoryID == q.CategoryID || q.CategoryID == "") {
				reserved++
			}
		}
	}
	ok(c, http.StatusOK, models.Availability{
		SectionID:  q.SectionID,
		CategoryID: q.CategoryID,
		Total:      b.SeatsPerCategory,
		Available:  b.SeatsPerCategory - reserved - sold,
		Blocked:    sold,
		Reserved:   reserved,
	})
}

func (b *Backend) reserve(c *gin.Context) {
	var req struct {
		EventID         string   `json:"eventId"`
		CategoryID      string   `json:"categoryId"`
		SeatIDs         []string `json:"seatIds"`
		DurationSeconds int      `json:"durationSeconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.SeatIDs) == 0 || req.CategoryID == "" {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "categoryId and seatIds are required")
		return
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = 300
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, seat := range req.SeatIDs {
		if b.ownerLocked(seat) != "" {
			fail(c, http.StatusConflict, "SEATS_UNAVAILABLE", "Seat %s is no longer available", seat)
			return
		}
	}
	// Claim before the delay so an overlapping request sees the seats taken.
	h := &hold{SeatHold: models.SeatHold{
		HoldID:     newID("hold"),
		EventID:    req.EventID,
		CategoryID: req.CategoryID,
		SeatIDs:    append([]string(nil), req.SeatIDs...),
		ExpiresAt:  b.now().Add(time.Duration(req.DurationSeconds) * time.Second),
		TotalPrice: models.Money{
			Amount:   b.SeatPrice.Mul(decimal.NewFromInt(int64(len(req.SeatIDs)))),
			Currency: b.Currency,
		},
	}}
	b.holds[h.HoldID] = h
	for _, seat := range req.SeatIDs {
		b.seatOwner[seat] = h.HoldID
	}
	if d := b.ReserveDelay; d > 0 {
		b.mu.Unlock()
		time.Sleep(d)
		b.mu.Lock()
	}
	ok(c, http.StatusCreated, h.SeatHold)
}

func (b *Backend) releaseHold(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, found := b.holds[c.Param("id")]
	if !found || h.consumed {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Reservation not found")
		return
	}
	for _, seat := range h.SeatIDs {
		if b.seatOwner[seat] == h.HoldID {
			delete(b.seatOwner, seat)
		}
	}
	delete(b.holds, h.HoldID)
	c.Status(http.StatusNoContent)
}

func (b *Backend) renewHold(c *gin.Context) {
	var req struct {
		DurationSeconds int `json:"durationSeconds"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = 300
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	h, found := b.holds[c.Param("id")]
	if !found || h.consumed || !b.now().Before(h.ExpiresAt) {
		fail(c, http.StatusConflict, "SEATS_UNAVAILABLE", "Reservation has expired")
		return
	}
	h.ExpiresAt = b.now().Add(time.Duration(req.DurationSeconds) * time.Second)
	ok(c, http.StatusOK, h.SeatHold)
}
