package models

import "time"

// SeatHold is a server-granted, time-bounded claim on seats. The client never
// treats it as proof that the seats are purchasable.
type SeatHold struct {
	HoldID     string    `json:"holdId"`
	EventID    string    `json:"eventId,omitempty"`
	CategoryID string    `json:"categoryId"`
	SeatIDs    []string  `json:"seatIds"`
	ExpiresAt  time.Time `json:"expiresAt"`
	TotalPrice Money     `json:"totalPrice"`
}

// Remaining is the advisory countdown shown to the user.
func (h *SeatHold) Remaining(now time.Time) time.Duration {
	d := h.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (h *SeatHold) LocallyExpired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Availability counts for a section or category.
type Availability struct {
	SectionID  string `json:"sectionId,omitempty"`
	CategoryID string `json:"categoryId,omitempty"`
	Total      int    `json:"total"`
	Available  int    `json:"available"`
	Blocked    int    `json:"blocked"`
	Reserved   int    `json:"reserved,omitempty"`
}
