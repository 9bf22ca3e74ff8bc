package service

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/broker"
	"checkout-core/internal/models"
	"checkout-core/internal/transport"
	"checkout-core/internal/util"

	"go.uber.org/zap"
)

const DefaultHoldDuration = 300 * time.Second

// AvailabilityService checks seat availability and manages seat holds. Holds
// live in memory only; after a restart the backend's expiry is authoritative.
type AvailabilityService struct {
	backend      Backend
	bus          *broker.Bus
	holdDuration time.Duration
	retries      int
	retryBackoff time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.Mutex
	holds map[string]*models.SeatHold
}

// AvailabilityOptions tunes the service; zero values take defaults.
type AvailabilityOptions struct {
	HoldDuration time.Duration
	// Retries is the number of extra attempts for an availability read that
	// failed with an unknown outcome.
	Retries      int
	RetryBackoff time.Duration
}

// NewAvailabilityService creates a new availability service
func NewAvailabilityService(backend Backend, bus *broker.Bus, opts AvailabilityOptions) *AvailabilityService {
	if opts.HoldDuration <= 0 {
		opts.HoldDuration = DefaultHoldDuration
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	return &AvailabilityService{
		backend:      backend,
		bus:          bus,
		holdDuration: opts.HoldDuration,
		retries:      opts.Retries,
		retryBackoff: opts.RetryBackoff,
		logger:       util.GetLogger(),
		now:          time.Now,
		holds:        make(map[string]*models.SeatHold),
	}
}

// AvailabilityQuery selects a section or a category of an event.
type AvailabilityQuery struct {
	EventID    string   `json:"eventId,omitempty"`
	SectionID  string   `json:"sectionId,omitempty" validate:"required_without=CategoryID"`
	CategoryID string   `json:"categoryId,omitempty" validate:"required_without=SectionID"`
	SeatIDs    []string `json:"seatIds,omitempty"`
}

// GetAvailability returns current counts. The result is advisory only; it is
// never treated as a guarantee that a later reservation will succeed.
func (s *AvailabilityService) GetAvailability(ctx context.Context, q AvailabilityQuery) (*models.Availability, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.GetAvailability",
		"section_id", q.SectionID, "category_id", q.CategoryID)
	defer span.End()

	if err := validateStruct(q); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, util.RecordError(span, apperr.Classify(ctx.Err()))
			case <-time.After(s.retryBackoff * time.Duration(attempt)):
			}
		}

		var out models.Availability
		err := s.backend.Post(ctx, "/api/seats/check-availability", q, &out, transport.IdempotentRead())
		if err == nil {
			return &out, nil
		}
		lastErr = apperr.Translate(err)
		if !apperr.OutcomeUnknown(lastErr) {
			break
		}
		util.Debug(ctx, s.logger, "Availability check failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return nil, util.RecordError(span, lastErr)
}

// ReserveRequest asks for a hold on specific seats.
type ReserveRequest struct {
	EventID    string        `json:"eventId,omitempty"`
	CategoryID string        `json:"categoryId" validate:"required"`
	SeatIDs    []string      `json:"seatIds" validate:"required,min=1,unique,dive,required"`
	Duration   time.Duration `json:"-"`
}

type reserveBody struct {
	EventID         string   `json:"eventId,omitempty"`
	CategoryID      string   `json:"categoryId"`
	SeatIDs         []string `json:"seatIds"`
	DurationSeconds int      `json:"durationSeconds"`
}

// Reserve asks the backend to hold exactly the requested seats. A conflict is
// reported as SeatsUnavailable; other seats are never substituted.
func (s *AvailabilityService) Reserve(ctx context.Context, req ReserveRequest) (*models.SeatHold, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.Reserve", "category_id", req.CategoryID)
	defer span.End()

	if err := validateStruct(req); err != nil {
		util.HoldsRejectedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}
	duration := req.Duration
	if duration <= 0 {
		duration = s.holdDuration
	}

	body := reserveBody{
		EventID:         req.EventID,
		CategoryID:      req.CategoryID,
		SeatIDs:         req.SeatIDs,
		DurationSeconds: int(duration / time.Second),
	}

	var hold models.SeatHold
	if err := s.backend.Post(ctx, "/api/seats/reserve", body, &hold); err != nil {
		err = apperr.Translate(err)
		util.HoldsRejectedTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		util.Info(ctx, s.logger, "Seat reservation rejected",
			zap.String("category_id", req.CategoryID),
			zap.Strings("seat_ids", req.SeatIDs),
			zap.String("kind", string(apperr.KindOf(err))))
		return nil, util.RecordError(span, err)
	}

	if hold.HoldID == "" {
		return nil, util.RecordError(span, apperr.New(apperr.KindServer, "reservation response has no hold id"))
	}
	if !sameSeats(hold.SeatIDs, req.SeatIDs) {
		// The backend granted something other than what was asked for. Give it
		// back rather than present different seats to the user.
		s.release(ctx, hold.HoldID)
		util.HoldsRejectedTotal.WithLabelValues("substituted").Inc()
		return nil, util.RecordError(span, apperr.New(apperr.KindSeatsUnavailable,
			"The selected seats are no longer available."))
	}
	if hold.CategoryID == "" {
		hold.CategoryID = req.CategoryID
	}
	if hold.EventID == "" {
		hold.EventID = req.EventID
	}

	s.mu.Lock()
	s.holds[hold.HoldID] = cloneHold(&hold)
	s.mu.Unlock()

	util.HoldsReservedTotal.Inc()
	util.Info(ctx, s.logger, "Seats held",
		zap.String("hold_id", hold.HoldID),
		zap.Int("seats", len(hold.SeatIDs)),
		zap.Time("expires_at", hold.ExpiresAt))
	s.bus.Publish(ctx, models.NewStateEvent(models.EventTypeHoldReserved, hold.HoldID, cloneHold(&hold)))

	return cloneHold(&hold), nil
}

// Renew extends a hold. It is only ever called explicitly; holds are never
// renewed in the background. A hold already past its expiry is gone.
func (s *AvailabilityService) Renew(ctx context.Context, holdID string) (*models.SeatHold, error) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.Renew", "hold_id", holdID)
	defer span.End()

	if _, ok := s.Hold(holdID); !ok {
		return nil, util.RecordError(span, apperr.New(apperr.KindSeatsUnavailable,
			"The seat hold has expired. Please select your seats again."))
	}

	body := map[string]int{"durationSeconds": int(s.holdDuration / time.Second)}
	var hold models.SeatHold
	if err := s.backend.Post(ctx, fmt.Sprintf("/api/seats/reservations/%s/renew", url.PathEscape(holdID)), body, &hold); err != nil {
		err = apperr.Translate(err)
		if k := apperr.KindOf(err); k == apperr.KindSeatsUnavailable || k == apperr.KindNotFound {
			s.forget(holdID)
		}
		return nil, util.RecordError(span, err)
	}

	s.mu.Lock()
	cur, ok := s.holds[holdID]
	if ok && !hold.ExpiresAt.IsZero() {
		cur.ExpiresAt = hold.ExpiresAt
	}
	var out *models.SeatHold
	if ok {
		out = cloneHold(cur)
	}
	s.mu.Unlock()

	if out == nil {
		return nil, util.RecordError(span, apperr.New(apperr.KindSeatsUnavailable, "The seat hold is no longer available."))
	}
	return out, nil
}

// Release gives a hold back. It is best effort: failures are logged and the
// backend's own expiry cleans up.
func (s *AvailabilityService) Release(ctx context.Context, holdID string) {
	ctx, span := util.StartSpan(ctx, "AvailabilityService.Release", "hold_id", holdID)
	defer span.End()

	s.release(ctx, holdID)
	if s.forget(holdID) {
		s.bus.Publish(ctx, models.NewStateEvent(models.EventTypeHoldReleased, holdID, nil))
	}
}

func (s *AvailabilityService) release(ctx context.Context, holdID string) {
	err := s.backend.Delete(ctx, "/api/seats/reservations/"+url.PathEscape(holdID), nil)
	if err != nil {
		util.HoldReleaseFailuresTotal.Inc()
		util.Warn(ctx, s.logger, "Failed to release seat hold",
			zap.String("hold_id", holdID),
			zap.Error(err))
	}
}

// Hold returns a locally known hold. A hold past its expiry is dropped and
// reported as missing.
func (s *AvailabilityService) Hold(holdID string) (*models.SeatHold, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, false
	}
	if h.LocallyExpired(s.now()) {
		delete(s.holds, holdID)
		return nil, false
	}
	return cloneHold(h), true
}

// ActiveHolds lists holds that have not yet passed their expiry, soonest
// expiry first.
func (s *AvailabilityService) ActiveHolds() []models.SeatHold {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]models.SeatHold, 0, len(s.holds))
	for id, h := range s.holds {
		if h.LocallyExpired(now) {
			delete(s.holds, id)
			continue
		}
		out = append(out, *cloneHold(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Consume drops holds that an order has taken over.
func (s *AvailabilityService) Consume(holdIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range holdIDs {
		delete(s.holds, id)
	}
}

// Reset drops every local hold, e.g. when the session ends.
func (s *AvailabilityService) Reset() {
	s.mu.Lock()
	s.holds = make(map[string]*models.SeatHold)
	s.mu.Unlock()
}

func (s *AvailabilityService) forget(holdID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.holds[holdID]
	delete(s.holds, holdID)
	return ok
}

func cloneHold(h *models.SeatHold) *models.SeatHold {
	out := *h
	out.SeatIDs = append([]string(nil), h.SeatIDs...)
	return &out
}

func sameSeats(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	set := make(map[string]int, len(want))
	for _, id := range want {
		set[id]++
	}
	for _, id := range got {
		if set[id] == 0 {
			return false
		}
		set[id]--
	}
	return true
}
