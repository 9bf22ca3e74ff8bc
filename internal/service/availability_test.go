package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/broker"
	"checkout-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentReserveOverlappingSeats(t *testing.T) {
	h := newHarness(t)
	h.fb.ReserveDelay = 50 * time.Millisecond
	ctx := context.Background()

	requests := []ReserveRequest{
		{EventID: "evt_1", CategoryID: "cat_vip", SeatIDs: []string{"A1", "A2"}},
		{EventID: "evt_1", CategoryID: "cat_vip", SeatIDs: []string{"A2", "A3"}},
	}
	holds := make([]*models.SeatHold, len(requests))
	errs := make([]error, len(requests))

	var wg sync.WaitGroup
	for i := range requests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holds[i], errs[i] = h.co.Availability.Reserve(ctx, requests[i])
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range requests {
		if errs[i] == nil {
			winners++
			assert.Equal(t, holds[i].HoldID, h.fb.SeatOwner("A2"))
			assert.ElementsMatch(t, requests[i].SeatIDs, holds[i].SeatIDs)
			continue
		}
		assert.ErrorIs(t, errs[i], apperr.ErrSeatsUnavailable)
	}
	assert.Equal(t, 1, winners)
	// The loser is not retried with other seats.
	assert.Equal(t, 2, h.fb.Hits("POST", "/api/seats/reserve"))
	assert.Len(t, h.co.Availability.ActiveHolds(), 1)
}

func TestReserveValidatesBeforeSending(t *testing.T) {
	h := newHarness(t)

	_, err := h.co.Availability.Reserve(context.Background(), ReserveRequest{
		CategoryID: "cat_vip",
		SeatIDs:    []string{"A1", "A1"},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.co.Availability.Reserve(context.Background(), ReserveRequest{CategoryID: "cat_vip"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Zero(t, h.fb.TotalHits())
}

func TestReserveRejectsSubstitutedSeats(t *testing.T) {
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		if call.Path == "/api/seats/reserve" {
			return fill(out, `{"holdId":"h1","categoryId":"cat","seatIds":["B7"],"expiresAt":"2030-01-01T00:00:00Z"}`)
		}
		return nil
	}}
	svc := NewAvailabilityService(stub, broker.NewBus(), AvailabilityOptions{})

	_, err := svc.Reserve(context.Background(), ReserveRequest{CategoryID: "cat", SeatIDs: []string{"A1"}})

	assert.ErrorIs(t, err, apperr.ErrSeatsUnavailable)
	calls := stub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "DELETE", calls[1].Method)
	assert.Equal(t, "/api/seats/reservations/h1", calls[1].Path)
	_, held := svc.Hold("h1")
	assert.False(t, held)
}

func TestReleaseIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.co.Availability.Reserve(ctx, ReserveRequest{CategoryID: "cat_vip", SeatIDs: []string{"C1"}})
	require.NoError(t, err)

	h.co.Availability.Release(ctx, hold.HoldID)
	assert.Equal(t, "", h.fb.SeatOwner("C1"))
	assert.Len(t, h.eventsOf(models.EventTypeHoldReleased), 1)

	// A second release fails on the backend but does not surface.
	h.co.Availability.Release(ctx, hold.HoldID)
	assert.Equal(t, 2, h.fb.Hits("DELETE", "/api/seats/reservations/:id"))
}

func TestExpiredHoldIsGoneLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.co.Availability

	hold, err := svc.Reserve(ctx, ReserveRequest{CategoryID: "cat_vip", SeatIDs: []string{"D1"}})
	require.NoError(t, err)

	_, ok := svc.Hold(hold.HoldID)
	require.True(t, ok)

	svc.now = func() time.Time { return hold.ExpiresAt.Add(time.Second) }
	_, ok = svc.Hold(hold.HoldID)
	assert.False(t, ok)

	_, err = svc.Renew(ctx, hold.HoldID)
	assert.ErrorIs(t, err, apperr.ErrSeatsUnavailable)
	assert.Zero(t, h.fb.Hits("POST", "/api/seats/reservations/:id/renew"))
}

func TestRenewExtendsHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.co.Availability.Reserve(ctx, ReserveRequest{CategoryID: "cat_vip", SeatIDs: []string{"E1"}, Duration: 10 * time.Second})
	require.NoError(t, err)

	renewed, err := h.co.Availability.Renew(ctx, hold.HoldID)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(hold.ExpiresAt))
}

func TestGetAvailabilityRetriesUnknownOutcomes(t *testing.T) {
	attempts := 0
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		attempts++
		if attempts == 1 {
			return apperr.New(apperr.KindServer, "server error")
		}
		return fill(out, `{"categoryId":"cat","total":100,"available":97,"blocked":3}`)
	}}
	svc := NewAvailabilityService(stub, nil, AvailabilityOptions{Retries: 2, RetryBackoff: time.Millisecond})

	got, err := svc.GetAvailability(context.Background(), AvailabilityQuery{CategoryID: "cat"})
	require.NoError(t, err)
	assert.Equal(t, 97, got.Available)
	assert.Equal(t, 2, attempts)
}

func TestGetAvailabilityDoesNotRetryRejections(t *testing.T) {
	stub := &stubBackend{fn: func(stubCall, interface{}) error {
		return &apperr.Error{Kind: apperr.KindRequest, Status: 404, Message: "no such category"}
	}}
	svc := NewAvailabilityService(stub, nil, AvailabilityOptions{Retries: 3, RetryBackoff: time.Millisecond})

	_, err := svc.GetAvailability(context.Background(), AvailabilityQuery{CategoryID: "cat"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Len(t, stub.Calls(), 1)

	_, err = svc.GetAvailability(context.Background(), AvailabilityQuery{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAvailabilityReflectsHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.co.Availability.Reserve(ctx, ReserveRequest{CategoryID: "cat_vip", SeatIDs: []string{"F1", "F2"}})
	require.NoError(t, err)

	got, err := h.co.Availability.GetAvailability(ctx, AvailabilityQuery{CategoryID: "cat_vip"})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Total)
	assert.Equal(t, 98, got.Available)
}
