package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"checkout-core/internal/broker"
	"checkout-core/internal/fakebackend"
	"checkout-core/internal/models"
	"checkout-core/internal/session"
	"checkout-core/internal/store"
	"checkout-core/internal/transport"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type harness struct {
	fb     *fakebackend.Backend
	client *transport.Client
	tokens *session.TokenStore
	kv     store.KV
	co     *Checkout

	mu     sync.Mutex
	events []*models.StateEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fb := fakebackend.New()
	srv := fb.Start()
	t.Cleanup(srv.Close)

	h := &harness{fb: fb, tokens: session.NewTokenStore("tok-test"), kv: store.NewMemoryStore()}
	client, err := transport.NewClient(transport.Options{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		Token:      h.tokens.Token,
		ClearToken: h.tokens.Clear,
		OnUnauthorized: func() {
			h.co.SessionExpired(context.Background())
		},
	})
	require.NoError(t, err)
	h.client = client

	h.co = NewCheckout(client, h.kv, broker.NewBus(), Settings{
		Poll: PollOptions{Interval: 5 * time.Millisecond, MaxAttempts: 10, Timeout: 5 * time.Second},
	})
	h.co.Bus.Subscribe(func(_ context.Context, ev *models.StateEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	return h
}

// eventsOf returns recorded events of one type.
func (h *harness) eventsOf(eventType string) []*models.StateEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*models.StateEvent
	for _, ev := range h.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func ticketItem(category string, seats ...string) models.CartItem {
	return models.CartItem{
		ItemType:    models.ItemTypeTicket,
		ReferenceID: category,
		Name:        "General admission",
		UnitPrice:   decimal.NewFromInt(15000),
		Quantity:    len(seats),
		Details: models.TicketDetails{
			EventID:    "evt_1",
			CategoryID: category,
			SeatIDs:    seats,
		},
	}
}

func foodItem(name string, qty int) models.CartItem {
	return models.CartItem{
		ItemType:    models.ItemTypeFood,
		ReferenceID: name,
		Name:        name,
		UnitPrice:   decimal.NewFromInt(2500),
		Quantity:    qty,
		Details:     models.FoodDetails{SpecialInstructions: "no onions"},
	}
}

// placeDirectOrder creates a pending order for two seats without a cart.
func (h *harness) placeDirectOrder(t *testing.T, seats ...string) *models.Order {
	t.Helper()
	if len(seats) == 0 {
		seats = []string{"A1", "A2"}
	}
	order, err := h.co.Orders.CreateOrder(context.Background(), CreateOrderRequest{
		EventID:  "evt_1",
		Items:    []models.CartItem{ticketItem("cat_vip", seats...)},
		Currency: models.CurrencyRWF,
	})
	require.NoError(t, err)
	return order
}

// stubBackend answers every call through one programmable function.
type stubBackend struct {
	mu    sync.Mutex
	calls []stubCall
	fn    func(call stubCall, out interface{}) error
}

type stubCall struct {
	Method string
	Path   string
	Body   interface{}
	Key    string
}

func (s *stubBackend) record(method, path string, body, out interface{}, opts []transport.RequestOption) error {
	call := stubCall{Method: method, Path: path, Body: body, Key: transport.IdempotencyKeyOf(opts...)}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(call, out)
}

func (s *stubBackend) Get(ctx context.Context, path string, out interface{}, opts ...transport.RequestOption) error {
	return s.record("GET", path, nil, out, opts)
}

func (s *stubBackend) Post(ctx context.Context, path string, body, out interface{}, opts ...transport.RequestOption) error {
	return s.record("POST", path, body, out, opts)
}

func (s *stubBackend) Put(ctx context.Context, path string, body, out interface{}, opts ...transport.RequestOption) error {
	return s.record("PUT", path, body, out, opts)
}

func (s *stubBackend) Delete(ctx context.Context, path string, out interface{}, opts ...transport.RequestOption) error {
	return s.record("DELETE", path, nil, out, opts)
}

func (s *stubBackend) Calls() []stubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stubCall(nil), s.calls...)
}

// fill decodes a JSON literal into out, the way the transport would.
func fill(out interface{}, raw string) error {
	return json.Unmarshal([]byte(raw), out)
}
