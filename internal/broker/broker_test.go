package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"checkout-core/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestBusSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var got []string
	unsubscribe := bus.Subscribe(func(ctx context.Context, ev *models.StateEvent) {
		got = append(got, ev.EventType)
	})

	bus.Publish(ctx, models.NewStateEvent(models.EventTypeCartUpdated, "cart-1", nil))
	unsubscribe()
	unsubscribe()
	bus.Publish(ctx, models.NewStateEvent(models.EventTypeOrderCreated, "o-1", nil))

	assert.Equal(t, []string{models.EventTypeCartUpdated}, got)

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(ctx, models.NewStateEvent("X", "", nil)) })
}

func TestKafkaSinkForwardsKeyedByEntity(t *testing.T) {
	w := &recordingWriter{}
	bus := NewBus()
	detach := NewKafkaSink(NewProducerWithWriter(w)).Attach(bus)
	defer detach()

	bus.Publish(context.Background(), models.NewTransitionEvent(models.EventTypeOrderStatusChanged, "o-42", "pending", "confirmed", nil))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "o-42", string(w.msgs[0].Key))

	var ev models.StateEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "confirmed", ev.To)
}

func TestKafkaSinkSwallowsWriteErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	sink := NewKafkaSink(NewProducerWithWriter(w))

	assert.NotPanics(t, func() {
		sink.Forward(context.Background(), models.NewStateEvent(models.EventTypeCartUpdated, "c", nil))
	})
}

func TestEventHandlerRoutesPaymentCallbacks(t *testing.T) {
	h := NewEventHandler()
	var seen string
	h.OnPaymentCallback(func(ctx context.Context, ev *models.PaymentCallbackEvent) error {
		seen = ev.PaymentID
		return nil
	})

	raw, err := json.Marshal(models.NewPaymentCallbackEvent("pay-7", "completed"))
	require.NoError(t, err)

	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: raw}))
	assert.Equal(t, "pay-7", seen)

	raw, _ = json.Marshal(models.NewPaymentCallbackEvent("", "completed"))
	assert.Error(t, h.HandleMessage(context.Background(), kafka.Message{Value: raw}))

	assert.Error(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}
