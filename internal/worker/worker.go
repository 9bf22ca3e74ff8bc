package worker

import (
	"context"

	"checkout-core/internal/broker"
	"checkout-core/internal/models"
	"checkout-core/internal/util"

	"go.uber.org/zap"
)

// CallbackHandler re-verifies a payment a provider reported on.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, paymentID string) (*models.Payment, error)
}

// CallbackWorker feeds payment callbacks delivered over Kafka into the
// payment orchestrator. The reported status is a hint only; the backend is
// asked for the real one.
type CallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	payments     CallbackHandler
	logger       *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(consumer *broker.Consumer, payments CallbackHandler) *CallbackWorker {
	w := &CallbackWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		payments:     payments,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentCallback(w.handlePaymentCallback)
	return w
}

// Start blocks consuming callbacks until ctx is cancelled.
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping payment callback worker")
	return w.consumer.Close()
}

func (w *CallbackWorker) handlePaymentCallback(ctx context.Context, ev *models.PaymentCallbackEvent) error {
	ctx, span := util.StartSpan(ctx, "CallbackWorker.handlePaymentCallback", "payment_id", ev.PaymentID)
	defer span.End()

	pay, err := w.payments.HandleCallback(ctx, ev.PaymentID)
	if err != nil {
		util.Warn(ctx, w.logger, "Payment callback could not be verified",
			zap.String("payment_id", ev.PaymentID),
			zap.String("event_id", ev.EventID),
			zap.Error(err))
		return util.RecordError(span, err)
	}

	if ev.Status != "" && models.PaymentStatus(ev.Status) != pay.Status {
		util.Info(ctx, w.logger, "Callback status differs from backend",
			zap.String("payment_id", ev.PaymentID),
			zap.String("reported", ev.Status),
			zap.String("actual", string(pay.Status)))
	}
	return nil
}
