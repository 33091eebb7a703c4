package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	pkgkafka "github.com/utafrali/EcommerceGo/warehouse/pkg/kafka"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

// Kafka topics consumed by the warehouse service.
const (
	TopicPaymentSucceeded = "ecommerce.payment.succeeded"
	TopicPaymentFailed    = "ecommerce.payment.failed"
	TopicCheckoutFailed   = "ecommerce.checkout.failed"
)

// LockService is what the consumer needs from the allocation service.
type LockService interface {
	ConfirmBatchLocks(ctx context.Context, sessionID string) ([]domain.BatchLock, error)
	UnlockAllBatches(ctx context.Context, sessionID string) (int, error)
}

// CheckoutEventData is the part of payment and checkout payloads used here.
// The checkout ID is the lock session ID.
type CheckoutEventData struct {
	CheckoutID string `json:"checkout_id"`
	OrderID    string `json:"order_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Consumer processes incoming Kafka events for the warehouse service.
type Consumer struct {
	service LockService
	logger  *slog.Logger
}

// NewConsumer creates a new event consumer.
func NewConsumer(service LockService, logger *slog.Logger) *Consumer {
	return &Consumer{service: service, logger: logger}
}

func (c *Consumer) checkoutID(ctx context.Context, event *pkgkafka.Event) (context.Context, string, error) {
	var data CheckoutEventData
	if err := event.UnmarshalData(&data); err != nil {
		return ctx, "", fmt.Errorf("unmarshal %s data: %w", event.EventType, err)
	}
	if data.CheckoutID == "" {
		return ctx, "", fmt.Errorf("%s event %s has no checkout_id", event.EventType, event.EventID)
	}

	if event.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
	}
	ctx = logger.WithSessionID(ctx, data.CheckoutID)
	return ctx, data.CheckoutID, nil
}

// HandlePaymentSucceeded confirms the session's locks.
func (c *Consumer) HandlePaymentSucceeded(ctx context.Context, event *pkgkafka.Event) error {
	ctx, sessionID, err := c.checkoutID(ctx, event)
	if err != nil {
		return err
	}
	log := logger.WithContext(ctx, c.logger)
	log.InfoContext(ctx, "processing payment.succeeded event")

	locks, err := c.service.ConfirmBatchLocks(ctx, sessionID)
	// The session was released and locks_released announced it, so a retry
	// would find nothing to do.
	if errors.Is(err, domain.ErrInsufficientStock) {
		log.ErrorContext(ctx, "paid checkout could not be confirmed, stock released",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("confirm locks for checkout %s: %w", sessionID, err)
	}

	log.InfoContext(ctx, "stock confirmed for paid checkout", slog.Int("locks", len(locks)))
	return nil
}

// HandlePaymentFailed releases the session's locks.
func (c *Consumer) HandlePaymentFailed(ctx context.Context, event *pkgkafka.Event) error {
	return c.release(ctx, event)
}

// HandleCheckoutFailed releases the session's locks.
func (c *Consumer) HandleCheckoutFailed(ctx context.Context, event *pkgkafka.Event) error {
	return c.release(ctx, event)
}

func (c *Consumer) release(ctx context.Context, event *pkgkafka.Event) error {
	ctx, sessionID, err := c.checkoutID(ctx, event)
	if err != nil {
		return err
	}
	log := logger.WithContext(ctx, c.logger)
	log.InfoContext(ctx, "processing "+event.EventType+" event")

	released, err := c.service.UnlockAllBatches(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("release locks for checkout %s: %w", sessionID, err)
	}

	log.InfoContext(ctx, "stock released for failed checkout", slog.Int("locks", released))
	return nil
}
