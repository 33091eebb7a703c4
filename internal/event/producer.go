package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/EcommerceGo/warehouse/internal/domain"
	pkgkafka "github.com/utafrali/EcommerceGo/warehouse/pkg/kafka"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/logger"
)

// Kafka topics produced by the warehouse service.
const (
	TopicBatchesLocked  = "ecommerce.inventory.batches_locked"
	TopicLocksConfirmed = "ecommerce.inventory.locks_confirmed"
	TopicLocksReleased  = "ecommerce.inventory.locks_released"
	TopicLocksExpired   = "ecommerce.inventory.locks_expired"
	TopicLowStock       = "ecommerce.inventory.low_stock"
)

// AggregateTypeInventory is the aggregate type of every produced event.
const AggregateTypeInventory = "inventory"

// SourceWarehouseService identifies events from this service.
const SourceWarehouseService = "warehouse-service"

// LockData describes one batch lock in an event payload.
type LockData struct {
	LockID      string `json:"lock_id"`
	BatchID     string `json:"batch_id"`
	StockID     string `json:"stock_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

// SessionLocksData is the payload of the batches_locked, locks_confirmed,
// locks_released and locks_expired events.
type SessionLocksData struct {
	SessionID     string     `json:"session_id"`
	TotalQuantity int        `json:"total_quantity"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Locks         []LockData `json:"locks"`
}

// LowStockData is the payload of an inventory.low_stock event.
type LowStockData struct {
	StockID           string `json:"stock_id"`
	ProductID         string `json:"product_id"`
	VariantID         string `json:"variant_id"`
	WarehouseID       string `json:"warehouse_id"`
	Quantity          int    `json:"quantity"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

// publisher is satisfied by *pkgkafka.Producer.
type publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes warehouse domain events to Kafka.
type Producer struct {
	kafka  publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the warehouse service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

func newSessionLocksData(sessionID string, locks []domain.BatchLock, withExpiry bool) SessionLocksData {
	data := SessionLocksData{SessionID: sessionID, Locks: make([]LockData, 0, len(locks))}
	for _, l := range locks {
		data.TotalQuantity += l.Quantity
		data.Locks = append(data.Locks, LockData{
			LockID:      l.ID,
			BatchID:     l.BatchID,
			StockID:     l.StockID,
			WarehouseID: l.WarehouseID,
			Quantity:    l.Quantity,
		})
		if withExpiry && (data.ExpiresAt == nil || l.ExpiresAt.Before(*data.ExpiresAt)) {
			exp := l.ExpiresAt
			data.ExpiresAt = &exp
		}
	}
	return data
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID string, data any) error {
	event, err := pkgkafka.NewEvent(topic, aggregateID, AggregateTypeInventory, SourceWarehouseService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}
	if id := logger.SessionIDFromContext(ctx); id != "" {
		event.WithMetadata("session_id", id)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("aggregate_id", aggregateID),
	)
	return nil
}

// PublishBatchesLocked publishes an inventory.batches_locked event.
func (p *Producer) PublishBatchesLocked(ctx context.Context, sessionID string, locks []domain.BatchLock) error {
	return p.publish(ctx, TopicBatchesLocked, sessionID, newSessionLocksData(sessionID, locks, true))
}

// PublishLocksConfirmed publishes an inventory.locks_confirmed event.
func (p *Producer) PublishLocksConfirmed(ctx context.Context, sessionID string, locks []domain.BatchLock) error {
	return p.publish(ctx, TopicLocksConfirmed, sessionID, newSessionLocksData(sessionID, locks, false))
}

// PublishLocksReleased publishes an inventory.locks_released event.
func (p *Producer) PublishLocksReleased(ctx context.Context, sessionID string, locks []domain.BatchLock) error {
	return p.publish(ctx, TopicLocksReleased, sessionID, newSessionLocksData(sessionID, locks, false))
}

// PublishLocksExpired publishes an inventory.locks_expired event.
func (p *Producer) PublishLocksExpired(ctx context.Context, sessionID string, locks []domain.BatchLock) error {
	return p.publish(ctx, TopicLocksExpired, sessionID, newSessionLocksData(sessionID, locks, true))
}

// PublishLowStock publishes an inventory.low_stock event.
func (p *Producer) PublishLowStock(ctx context.Context, stock *domain.Stock) error {
	data := LowStockData{
		StockID:           stock.ID,
		ProductID:         stock.ProductID,
		VariantID:         stock.VariantID,
		WarehouseID:       stock.WarehouseID,
		Quantity:          stock.Quantity,
		LowStockThreshold: stock.LowStockThreshold,
	}
	return p.publish(ctx, TopicLowStock, stock.ProductID, data)
}

// NopProducer drops every event. It is used when Kafka is disabled.
type NopProducer struct{}

func (NopProducer) PublishBatchesLocked(context.Context, string, []domain.BatchLock) error {
	return nil
}
func (NopProducer) PublishLocksConfirmed(context.Context, string, []domain.BatchLock) error {
	return nil
}
func (NopProducer) PublishLocksReleased(context.Context, string, []domain.BatchLock) error {
	return nil
}
func (NopProducer) PublishLocksExpired(context.Context, string, []domain.BatchLock) error { return nil }
func (NopProducer) PublishLowStock(context.Context, *domain.Stock) error                  { return nil }
