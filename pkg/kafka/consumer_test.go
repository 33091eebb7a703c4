package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedEvent(t *testing.T, eventType, aggregateID string) kafka.Message {
	t.Helper()
	event, err := NewEvent(eventType, aggregateID, "payment", "payment-service", map[string]string{"checkout_id": aggregateID})
	require.NoError(t, err)
	raw, err := event.Marshal()
	require.NoError(t, err)
	return kafka.Message{Topic: "ecommerce.payment.succeeded", Key: []byte(aggregateID), Value: raw}
}

func runConsumer(t *testing.T, msgs []kafka.Message, handler Handler, dlq deadLetterPublisher) *fakeReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &fakeReader{queue: msgs, cancel: cancel}
	c := newConsumerWithReader(r, ConsumerConfig{
		Topic:      "ecommerce.payment.succeeded",
		GroupID:    "warehouse-service",
		MaxRetries: 2,
	}, handler, slog.New(slog.DiscardHandler))
	if dlq != nil {
		c.dlq = dlq
	}

	require.NoError(t, c.Start(ctx))
	assert.True(t, r.closed)
	return r
}

func TestConsumer_CommitsAfterSuccess(t *testing.T) {
	var seen []string
	handler := func(_ context.Context, e *Event) error {
		seen = append(seen, e.AggregateID)
		return nil
	}

	r := runConsumer(t, []kafka.Message{
		encodedEvent(t, "payment.succeeded", "chk-1"),
		encodedEvent(t, "payment.succeeded", "chk-2"),
	}, handler, nil)

	assert.Equal(t, []string{"chk-1", "chk-2"}, seen)
	assert.Len(t, r.committed, 2)
}

func TestConsumer_RetriesThenDeadLetters(t *testing.T) {
	var calls atomic.Int32
	handler := func(context.Context, *Event) error {
		calls.Add(1)
		return errors.New("database unavailable")
	}
	dlq := &fakeDLQ{}

	r := runConsumer(t, []kafka.Message{encodedEvent(t, "payment.succeeded", "chk-1")}, handler, dlq)

	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, dlq.msgs, 1)
	assert.EqualError(t, dlq.causes[0], "database unavailable")
	assert.Len(t, r.committed, 1)
}

func TestConsumer_RecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	handler := func(context.Context, *Event) error {
		if calls.Add(1) == 1 {
			return errors.New("serialization failure")
		}
		return nil
	}
	dlq := &fakeDLQ{}

	r := runConsumer(t, []kafka.Message{encodedEvent(t, "payment.succeeded", "chk-1")}, handler, dlq)

	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, dlq.msgs)
	assert.Len(t, r.committed, 1)
}

func TestConsumer_UndecodableMessageSkipped(t *testing.T) {
	called := false
	handler := func(context.Context, *Event) error {
		called = true
		return nil
	}
	dlq := &fakeDLQ{}

	r := runConsumer(t, []kafka.Message{{Topic: "ecommerce.payment.succeeded", Value: []byte("garbage")}}, handler, dlq)

	assert.False(t, called)
	assert.Len(t, dlq.msgs, 1)
	assert.Len(t, r.committed, 1)
}

func TestDLQProducer_Publish_AddsHeaders(t *testing.T) {
	w := &fakeWriter{}
	d := &DLQProducer{writer: w, logger: slog.New(slog.DiscardHandler)}

	orig := kafka.Message{
		Topic:     "ecommerce.payment.failed",
		Partition: 3,
		Offset:    120,
		Key:       []byte("chk-5"),
		Value:     []byte(`{}`),
		Headers:   []kafka.Header{{Key: "event_type", Value: []byte("payment.failed")}},
	}
	require.NoError(t, d.Publish(context.Background(), orig, errors.New("boom"), "warehouse-service"))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "ecommerce.dlq.ecommerce.payment.failed", msg.Topic)
	assert.Equal(t, "chk-5", string(msg.Key))

	carrier := NewHeaderCarrier(&msg.Headers)
	assert.Equal(t, "payment.failed", carrier.Get("event_type"))
	assert.Equal(t, "3", carrier.Get("dlq.original_partition"))
	assert.Equal(t, "120", carrier.Get("dlq.original_offset"))
	assert.Equal(t, "warehouse-service", carrier.Get("dlq.consumer_group"))
	assert.Equal(t, "boom", carrier.Get("dlq.error"))
}
