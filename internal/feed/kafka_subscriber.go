package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pocketshop/ordersync/internal/domain"
)

var subscriberTracer = otel.Tracer("feed/kafka-subscriber")

type ReaderOption func(*kafka.ReaderConfig)

func WithStartOffset(offset int64) ReaderOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

// KafkaSubscriber consumes the orders topic and hands matching batches
// to subscribers. Every process uses its own consumer group, so all of
// them see all batches; rows for other vendors are acknowledged and
// skipped. New subscriptions start at the latest offset because the
// backlog is already covered by the initial fetch.
type KafkaSubscriber struct {
	brokers []string
	topic   string
	groupID string
	logger  *slog.Logger
	opts    []ReaderOption
}

func NewKafkaSubscriber(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ReaderOption) *KafkaSubscriber {
	return &KafkaSubscriber{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		logger:  logger,
		opts:    opts,
	}
}

// Subscribe starts a reader for vendorID. The returned stop function
// blocks until the delivery loop has drained and may be called more
// than once. Construct one KafkaSubscriber per subscription; two
// subscriptions sharing a group would split the topic between them.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, vendorID string, fn Handler) (func(), error) {
	cfg := kafka.ReaderConfig{
		Brokers:     s.brokers,
		Topic:       s.topic,
		GroupID:     s.groupID,
		StartOffset: kafka.LastOffset,
	}
	for _, opt := range s.opts {
		opt(&cfg)
	}
	reader := kafka.NewReader(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.run(runCtx, reader, vendorID, fn)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			if err := reader.Close(); err != nil {
				s.logger.Error("closing order feed reader", "error", err)
			}
		})
		<-done
	}
	return stop, nil
}

func (s *KafkaSubscriber) run(ctx context.Context, reader *kafka.Reader, vendorID string, fn Handler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Error("order feed consumer stopped", "error", err, "vendor_id", vendorID)
			}
			return
		}

		if string(msg.Key) == vendorID {
			if err := s.process(ctx, msg, fn); err != nil {
				// A batch that cannot be decoded is dropped, not
				// retried; replaying it would fail the same way and
				// wedge the feed.
				s.logger.Error("dropping undecodable batch", "error", err, "offset", msg.Offset, "partition", msg.Partition)
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() == nil {
				s.logger.Error("committing order feed offset", "error", err, "vendor_id", vendorID)
			}
			return
		}
	}
}

func (s *KafkaSubscriber) process(ctx context.Context, msg kafka.Message, fn Handler) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, messageCarrier{msg: &msg})

	spanCtx, span := subscriberTracer.Start(parentCtx, "process "+s.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(s.topic),
			semconv.MessagingKafkaConsumerGroup(s.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	var batch domain.OrderBatch
	if err := json.Unmarshal(msg.Value, &batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("unmarshal order batch: %w", err)
	}

	fn(spanCtx, batch)
	return nil
}
