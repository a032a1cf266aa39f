package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pocketshop/ordersync/internal/domain"
)

// RedisFeed publishes and subscribes through Redis pub/sub, one channel
// per vendor. Pub/sub drops messages for disconnected subscribers;
// that is acceptable here because reconnecting dashboards re-fetch and
// reconcile, so the feed only ever has to cover the steady state.
type RedisFeed struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisFeed(addr string, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "orders.changed.",
		logger: logger,
	}
}

func (f *RedisFeed) channel(vendorID string) string {
	return f.prefix + vendorID
}

func (f *RedisFeed) PublishBatch(ctx context.Context, batch domain.OrderBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal order batch: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(batch.VendorID), data).Err(); err != nil {
		return fmt.Errorf("publish batch for vendor %s: %w", batch.VendorID, err)
	}
	return nil
}

// Subscribe confirms the subscription with the server before returning,
// then delivers batches until stop runs or ctx is cancelled.
func (f *RedisFeed) Subscribe(ctx context.Context, vendorID string, fn Handler) (func(), error) {
	sub := f.client.Subscribe(ctx, f.channel(vendorID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", f.channel(vendorID), err)
	}

	var once sync.Once
	closeSub := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				f.logger.Error("closing redis subscription", "error", err)
			}
		})
	}

	msgs := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			var batch domain.OrderBatch
			if err := json.Unmarshal([]byte(msg.Payload), &batch); err != nil {
				f.logger.Error("dropping undecodable batch", "error", err, "channel", msg.Channel)
				continue
			}
			fn(ctx, batch)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			closeSub()
		case <-done:
		}
	}()

	stop := func() {
		closeSub()
		<-done
	}
	return stop, nil
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
