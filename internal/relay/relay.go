// Package relay bridges order storage to the realtime feed. It polls
// for recently updated orders, groups them by vendor, and publishes one
// batch per vendor. Poll windows overlap by a configurable margin, so
// a row near a window edge is delivered twice rather than never;
// consumers collapse duplicates through version reconciliation.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pocketshop/ordersync/internal/domain"
	"github.com/pocketshop/ordersync/internal/feed"
)

var (
	meter = otel.Meter("ordersync/relay")

	batchesPublished metric.Int64Counter
)

func init() {
	batchesPublished, _ = meter.Int64Counter("ordersync.relay.batches_published",
		metric.WithDescription("Per-vendor order batches pushed onto the feed"))
}

// Source lists orders, across all vendors, changed at or after a
// cutoff.
type Source interface {
	FetchOrdersChangedSince(ctx context.Context, cutoff time.Time) ([]domain.Order, error)
}

type Option func(*Relay)

// WithClock overrides the time source used for watermarks.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

// Relay is not safe for concurrent use; Run drives it from a single
// goroutine.
type Relay struct {
	source   Source
	pub      feed.Publisher
	interval time.Duration
	overlap  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	watermark time.Time
}

func New(source Source, pub feed.Publisher, interval, overlap time.Duration, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		source:   source,
		pub:      pub,
		interval: interval,
		overlap:  overlap,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.watermark = r.now()
	return r
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "interval", r.interval, "overlap", r.overlap)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one poll-and-publish cycle. The watermark only advances
// after every batch in the window has been published, so a failing
// sweep redelivers the whole window on the next pass instead of
// dropping it.
func (r *Relay) Sweep(ctx context.Context) error {
	cutoff := r.watermark.Add(-r.overlap)
	next := r.now()

	orders, err := r.source.FetchOrdersChangedSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("fetch changed orders: %w", err)
	}

	byVendor := make(map[string][]domain.Order)
	for _, o := range orders {
		byVendor[o.VendorID] = append(byVendor[o.VendorID], o)
	}

	for vendorID, batch := range byVendor {
		evt := domain.OrderBatch{
			EventID:   uuid.New().String(),
			VendorID:  vendorID,
			Orders:    batch,
			EmittedAt: next,
		}
		if err := r.pub.PublishBatch(ctx, evt); err != nil {
			return fmt.Errorf("publish batch for vendor %s: %w", vendorID, err)
		}
		batchesPublished.Add(ctx, 1)
		r.logger.Info("published order batch", "vendor_id", vendorID, "orders", len(batch), "event_id", evt.EventID)
	}

	r.watermark = next
	return nil
}
